package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration for the relay agent. Operator
// settings that may change at runtime live in Settings instead.
type Config struct {
	// Browser debugging endpoint
	CDPAddress string
	CDPPort    int

	// Files
	SettingsFile string
	StateFile    string

	// Local status API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging and audit
	LogLevel           string
	LogFile            string
	AuditDir           string
	AuditMaxSizeMB     int
	// AuditMaxFrameBytes truncates larger frames in the audit trail; 0 keeps all.
	AuditMaxFrameBytes int

	// Optional browser launch
	LaunchBrowser     bool
	BrowserProfileDir string
	BrowserStartURL   string

	// Timing
	KeepaliveSpec  string
	ReattachDelays []time.Duration

	// Seeds for the settings file when it does not exist yet.
	DefaultSettings Settings
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	delays, err := parseDelays(getEnvOrDefault("TABRELAY_REATTACH_DELAYS_MS", "300,700,1500"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		SettingsFile:       getEnvOrDefault("TABRELAY_SETTINGS_FILE", "./tabrelay.yaml"),
		StateFile:          getEnvOrDefault("TABRELAY_STATE_FILE", "./state/session.json"),
		BindAddr:           getEnvOrDefault("TABRELAY_BIND_ADDR", "127.0.0.1:18793"),
		PortCandidates:     splitList(getEnvOrDefault("TABRELAY_PORT_CANDIDATES", "127.0.0.1:18794,127.0.0.1:18795,127.0.0.1:18796")),
		PortAutoFallback:   getEnvBoolOrDefault("TABRELAY_PORT_AUTO_FALLBACK", true),
		LogLevel:           strings.ToLower(getEnvOrDefault("TABRELAY_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("TABRELAY_LOG_FILE", "logs/tabrelay.log"),
		AuditDir:           getEnvOrDefault("TABRELAY_AUDIT_DIR", ""),
		AuditMaxSizeMB:     getEnvIntOrDefault("TABRELAY_AUDIT_MAX_SIZE_MB", 100),
		AuditMaxFrameBytes: getEnvIntOrDefault("TABRELAY_AUDIT_MAX_FRAME_BYTES", 262144),
		LaunchBrowser:      getEnvBoolOrDefault("TABRELAY_LAUNCH_BROWSER", false),
		BrowserProfileDir:  getEnvOrDefault("TABRELAY_BROWSER_PROFILE_DIR", "./browser_profile"),
		BrowserStartURL:    getEnvOrDefault("TABRELAY_BROWSER_START_URL", "about:blank"),
		KeepaliveSpec:      getEnvOrDefault("TABRELAY_KEEPALIVE", "@every 24s"),
		ReattachDelays:     delays,
		DefaultSettings: Settings{
			RelayPort:         ClampPort(getEnvIntOrDefault("TABRELAY_RELAY_PORT", DefaultRelayPort)),
			GatewayToken:      getEnvOrDefault("OPENCLAW_GATEWAY_TOKEN", ""),
			AutoAttach:        getEnvBoolOrDefault("TABRELAY_AUTO_ATTACH", true),
			DownloadDirectory: getEnvOrDefault("TABRELAY_DOWNLOAD_DIR", "./downloads"),
		},
	}

	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("config: CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	return cfg, nil
}

// CDPURL returns the browser's remote-debugging HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func parseDelays(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range splitList(raw) {
		ms, err := strconv.Atoi(part)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("config: invalid reattach delay %q", part)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: at least one reattach delay is required")
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
