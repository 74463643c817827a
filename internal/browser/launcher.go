// Package browser starts a local Chromium with remote debugging enabled when
// the agent is asked to own the browser process.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

type Config struct {
	Address    string
	Port       int
	ProfileDir string
	StartURL   string
	// Binary overrides browser detection.
	Binary    string
	ExtraArgs []string
	// ReadyTimeout bounds the wait for /json/version; zero means 15s.
	ReadyTimeout time.Duration
}

// Launcher owns at most one browser process.
type Launcher struct {
	cfg Config
	cmd *exec.Cmd
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

var candidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

func detectBrowser() (string, error) {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v)", candidates)
}

func (l *Launcher) endpoint() string {
	return net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))
}

func (l *Launcher) portInUse() bool {
	conn, err := net.DialTimeout("tcp", l.endpoint(), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Args returns the command line the browser is started with.
func (l *Launcher) Args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.Port),
		"--remote-debugging-address=" + l.cfg.Address,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	args = append(args, l.cfg.ExtraArgs...)
	if l.cfg.StartURL != "" {
		args = append(args, l.cfg.StartURL)
	}
	return args
}

// Launch starts the browser unless something already listens on the
// debugging port, then waits for the endpoint to answer.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.portInUse() {
		slog.Info("browser already running, skipping launch", "endpoint", l.endpoint())
		return nil
	}

	path := l.cfg.Binary
	if path == "" {
		var err error
		if path, err = detectBrowser(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(path, l.Args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		l.cmd = nil
		return fmt.Errorf("start browser: %w", err)
	}
	slog.Info("browser process started", "path", path, "pid", l.cmd.Process.Pid)

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for browser endpoint: %w", err)
	}
	slog.Info("browser endpoint ready", "endpoint", l.endpoint())
	return nil
}

func (l *Launcher) waitReady(ctx context.Context) error {
	url := "http://" + l.endpoint() + "/json/version"
	client := &http.Client{Timeout: time.Second}
	backoff := retry.WithMaxDuration(l.cfg.ReadyTimeout, retry.NewConstant(250*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("%s: HTTP %d", url, resp.StatusCode))
		}
		return nil
	})
}

// Running reports whether this launcher spawned a browser that has not been
// stopped.
func (l *Launcher) Running() bool {
	return l.cmd != nil
}

// Stop terminates the spawned browser with SIGTERM, then SIGKILL after 5s.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	cmd := l.cmd
	l.cmd = nil
	slog.Info("stopping browser", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("browser signal failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("browser stopped")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = cmd.Process.Kill()
		<-done
	}
}
