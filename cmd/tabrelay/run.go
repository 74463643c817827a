package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabrelay/internal/agent"
	"github.com/dgnsrekt/tabrelay/internal/api"
	"github.com/dgnsrekt/tabrelay/internal/browser"
	"github.com/dgnsrekt/tabrelay/internal/cdp"
	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/netutil"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/snapshot"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay agent",
	Long: `Run connects to the browser, restores persisted sessions, connects to the
relay and serves the local status API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
			return fmt.Errorf("logger setup: %w", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("agent config loaded",
		"cdp_url", cfg.CDPURL(),
		"settings_file", cfg.SettingsFile,
		"state_file", cfg.StateFile,
		"bind_addr", cfg.BindAddr,
		"port_candidates", cfg.PortCandidates,
		"keepalive", cfg.KeepaliveSpec,
		"reattach_delays", cfg.ReattachDelays,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"version", version,
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	settings := config.NewSettingsStore(cfg.SettingsFile, cfg.DefaultSettings)
	if err := settings.Load(); err != nil {
		slog.Warn("settings load failed, using defaults", "path", cfg.SettingsFile, "error", err)
	}
	if err := settings.Watch(ctx); err != nil {
		slog.Warn("settings watch unavailable", "error", err)
	}
	relaySettings := func() (int, string) {
		s := settings.Get()
		return s.RelayPort, s.GatewayToken
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			Address:    cfg.CDPAddress,
			Port:       cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			StartURL:   cfg.BrowserStartURL,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	b := cdp.New(cdp.Options{
		Endpoint:    cfg.CDPURL(),
		DownloadDir: func() string { return settings.Get().DownloadDirectory },
	})
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("connect browser at %s: %w", cfg.CDPURL(), err)
	}
	defer func() { _ = b.Shutdown() }()

	relayOpts := relay.Options{Settings: relaySettings}
	if cfg.AuditDir != "" {
		audit := storage.NewAuditLog(cfg.AuditDir, 0, cfg.AuditMaxSizeMB, cfg.AuditMaxFrameBytes)
		defer func() {
			if err := audit.Close(); err != nil {
				slog.Warn("audit log close failed", "error", err)
			}
		}()
		relayOpts.Observer = audit.Observe
		slog.Info("relay audit enabled", "dir", cfg.AuditDir)
	}
	conn := relay.NewConnection(relayOpts)
	defer func() { _ = conn.Close() }()
	reconn := relay.NewReconnector(ctx, conn, relay.ReconnectOptions{})

	store, err := snapshot.NewStore(cfg.StateFile)
	if err != nil {
		return err
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("status API: %w", err)
	}
	apiAddr := ln.Addr().String()

	broker := status.NewBroker()
	board := status.NewBoard(broker)
	a := agent.New(agent.Options{
		Host:           b,
		Indicator:      board,
		Relay:          conn,
		Reconnector:    reconn,
		Settings:       settings,
		Store:          store,
		Broker:         broker,
		ReattachDelays: cfg.ReattachDelays,
		Keepalive:      cfg.KeepaliveSpec,
		SkipPrefixes:   []string{"http://" + apiAddr + "/"},
	})
	settings.OnChange(a.OnSettingsChanged)

	svc := controller.NewService(a, controller.Options{Settings: relaySettings})
	svc.Listen(ctx)

	srv := &http.Server{
		Handler:           api.NewServer(svc, api.Options{Badges: board.Snapshot, Broker: broker}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("status API listening", "addr", apiAddr, "docs", "http://"+apiAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status API failed", "error", err)
			cancel()
		}
	}()
	go func() {
		select {
		case <-b.Done():
			slog.Error("browser went away, stopping", "error", b.Err())
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := a.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status API shutdown failed", "error", err)
	}
	if runErr != nil {
		return runErr
	}
	if err := b.Err(); err != nil {
		return fmt.Errorf("browser connection lost: %w", err)
	}
	return nil
}
