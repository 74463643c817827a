package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultRelayPort is used whenever the configured relay port is missing or
// out of range.
const DefaultRelayPort = 18792

// Settings are the operator-editable options: where the relay listens, the
// gateway token, whether tabs are attached automatically, and where downloads
// land.
type Settings struct {
	RelayPort         int    `yaml:"relay_port" json:"relayPort"`
	GatewayToken      string `yaml:"gateway_token" json:"-"`
	AutoAttach        bool   `yaml:"auto_attach" json:"autoAttach"`
	DownloadDirectory string `yaml:"download_directory" json:"downloadDirectory"`
}

// ClampPort maps anything outside 1..65535 onto DefaultRelayPort.
func ClampPort(port int) int {
	if port <= 0 || port > 65535 {
		return DefaultRelayPort
	}
	return port
}

// SettingsStore keeps the current Settings in memory, backed by a YAML file.
type SettingsStore struct {
	path     string
	defaults Settings

	mu        sync.RWMutex
	current   Settings
	listeners []func(old, updated Settings)
}

func NewSettingsStore(path string, defaults Settings) *SettingsStore {
	defaults.RelayPort = ClampPort(defaults.RelayPort)
	return &SettingsStore{path: path, defaults: defaults, current: defaults}
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every effective change.
func (s *SettingsStore) OnChange(fn func(old, updated Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Load reads the settings file. A missing file keeps the defaults.
func (s *SettingsStore) Load() error {
	next, err := s.read()
	if err != nil {
		return err
	}
	s.apply(next)
	return nil
}

// Update applies fn to a copy of the current settings and writes the result
// back to disk.
func (s *SettingsStore) Update(fn func(*Settings)) (Settings, error) {
	next := s.Get()
	fn(&next)
	next.RelayPort = ClampPort(next.RelayPort)

	data, err := yaml.Marshal(next)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Settings{}, fmt.Errorf("settings: mkdir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return Settings{}, fmt.Errorf("settings: write: %w", err)
	}
	s.apply(next)
	return next, nil
}

func (s *SettingsStore) read() (Settings, error) {
	next := s.defaults
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("settings file absent, using defaults", "path", s.path)
			return next, nil
		}
		return Settings{}, fmt.Errorf("settings: read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &next); err != nil {
		return Settings{}, fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	next.RelayPort = ClampPort(next.RelayPort)
	return next, nil
}

func (s *SettingsStore) apply(next Settings) {
	s.mu.Lock()
	old := s.current
	s.current = next
	listeners := append([]func(old, updated Settings){}, s.listeners...)
	s.mu.Unlock()

	if old == next {
		return
	}
	slog.Info("settings changed",
		"relay_port", next.RelayPort,
		"auto_attach", next.AutoAttach,
		"token_set", next.GatewayToken != "",
		"download_directory", next.DownloadDirectory,
	)
	for _, fn := range listeners {
		fn(old, next)
	}
}

// Watch reloads the settings file whenever it changes until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up too.
func (s *SettingsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		base := filepath.Base(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if err := s.Load(); err != nil {
					slog.Warn("settings reload failed", "path", s.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("settings watcher error", "error", err)
			}
		}
	}()
	return nil
}
