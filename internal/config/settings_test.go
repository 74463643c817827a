package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClampPort(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{18792, 18792},
		{1, 1},
		{65535, 65535},
		{0, DefaultRelayPort},
		{-5, DefaultRelayPort},
		{70000, DefaultRelayPort},
	}
	for _, tt := range tests {
		if got := ClampPort(tt.in); got != tt.want {
			t.Fatalf("ClampPort(%d) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestLoadMissingKeepsDefaults(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "tabrelay.yaml"), Settings{RelayPort: 0, AutoAttach: true})
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := store.Get()
	if got.RelayPort != DefaultRelayPort || !got.AutoAttach {
		t.Fatalf("Get() = %+v; want default port and auto-attach", got)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabrelay.yaml")
	if err := os.WriteFile(path, []byte("relay_port: 99999\ngateway_token: secret\n"), 0o600); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}
	store := NewSettingsStore(path, Settings{RelayPort: 18792, AutoAttach: true, DownloadDirectory: "/tmp/dl"})
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := store.Get()
	if got.RelayPort != DefaultRelayPort {
		t.Fatalf("RelayPort = %d; want clamped %d", got.RelayPort, DefaultRelayPort)
	}
	if got.GatewayToken != "secret" {
		t.Fatalf("GatewayToken = %q; want secret", got.GatewayToken)
	}
	if !got.AutoAttach || got.DownloadDirectory != "/tmp/dl" {
		t.Fatalf("Get() = %+v; want defaults kept for absent keys", got)
	}
}

func TestUpdatePersistsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tabrelay.yaml")
	store := NewSettingsStore(path, Settings{RelayPort: 18792, AutoAttach: false})

	var gotOld, gotNew Settings
	calls := 0
	store.OnChange(func(old, updated Settings) {
		calls++
		gotOld, gotNew = old, updated
	})

	if _, err := store.Update(func(s *Settings) { s.AutoAttach = true; s.RelayPort = 20000 }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if calls != 1 || gotOld.AutoAttach || !gotNew.AutoAttach || gotNew.RelayPort != 20000 {
		t.Fatalf("listener calls=%d old=%+v new=%+v", calls, gotOld, gotNew)
	}

	reloaded := NewSettingsStore(path, Settings{})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := reloaded.Get(); got.RelayPort != 20000 || !got.AutoAttach {
		t.Fatalf("reloaded = %+v; want persisted update", got)
	}

	if _, err := store.Update(func(s *Settings) {}); err != nil {
		t.Fatalf("Update(no-op) error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("listener calls after no-op = %d; want 1", calls)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabrelay.yaml")
	store := NewSettingsStore(path, Settings{RelayPort: 18792})
	changed := make(chan Settings, 4)
	store.OnChange(func(_, updated Settings) { changed <- updated })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("relay_port: 19000\n"), 0o600); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-changed:
			if s.RelayPort == 19000 {
				return
			}
		case <-deadline:
			t.Fatalf("settings not reloaded; current = %+v", store.Get())
		}
	}
}
