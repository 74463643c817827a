package browser

import (
	"context"
	"net"
	"strings"
	"testing"
)

func TestArgs(t *testing.T) {
	l := NewLauncher(Config{Address: "127.0.0.1", Port: 9333, ProfileDir: "/tmp/p", StartURL: "https://example.com", ExtraArgs: []string{"--headless=new"}})
	got := strings.Join(l.Args(), " ")
	for _, want := range []string{"--remote-debugging-port=9333", "--remote-debugging-address=127.0.0.1", "--user-data-dir=/tmp/p", "--headless=new"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Args() = %q; missing %q", got, want)
		}
	}
	if !strings.HasSuffix(got, "https://example.com") {
		t.Fatalf("Args() = %q; want start url last", got)
	}
}

func TestLaunchSkipsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	l := NewLauncher(Config{Address: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, ProfileDir: t.TempDir(), Binary: "/nonexistent/chrome"})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v; want skip", err)
	}
	if l.Running() {
		t.Fatal("Running() = true; want false when nothing was spawned")
	}
}

func TestLaunchFailsForMissingBinary(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	l := NewLauncher(Config{Address: "127.0.0.1", Port: port, ProfileDir: t.TempDir(), Binary: "/nonexistent/chrome"})
	if err := l.Launch(context.Background()); err == nil {
		t.Fatal("Launch() error = nil; want start failure")
	}
	if l.Running() {
		t.Fatal("Running() = true after failed start")
	}
}
