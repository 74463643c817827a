package relay

import (
	"context"
	"testing"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/relay/relaytest"
)

func TestReconnectDelaysDoubleUpToCap(t *testing.T) {
	r := NewReconnector(context.Background(), newTestConnection(1, "x"), ReconnectOptions{
		Base: time.Second,
		Cap:  30 * time.Second,
	})
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		got, _ := r.backoff.Next()
		if got != w*time.Second {
			t.Fatalf("delay[%d] = %v; want %v", i, got, w*time.Second)
		}
	}
}

func TestReconnectJitterOnlyAdds(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewReconnector(context.Background(), newTestConnection(1, "x"), ReconnectOptions{
			Base:   time.Second,
			Cap:    30 * time.Second,
			Jitter: time.Second,
		})
		got, _ := r.backoff.Next()
		if got < time.Second || got >= 2*time.Second {
			t.Fatalf("first delay = %v; want within [1s, 2s)", got)
		}
	}
}

func TestResetRestartsSequence(t *testing.T) {
	r := NewReconnector(context.Background(), newTestConnection(1, "x"), ReconnectOptions{Base: time.Second, Cap: 30 * time.Second})
	r.backoff.Next()
	r.backoff.Next()
	r.Reset()
	if got, _ := r.backoff.Next(); got != time.Second {
		t.Fatalf("delay after Reset() = %v; want 1s", got)
	}
}

func TestReconnectorRestoresDroppedConnection(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewReconnector(ctx, conn, ReconnectOptions{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond})
	t.Cleanup(r.Stop)
	conn.OnClose(func(string) { r.Schedule() })

	if err := conn.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	srv.DropAll()

	srv.WaitConns(t, 2, waitTimeout)
	waitUntil(t, "reconnected", conn.Connected)
	waitUntil(t, "attempt reset", func() bool { return r.Attempt() == 0 })
	if r.Pending() {
		t.Fatal("Pending() = true after successful reconnect")
	}
}

func TestReconnectorStopsOnConfigError(t *testing.T) {
	conn := newTestConnection(freePort(t), "")
	r := NewReconnector(context.Background(), conn, ReconnectOptions{Base: time.Millisecond, Cap: time.Millisecond})
	t.Cleanup(r.Stop)

	r.Schedule()
	waitUntil(t, "attempt fired", func() bool { return !r.Pending() })
	time.Sleep(20 * time.Millisecond)
	if r.Pending() {
		t.Fatal("Pending() = true; want no retry after config error")
	}
	if got := r.Attempt(); got != 1 {
		t.Fatalf("Attempt() = %d; want 1", got)
	}
}

func TestScheduleKeepsSinglePendingAttempt(t *testing.T) {
	conn := newTestConnection(freePort(t), "secret")
	r := NewReconnector(context.Background(), conn, ReconnectOptions{Base: time.Hour, Cap: time.Hour})
	t.Cleanup(r.Stop)

	r.Schedule()
	r.Schedule()
	r.Schedule()
	if got := r.Attempt(); got != 1 {
		t.Fatalf("Attempt() = %d; want 1", got)
	}
	r.Cancel()
	if r.Pending() {
		t.Fatal("Pending() = true after Cancel()")
	}
}
