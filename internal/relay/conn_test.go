package relay

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/relay/relaytest"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

const waitTimeout = 3 * time.Second

func newTestConnection(port int, token string) *Connection {
	return NewConnection(Options{
		Settings: func() (int, string) { return port, token },
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSURLRequiresToken(t *testing.T) {
	if _, err := WSURL(18792, ""); !types.IsCode(err, types.CodeConfigInvalid) {
		t.Fatalf("WSURL(no token) error = %v; want %s", err, types.CodeConfigInvalid)
	}
	got, err := WSURL(18792, "secret")
	if err != nil {
		t.Fatalf("WSURL() error = %v", err)
	}
	want := "ws://127.0.0.1:18792/extension?token=" + DeriveToken("secret", 18792)
	if got != want {
		t.Fatalf("WSURL() = %q; want %q", got, want)
	}
}

func TestDeriveTokenBindsPort(t *testing.T) {
	a := DeriveToken("secret", 18792)
	b := DeriveToken("secret", 18793)
	if a == b {
		t.Fatal("DeriveToken() identical across ports")
	}
	if len(a) != 64 {
		t.Fatalf("len(DeriveToken()) = %d; want 64 hex chars", len(a))
	}
	if a != DeriveToken("secret", 18792) {
		t.Fatal("DeriveToken() not deterministic")
	}
}

func TestEnsureConnectedUnreachable(t *testing.T) {
	conn := newTestConnection(freePort(t), "secret")
	err := conn.EnsureConnected(context.Background())
	if !types.IsCode(err, types.CodeRelayUnreachable) {
		t.Fatalf("EnsureConnected() error = %v; want %s", err, types.CodeRelayUnreachable)
	}
	if conn.State() != types.WSDisconnected {
		t.Fatalf("State() = %q; want disconnected", conn.State())
	}
	if !strings.Contains(conn.LastError(), "not reachable") {
		t.Fatalf("LastError() = %q; want reachability failure", conn.LastError())
	}
}

func TestEnsureConnectedMissingTokenIsNotRetryable(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "")
	err := conn.EnsureConnected(context.Background())
	if IsRetryable(err) {
		t.Fatalf("IsRetryable(%v) = true; want false", err)
	}
	if srv.Accepted() != 0 {
		t.Fatalf("server accepted %d connections; want 0", srv.Accepted())
	}
}

func TestEnsureConnectedSharesAttempt(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- conn.EnsureConnected(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureConnected() error = %v", err)
		}
	}
	if got := srv.Accepted(); got != 1 {
		t.Fatalf("server accepted %d connections; want 1", got)
	}
	if tokens := srv.Tokens(); tokens[0] != DeriveToken("secret", srv.Port) {
		t.Fatalf("token = %q; want derived token", tokens[0])
	}
	if conn.State() != types.WSConnected {
		t.Fatalf("State() = %q; want connected", conn.State())
	}
}

func TestHandshakeSendsSingleConnectRequest(t *testing.T) {
	srv := relaytest.NewServer(t)
	srv.SendChallenge = true
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	req := srv.WaitFor(t, waitTimeout, func(f relaytest.Frame) bool { return f.Type == "req" && f.Method == "connect" })

	var params struct {
		MinProtocol int      `json:"minProtocol"`
		MaxProtocol int      `json:"maxProtocol"`
		Role        string   `json:"role"`
		Scopes      []string `json:"scopes"`
		Nonce       string   `json:"nonce"`
		Client      struct {
			ID   string `json:"id"`
			Mode string `json:"mode"`
		} `json:"client"`
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal connect params: %v", err)
	}
	if params.MinProtocol != 3 || params.MaxProtocol != 3 {
		t.Fatalf("protocol = %d..%d; want 3..3", params.MinProtocol, params.MaxProtocol)
	}
	if params.Role != "operator" || len(params.Scopes) != 2 {
		t.Fatalf("role/scopes = %q/%v", params.Role, params.Scopes)
	}
	if params.Nonce != "nonce-1" {
		t.Fatalf("nonce = %q; want nonce-1", params.Nonce)
	}
	if params.Auth.Token != "secret" {
		t.Fatalf("auth token = %q; want secret", params.Auth.Token)
	}
	if params.Client.ID != "chrome-relay-extension" || params.Client.Mode != "webchat" {
		t.Fatalf("client = %+v", params.Client)
	}

	var id string
	if err := json.Unmarshal(req.ID, &id); err != nil || !strings.HasPrefix(id, "ext-connect-") {
		t.Fatalf("connect id = %s; want ext-connect- prefix", req.ID)
	}
}

func TestDuplicateChallengeIgnoredWhileOutstanding(t *testing.T) {
	srv := relaytest.NewServer(t)
	srv.SilentHandshake = true
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	challenge := map[string]any{"type": "event", "event": "connect.challenge", "payload": map[string]any{"nonce": "n"}}
	srv.Send(challenge)
	srv.Send(challenge)
	srv.WaitFor(t, waitTimeout, func(f relaytest.Frame) bool { return f.Method == "connect" })
	srv.Send(map[string]any{"method": "ping"})
	srv.WaitFor(t, waitTimeout, func(f relaytest.Frame) bool { return f.Method == "pong" })

	n := 0
	for _, f := range srv.Frames() {
		if f.Method == "connect" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("connect requests = %d; want 1", n)
	}
}

func TestHandshakeRejectedClosesWithPolicyViolation(t *testing.T) {
	srv := relaytest.NewServer(t)
	srv.SendChallenge = true
	srv.RejectHandshake = true
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })

	reasons := make(chan string, 1)
	conn.OnClose(func(reason string) { reasons <- reason })

	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	select {
	case reason := <-reasons:
		if !strings.HasPrefix(reason, "1008") {
			t.Fatalf("close reason = %q; want 1008 prefix", reason)
		}
	case <-time.After(waitTimeout):
		t.Fatal("connection not closed after rejected handshake")
	}
	if !strings.Contains(conn.LastError(), types.CodeHandshakeRejected) {
		t.Fatalf("LastError() = %q; want %s", conn.LastError(), types.CodeHandshakeRejected)
	}
	if conn.Connected() {
		t.Fatal("Connected() = true after rejection")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	srv.Send(map[string]any{"method": "ping"})
	srv.WaitFor(t, waitTimeout, func(f relaytest.Frame) bool { return f.Method == "pong" })
}

func TestSendWhenDisconnectedFailsFast(t *testing.T) {
	conn := newTestConnection(freePort(t), "secret")
	err := conn.SendEvent(EventParams{Method: "Page.loadEventFired"})
	if !types.IsCode(err, types.CodeNotConnected) {
		t.Fatalf("SendEvent() error = %v; want %s", err, types.CodeNotConnected)
	}
	if _, err := conn.SendRequest(context.Background(), "x", nil); !types.IsCode(err, types.CodeNotConnected) {
		t.Fatalf("SendRequest() error = %v; want %s", err, types.CodeNotConnected)
	}
	if conn.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d; want 0", conn.PendingCount())
	}
}

func TestSendRequestResolvedByReply(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := conn.SendRequest(context.Background(), "relay.info", map[string]any{"a": 1})
		done <- result{raw, err}
	}()

	req := srv.WaitFor(t, waitTimeout, func(f relaytest.Frame) bool { return f.Method == "relay.info" })
	id, _ := req.IDInt()
	srv.Send(map[string]any{"id": id, "result": map[string]any{"ok": true}})

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("SendRequest() error = %v", r.err)
		}
		if string(r.raw) != `{"ok":true}` {
			t.Fatalf("SendRequest() = %s; want {\"ok\":true}", r.raw)
		}
	case <-time.After(waitTimeout):
		t.Fatal("SendRequest() did not resolve")
	}
}

func TestPendingRejectedOnClose(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "never.answered", nil)
		done <- err
	}()
	srv.WaitFor(t, waitTimeout, func(f relaytest.Frame) bool { return f.Method == "never.answered" })
	srv.DropAll()

	select {
	case err := <-done:
		if !types.IsCode(err, types.CodeNotConnected) {
			t.Fatalf("SendRequest() error = %v; want %s", err, types.CodeNotConnected)
		}
		if !strings.Contains(err.Error(), "Relay disconnected") {
			t.Fatalf("error = %q; want disconnect reason", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("pending request not rejected")
	}
	if conn.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d; want 0", conn.PendingCount())
	}
}

func TestCommandsDispatchedAndReplied(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })
	conn.OnCommand(func(cmd Command) {
		var p struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(cmd.Params, &p)
		_ = conn.ReplyResult(cmd.ID, map[string]string{"echo": p.Method})
	})
	if err := conn.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	srv.SendCommand(41, "Page.navigate", map[string]any{"url": "https://example.com"}, "")
	reply := srv.Reply(t, 41, waitTimeout)
	if string(reply.Result) != `{"echo":"Page.navigate"}` {
		t.Fatalf("reply result = %s", reply.Result)
	}

	srv.Send(map[string]any{"id": 42, "method": "somethingElse"})
	unknown := srv.Reply(t, 42, waitTimeout)
	if !strings.Contains(unknown.ErrorText(), "Unknown method") {
		t.Fatalf("reply error = %q; want Unknown method", unknown.ErrorText())
	}
}

func TestOnOpenRunsPerConnection(t *testing.T) {
	srv := relaytest.NewServer(t)
	conn := newTestConnection(srv.Port, "secret")
	t.Cleanup(func() { _ = conn.Close() })

	opened := make(chan struct{}, 4)
	conn.OnOpen(func() { opened <- struct{}{} })

	for i := 0; i < 2; i++ {
		if err := conn.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected() error = %v", err)
		}
		select {
		case <-opened:
		case <-time.After(waitTimeout):
			t.Fatalf("OnOpen not called for connection %d", i+1)
		}
		srv.DropAll()
		waitUntil(t, "disconnect", func() bool { return !conn.Connected() })
	}
}
