// Package relaytest provides an in-process relay server for tests.
package relaytest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Frame is one text frame received from the agent.
type Frame struct {
	Raw    json.RawMessage `json:"-"`
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Event decodes a forwardCDPEvent frame into its inner session, method and
// params.
func (f Frame) Event() (sessionID, method string, params json.RawMessage, ok bool) {
	if f.Method != "forwardCDPEvent" {
		return "", "", nil, false
	}
	var p struct {
		SessionID string          `json:"sessionId"`
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
	}
	if json.Unmarshal(f.Params, &p) != nil {
		return "", "", nil, false
	}
	return p.SessionID, p.Method, p.Params, true
}

// IDInt returns the numeric id of a reply frame.
func (f Frame) IDInt() (int64, bool) {
	var id int64
	if json.Unmarshal(f.ID, &id) != nil {
		return 0, false
	}
	return id, true
}

// ErrorText returns the reply error string, if any.
func (f Frame) ErrorText() string {
	var s string
	if json.Unmarshal(f.Error, &s) == nil {
		return s
	}
	return ""
}

// Server speaks the relay side of the extension protocol.
type Server struct {
	*httptest.Server

	// Port is the TCP port the server listens on.
	Port int

	// SendChallenge makes the server open every connection with a
	// connect.challenge event.
	SendChallenge bool
	// RejectHandshake answers connect requests with ok=false.
	RejectHandshake bool
	// SilentHandshake leaves connect requests unanswered.
	SilentHandshake bool

	mu       sync.Mutex
	conns    []net.Conn
	frames   []Frame
	tokens   []string
	accepted int
	notify   chan struct{}
	writeMu  sync.Mutex
}

// NewServer starts a relay server on loopback. It is closed with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{notify: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/extension", s.handleExtension)
	s.Server = httptest.NewServer(mux)
	u, err := url.Parse(s.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	s.Port, _ = strconv.Atoi(u.Port())
	t.Cleanup(func() {
		s.DropAll()
		s.Close()
	})
	return s
}

func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.accepted++
	s.mu.Unlock()
	s.signal()

	if s.SendChallenge {
		s.write(conn, map[string]any{
			"type":    "event",
			"event":   "connect.challenge",
			"payload": map[string]any{"nonce": "nonce-" + strconv.Itoa(s.Accepted())},
		})
	}

	reader := struct {
		io.Reader
		io.Writer
	}{rw.Reader, conn}
	for {
		data, err := wsutil.ReadClientText(reader)
		if err != nil {
			s.removeConn(conn)
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		f.Raw = append(json.RawMessage(nil), data...)
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()
		s.signal()

		if f.Type == "req" && f.Method == "connect" && !s.SilentHandshake {
			var id string
			_ = json.Unmarshal(f.ID, &id)
			if s.RejectHandshake {
				s.write(conn, map[string]any{"type": "res", "id": id, "ok": false, "error": map[string]any{"message": "bad token"}})
			} else {
				s.write(conn, map[string]any{"type": "res", "id": id, "ok": true})
			}
		}
	}
}

func (s *Server) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	_ = conn.Close()
}

func (s *Server) write(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	_ = wsutil.WriteServerText(conn, data)
	s.writeMu.Unlock()
}

// Send writes v to every open agent connection.
func (s *Server) Send(v any) {
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		s.write(c, v)
	}
}

// SendCommand issues a forwardCDPCommand with the given id.
func (s *Server) SendCommand(id int64, method string, params any, sessionID string) {
	inner := map[string]any{"method": method}
	if params != nil {
		inner["params"] = params
	}
	if sessionID != "" {
		inner["sessionId"] = sessionID
	}
	s.Send(map[string]any{"id": id, "method": "forwardCDPCommand", "params": inner})
}

// DropAll closes every agent connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// OpenConns is the number of live agent connections.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted counts connections accepted since start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Tokens lists the token query parameter of each accepted connection.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Frames returns every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Reset forgets received frames.
func (s *Server) Reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

// WaitFor blocks until a received frame satisfies match.
func (s *Server) WaitFor(t testing.TB, timeout time.Duration, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		for _, f := range s.Frames() {
			if match(f) {
				return f
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("relaytest: no matching frame within %v; got %d frames", timeout, len(s.Frames()))
			return Frame{}
		}
		select {
		case <-s.notify:
		case <-time.After(minDuration(remaining, 20*time.Millisecond)):
		}
	}
}

// WaitConns blocks until n connections have been accepted in total.
func (s *Server) WaitConns(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for s.Accepted() < n {
		if time.Now().After(deadline) {
			t.Fatalf("relaytest: accepted %d connections; want %d", s.Accepted(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// EventsNamed returns the forwarded events with the given inner method.
func (s *Server) EventsNamed(method string) []Frame {
	var out []Frame
	for _, f := range s.Frames() {
		if _, m, _, ok := f.Event(); ok && m == method {
			out = append(out, f)
		}
	}
	return out
}

// Reply finds the reply frame for a command id.
func (s *Server) Reply(t testing.TB, id int64, timeout time.Duration) Frame {
	t.Helper()
	return s.WaitFor(t, timeout, func(f Frame) bool {
		got, ok := f.IDInt()
		return ok && got == id && f.Method == "" && (len(f.Result) > 0 || len(f.Error) > 0)
	})
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
