package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrClosed is returned for commands issued after the browser connection
// went away.
var ErrClosed = errors.New("cdp: connection closed")

// conn is a minimal browser-level CDP client. Page sessions are flat:
// commands carry the session id in the outer envelope.
type conn struct {
	httpBase string
	client   *http.Client

	mu   sync.Mutex
	ws   net.Conn
	seq  atomic.Int64
	done chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan response

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler
	// sessionHandler sees every event raised on a page or child session.
	sessionHandler func(sessionID, method string, params json.RawMessage)
	onClose        func(error)
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

type message struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
}

func newConn(httpBase string, client *http.Client) *conn {
	if client == nil {
		client = http.DefaultClient
	}
	return &conn{
		httpBase:      strings.TrimRight(httpBase, "/"),
		client:        client,
		pending:       make(map[int64]chan response),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (c *conn) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: browser ws url: %w", err)
	}
	slog.Debug("cdp connecting", "ws_url", wsURL)
	ws, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("cdp: dial: %w", err)
	}
	c.ws = ws
	c.done = make(chan struct{})
	go c.readLoop(ws, c.done)
	return nil
}

func (c *conn) close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *conn) readLoop(ws net.Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(ws)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			_ = ws.Close()
			c.closeAllPending()
			if c.onClose != nil {
				c.onClose(err)
			}
			return
		}

		var msg message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.resolve(msg)
			continue
		}
		if msg.Method != "" {
			c.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (c *conn) resolve(msg message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	var resp response
	resp.Result = msg.Result
	if len(msg.Error) > 0 {
		_ = json.Unmarshal(msg.Error, &resp.Error)
	}
	ch <- resp
}

func (c *conn) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *conn) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// send issues a command, on sessionID when set, and waits for its result.
// Protocol errors come back as *ProtocolError.
func (c *conn) send(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, ErrClosed
	}

	id := c.seq.Add(1)
	req := struct {
		ID        int64           `json:"id"`
		Method    string          `json:"method"`
		SessionID string          `json:"sessionId,omitempty"`
		Params    json.RawMessage `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	err = wsutil.WriteClientText(ws, data)
	c.mu.Unlock()
	if err != nil {
		c.deletePending(id)
		return nil, fmt.Errorf("cdp: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, &ProtocolError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		if len(resp.Result) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.deletePending(id)
		return nil, ctx.Err()
	}
}

// call encodes params with the protocol codec, sends the command and decodes
// the result into out when out is non-nil.
func (c *conn) call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := jsonv2.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdp: encode %s: %w", method, err)
		}
		raw = b
	}
	res, err := c.send(ctx, "", method, raw)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := jsonv2.Unmarshal(res, out); err != nil {
		return fmt.Errorf("cdp: decode %s: %w", method, err)
	}
	return nil
}

// ProtocolError is an error reply from the browser.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return e.Message + " (" + e.Data + ")"
	}
	return e.Message
}

// registerEventHandler registers a handler for a browser-level event method.
// Returns an unregister function.
func (c *conn) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := c.seq.Add(1)
	c.eventMu.Lock()
	c.eventHandlers[method] = append(c.eventHandlers[method], eventHandler{id: id, fn: fn})
	c.eventMu.Unlock()
	return func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()
		handlers := c.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				c.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// dispatchEvent routes session events to the session handler and browser
// events to the handlers registered for the method.
func (c *conn) dispatchEvent(method, sessionID string, params json.RawMessage) {
	c.eventMu.RLock()
	sessionHandler := c.sessionHandler
	handlers := make([]eventHandler, len(c.eventHandlers[method]))
	copy(handlers, c.eventHandlers[method])
	c.eventMu.RUnlock()

	if sessionID != "" && sessionHandler != nil {
		sessionHandler(sessionID, method, params)
		return
	}
	for _, h := range handlers {
		h.fn(sessionID, params)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (c *conn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
