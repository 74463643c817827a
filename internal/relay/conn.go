// Package relay owns the single WebSocket connection between the agent and the
// local relay server: reachability probing, the connect handshake, request/
// reply correlation and reconnect scheduling.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultDialTimeout  = 5 * time.Second
)

// SettingsFunc reports the relay port and gateway token to use for the next
// connection attempt.
type SettingsFunc func() (port int, gatewayToken string)

// Observer sees every text frame in either direction ("in" or "out").
type Observer func(direction string, data []byte)

type Options struct {
	Settings     SettingsFunc
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
	DialTimeout  time.Duration
	Observer     Observer
}

type reply struct {
	result json.RawMessage
	err    error
}

type rwPair struct {
	io.Reader
	io.Writer
}

// Connection is the agent's only link to the relay. Sends never queue: when
// the socket is down they fail with NOT_CONNECTED.
type Connection struct {
	opts  Options
	group singleflight.Group

	mu           sync.Mutex
	conn         net.Conn
	connectReqID string
	closeReason  string
	closing      bool
	lastErr      string
	connectedAt  time.Time

	writeMu    sync.Mutex
	connecting atomic.Bool
	seq        atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan reply

	hookMu    sync.RWMutex
	onCommand func(Command)
	onOpen    []func()
	onClose   []func(reason string)
}

func NewConnection(opts Options) *Connection {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Connection{
		opts:    opts,
		pending: make(map[int64]chan reply),
	}
}

// OnCommand installs the handler for inbound forwardCDPCommand frames. Each
// command runs on its own goroutine.
func (c *Connection) OnCommand(fn func(Command)) {
	c.hookMu.Lock()
	c.onCommand = fn
	c.hookMu.Unlock()
}

// OnOpen registers fn to run after every successful connection.
func (c *Connection) OnOpen(fn func()) {
	c.hookMu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.hookMu.Unlock()
}

// OnClose registers fn to run when an established connection drops. It is
// not called for Close.
func (c *Connection) OnClose(fn func(reason string)) {
	c.hookMu.Lock()
	c.onClose = append(c.onClose, fn)
	c.hookMu.Unlock()
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// State reports connected, connecting (an attempt is in flight) or
// disconnected.
func (c *Connection) State() types.WSState {
	if c.Connected() {
		return types.WSConnected
	}
	if c.connecting.Load() {
		return types.WSConnecting
	}
	return types.WSDisconnected
}

// LastError is the most recent connect or handshake failure, if any.
func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectedAt is when the current connection opened, or zero.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// EnsureConnected returns once a connection is open. Concurrent callers share
// a single attempt; ctx only bounds how long this caller waits for it.
func (c *Connection) EnsureConnected(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	ch := c.group.DoChan("connect", func() (any, error) {
		return nil, c.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) connect(ctx context.Context) error {
	c.connecting.Store(true)
	defer c.connecting.Store(false)

	if c.Connected() {
		return nil
	}

	port, token := c.opts.Settings()
	wsURL, err := WSURL(port, token)
	if err != nil {
		c.setLastErr(err)
		return err
	}

	if err := c.probe(ctx, port); err != nil {
		err = types.NewError(types.CodeRelayUnreachable, "Relay server not reachable at "+HTTPBase(port), err)
		c.setLastErr(err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, br, _, err := ws.Dial(dialCtx, wsURL)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = types.NewError(types.CodeConnectTimeout, "WebSocket connect timeout", err)
		} else {
			err = types.NewError(types.CodeConnectFailed, "WebSocket connect failed", err)
		}
		c.setLastErr(err)
		return err
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	c.mu.Lock()
	c.conn = conn
	c.connectReqID = ""
	c.closeReason = ""
	c.closing = false
	c.lastErr = ""
	c.connectedAt = time.Now()
	c.mu.Unlock()

	go c.readLoop(conn, rwPair{Reader: r, Writer: conn})
	slog.Info("relay connected", "port", port)

	c.hookMu.RLock()
	hooks := append([]func(){}, c.onOpen...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		go fn()
	}
	return nil
}

func (c *Connection) probe(ctx context.Context, port int) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, HTTPBase(port)+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Connection) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Connection) readLoop(conn net.Conn, rw io.ReadWriter) {
	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			c.handleClosed(conn, closeReason(err))
			return
		}
		c.observe("in", data)
		c.dispatch(conn, data)
	}
}

func closeReason(err error) string {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		if closed.Reason != "" {
			return strconv.Itoa(int(closed.Code)) + " " + closed.Reason
		}
		return strconv.Itoa(int(closed.Code))
	}
	return err.Error()
}

func (c *Connection) handleClosed(conn net.Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.closeReason != "" {
		reason = c.closeReason
	}
	c.conn = nil
	c.connectReqID = ""
	c.connectedAt = time.Time{}
	closing := c.closing
	c.mu.Unlock()

	_ = conn.Close()
	c.failPending(types.NewError(types.CodeNotConnected, fmt.Sprintf("Relay disconnected (%s)", reason), nil))
	slog.Info("relay disconnected", "reason", reason)
	if closing {
		return
	}

	c.hookMu.RLock()
	hooks := append([]func(string){}, c.onClose...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

func (c *Connection) dispatch(conn net.Conn, data []byte) {
	in, err := decodeFrame(data)
	if err != nil {
		slog.Debug("relay frame ignored", "error", err)
		return
	}
	switch in.kind {
	case kindChallenge:
		c.handleChallenge(conn, in.nonce)
	case kindHandshakeResult:
		c.handleHandshakeResult(conn, in)
	case kindPing:
		if err := c.write(conn, pongFrame{Method: MethodPong}); err != nil {
			slog.Debug("relay pong failed", "error", err)
		}
	case kindReply:
		c.resolve(in)
	case kindCommand:
		c.hookMu.RLock()
		handler := c.onCommand
		c.hookMu.RUnlock()
		if handler == nil {
			_ = c.ReplyError(in.id, "No command handler")
			return
		}
		go handler(Command{ID: in.id, Params: in.params})
	case kindUnknownRequest:
		go func() {
			if err := c.ReplyError(in.id, "Unknown method: "+in.method); err != nil {
				slog.Debug("relay unknown-method reply failed", "error", err)
			}
		}()
	}
}

func (c *Connection) handleChallenge(conn net.Conn, nonce string) {
	c.mu.Lock()
	if c.conn != conn || c.connectReqID != "" {
		c.mu.Unlock()
		return
	}
	id := connectIDPrefix + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:6]
	c.connectReqID = id
	c.mu.Unlock()

	_, token := c.opts.Settings()
	if err := c.write(conn, newConnectRequest(id, nonce, token)); err != nil {
		slog.Warn("relay connect request failed", "error", err)
		c.mu.Lock()
		if c.connectReqID == id {
			c.connectReqID = ""
		}
		c.mu.Unlock()
		c.closeWithPolicy(conn, policyCloseReason)
	}
}

func (c *Connection) handleHandshakeResult(conn net.Conn, in inbound) {
	c.mu.Lock()
	if c.conn != conn || c.connectReqID == "" || in.resID != c.connectReqID {
		c.mu.Unlock()
		return
	}
	c.connectReqID = ""
	c.mu.Unlock()

	if in.ok {
		slog.Info("relay handshake accepted")
		return
	}
	msg := in.errMsg
	if msg == "" {
		msg = policyCloseReason
	}
	err := types.NewError(types.CodeHandshakeRejected, msg, nil)
	c.setLastErr(err)
	slog.Warn("relay handshake rejected", "error", msg)
	c.closeWithPolicy(conn, policyCloseReason)
}

// closeWithPolicy closes with status 1008. The read loop then reports the
// drop and the usual reconnect path runs.
func (c *Connection) closeWithPolicy(conn net.Conn, reason string) {
	c.mu.Lock()
	if c.conn == conn {
		c.closeReason = strconv.Itoa(int(ws.StatusPolicyViolation)) + " " + reason
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
	c.writeMu.Unlock()
	if err != nil {
		slog.Debug("relay close frame failed", "error", err)
	}
	_ = conn.Close()
}

func (c *Connection) resolve(in inbound) {
	c.pendingMu.Lock()
	ch, ok := c.pending[in.id]
	delete(c.pending, in.id)
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if in.errMsg != "" {
		ch <- reply{err: errors.New(in.errMsg)}
		return
	}
	ch <- reply{result: in.result}
}

func (c *Connection) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}
}

// PendingCount is the number of requests awaiting a reply.
func (c *Connection) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Connection) current() (net.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, types.NewError(types.CodeNotConnected, "Relay not connected", nil)
	}
	return conn, nil
}

func (c *Connection) write(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.writeMu.Unlock()
	if err != nil {
		return types.NewError(types.CodeNotConnected, "Relay send failed", err)
	}
	c.observe("out", data)
	return nil
}

func (c *Connection) observe(direction string, data []byte) {
	if c.opts.Observer != nil {
		c.opts.Observer(direction, data)
	}
}

// Send writes one frame. It fails immediately when the relay is down.
func (c *Connection) Send(v any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return c.write(conn, v)
}

// SendEvent forwards a protocol event.
func (c *Connection) SendEvent(params EventParams) error {
	return c.Send(eventFrame{Method: MethodForwardEvent, Params: params})
}

// ReplyResult answers a relay command. A nil result is sent as {}.
func (c *Connection) ReplyResult(id int64, result any) error {
	if result == nil {
		result = struct{}{}
	}
	return c.Send(resultFrame{ID: id, Result: result})
}

// ReplyError answers a relay command with an error message.
func (c *Connection) ReplyError(id int64, msg string) error {
	return c.Send(errorFrame{ID: id, Error: msg})
}

// SendRequest issues a request to the relay and waits for the reply with the
// same id. Replies are rejected with NOT_CONNECTED if the socket drops first.
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.seq.Add(1)
	ch := make(chan reply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.Send(requestFrame{ID: id, Method: method, Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Close shuts the connection down without triggering OnClose hooks.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.closing = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}
