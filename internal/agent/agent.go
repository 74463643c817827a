// Package agent keeps browser tabs attached to the relay: it decides which
// tabs to attach, performs attach and detach against the host, recovers tabs
// that lose their debugger, forwards debugger events and re-announces
// sessions after the relay reconnects.
package agent

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/snapshot"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
	"github.com/robfig/cron/v3"
)

// Defaults for the supervised re-attach schedule and the keepalive sweep.
var DefaultReattachDelays = []time.Duration{300 * time.Millisecond, 700 * time.Millisecond, 1500 * time.Millisecond}

const DefaultKeepalive = "@every 24s"

// SettingsSource supplies the live operator settings.
type SettingsSource interface {
	Get() config.Settings
}

type Options struct {
	Host        host.Host
	Indicator   host.Indicator
	Relay       *relay.Connection
	Reconnector *relay.Reconnector
	Settings    SettingsSource
	// Store persists the registry snapshot; nil disables persistence.
	Store *snapshot.Store
	// Broker receives tab and relay status events; nil disables them.
	Broker *status.Broker

	ReattachDelays []time.Duration
	// Keepalive is a cron spec for the periodic sweep; "-" disables it.
	Keepalive string
	// SkipPrefixes are extra URL prefixes never attached, such as the
	// agent's own status pages.
	SkipPrefixes []string
}

// Agent owns the registry and every operation that mutates it.
type Agent struct {
	host     host.Host
	ind      host.Indicator
	conn     *relay.Connection
	reconn   *relay.Reconnector
	settings SettingsSource
	store    *snapshot.Store
	broker   *status.Broker

	reg     *registry.Registry
	locks   *registry.TabLocks
	tickets *registry.Tickets

	delays    []time.Duration
	keepalive string
	skip      []string
	startedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once

	persistMu sync.Mutex

	announceMu sync.Mutex
	announced  map[string]time.Time

	ctxMu sync.RWMutex
	ctx   context.Context

	wg sync.WaitGroup
}

// New wires the agent to its relay connection. Run must be called before the
// agent processes any work.
func New(opts Options) *Agent {
	a := &Agent{
		host:      opts.Host,
		ind:       opts.Indicator,
		conn:      opts.Relay,
		reconn:    opts.Reconnector,
		settings:  opts.Settings,
		store:     opts.Store,
		broker:    opts.Broker,
		reg:       registry.New(),
		locks:     registry.NewTabLocks(),
		tickets:   registry.NewTickets(),
		delays:    opts.ReattachDelays,
		keepalive: opts.Keepalive,
		skip:      opts.SkipPrefixes,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
		announced: make(map[string]time.Time),
		ctx:       context.Background(),
	}
	if a.ind == nil {
		a.ind = nopIndicator{}
	}
	if len(a.delays) == 0 {
		a.delays = DefaultReattachDelays
	}
	if a.keepalive == "" {
		a.keepalive = DefaultKeepalive
	}
	a.conn.OnOpen(a.onRelayOpen)
	a.conn.OnClose(a.onRelayClosed)
	return a
}

type nopIndicator struct{}

func (nopIndicator) SetTab(int, host.BadgeKind) {}
func (nopIndicator) SetGlobal(host.GlobalBadge) {}

// Registry exposes the tab registry for read-only lookups.
func (a *Agent) Registry() *registry.Registry { return a.reg }

func (a *Agent) Host() host.Host { return a.host }

func (a *Agent) Relay() *relay.Connection { return a.conn }

// Ready is closed once persisted state has been restored.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// WaitReady blocks until the agent finished restoring state.
func (a *Agent) WaitReady(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) runCtx() context.Context {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	return a.ctx
}

// Run restores persisted sessions, then processes host events, connects to
// the relay and attaches eligible tabs until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	sched, err := a.newKeepalive(ctx)
	if err != nil {
		return err
	}

	a.ctxMu.Lock()
	a.ctx = ctx
	a.ctxMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.eventLoop(ctx)
	}()

	a.rehydrate(ctx)
	a.readyOnce.Do(func() { close(a.ready) })
	slog.Info("agent ready", "restored_tabs", a.reg.Len())

	if sched != nil {
		sched.Start()
	}
	a.spawn(func() { a.initialConnect(ctx) })

	<-ctx.Done()
	if sched != nil {
		<-sched.Stop().Done()
	}
	if a.reconn != nil {
		a.reconn.Stop()
	}
	a.wg.Wait()
	slog.Info("agent stopped")
	return nil
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Agent) initialConnect(ctx context.Context) {
	if err := a.conn.EnsureConnected(ctx); err != nil {
		slog.Warn("relay connect failed", "error", err)
		a.scheduleReconnect(err)
	} else {
		slog.Info("relay connect ok")
	}
	if _, err := a.AttachAll(ctx); err != nil {
		slog.Warn("attach all failed", "error", err)
	}
}

func (a *Agent) scheduleReconnect(cause error) {
	if a.reconn == nil {
		return
	}
	if cause != nil && !relay.IsRetryable(cause) {
		slog.Warn("relay reconnect not scheduled", "error", cause)
		return
	}
	a.reconn.Schedule()
}

func (a *Agent) newKeepalive(ctx context.Context) (*cron.Cron, error) {
	if a.keepalive == "-" {
		return nil, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(a.keepalive, func() { a.Sweep(ctx) }); err != nil {
		return nil, types.NewError(types.CodeConfigInvalid, "invalid keepalive schedule "+strconv.Quote(a.keepalive), err)
	}
	return c, nil
}

// Status is the Tab.getStatus snapshot.
func (a *Agent) Status() types.AgentStatus {
	tabs := a.TabList()
	return types.AgentStatus{
		WSState:       a.conn.State(),
		AttachedCount: a.reg.ConnectedCount(),
		Tabs:          tabs,
		Uptime:        time.Since(a.startedAt).Milliseconds(),
		LastError:     a.conn.LastError(),
	}
}

// TabList lists connected tabs that have both a session and a target id.
func (a *Agent) TabList() []types.TabSummary {
	out := []types.TabSummary{}
	for _, s := range a.reg.Connected() {
		if s.SessionID == "" || s.TargetID == "" {
			continue
		}
		out = append(out, s.Summary())
	}
	return out
}

func (a *Agent) updateGlobalBadge() {
	count := a.reg.ConnectedCount()
	connected := a.conn.Connected()

	badge := host.GlobalBadge{Color: "#B91C1C"}
	if count > 0 {
		badge.Text = strconv.Itoa(count)
	}
	switch {
	case connected && count > 0:
		badge.Color = "#16a34a"
	case connected:
		badge.Color = "#F59E0B"
	}
	relayState := "relay disconnected"
	if connected {
		relayState = "relay connected"
	}
	badge.Title = "tabrelay: " + strconv.Itoa(count) + " tab(s) attached, " + relayState
	a.ind.SetGlobal(badge)
}

func (a *Agent) publish(topic string, data any) {
	if a.broker != nil {
		a.broker.Publish(topic, data)
	}
}

type tabEvent struct {
	Event  string           `json:"event"`
	Reason string           `json:"reason,omitempty"`
	Tab    types.TabSummary `json:"tab"`
}

type relayEvent struct {
	State  types.WSState `json:"state"`
	Reason string        `json:"reason,omitempty"`
}
