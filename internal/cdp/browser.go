// Package cdp implements host.Host over a browser-level Chrome DevTools
// Protocol connection. Tabs are page targets; debugger sessions are flat
// sessions opened with Target.attachToTarget.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabrelay/internal/downloads"
	"github.com/dgnsrekt/tabrelay/internal/host"
)

const defaultEventBuffer = 1024

type Options struct {
	// Endpoint is the browser's HTTP debugging address, e.g.
	// http://127.0.0.1:9222.
	Endpoint    string
	HTTPClient  *http.Client
	DownloadDir func() string
	Opener      downloads.Opener
	EventBuffer int
}

// Browser is a host.Host backed by a running Chromium.
type Browser struct {
	conn *conn
	tabs *TabRegistry
	dl   *downloads.Manager

	events    chan host.Event
	closed    chan struct{}
	closeOnce sync.Once
	lost      chan struct{}
	lostOnce  sync.Once
	lostErr   error

	mu            sync.Mutex
	guids         map[string]int
	detachReasons map[target.SessionID]string
}

var _ host.Host = (*Browser)(nil)

func New(opts Options) *Browser {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	b := &Browser{
		conn:          newConn(opts.Endpoint, opts.HTTPClient),
		tabs:          NewTabRegistry(),
		events:        make(chan host.Event, opts.EventBuffer),
		closed:        make(chan struct{}),
		lost:          make(chan struct{}),
		guids:         make(map[string]int),
		detachReasons: make(map[target.SessionID]string),
	}
	b.dl = downloads.NewManager(downloads.Options{
		Dir:    opts.DownloadDir,
		Client: opts.HTTPClient,
		Opener: opts.Opener,
		Cookies: func(ctx context.Context, rawURL string) ([]host.Cookie, error) {
			return b.GetAll(ctx, host.CookieFilter{URL: rawURL})
		},
	})
	return b
}

// Start connects to the browser, records the open pages and subscribes to
// target discovery and download events.
func (b *Browser) Start(ctx context.Context) error {
	b.conn.sessionHandler = b.onSessionEvent
	b.conn.onClose = b.onConnLost
	b.conn.registerEventHandler("Target.targetCreated", b.onTargetCreated)
	b.conn.registerEventHandler("Target.targetInfoChanged", b.onTargetInfoChanged)
	b.conn.registerEventHandler("Target.targetDestroyed", b.onTargetDestroyed)
	b.conn.registerEventHandler("Target.detachedFromTarget", b.onDetachedFromTarget)
	b.conn.registerEventHandler("Browser.downloadWillBegin", b.onDownloadWillBegin)
	b.conn.registerEventHandler("Browser.downloadProgress", b.onDownloadProgress)

	if err := b.conn.connect(ctx); err != nil {
		return err
	}

	var existing target.GetTargetsReturns
	if err := b.conn.call(ctx, "Target.getTargets", nil, &existing); err != nil {
		return fmt.Errorf("cdp: list targets: %w", err)
	}
	pages := 0
	for _, info := range existing.TargetInfos {
		if info != nil && info.Type == "page" {
			b.tabs.Register(*info)
			pages++
		}
	}
	if err := b.conn.call(ctx, "Target.setDiscoverTargets", &target.SetDiscoverTargetsParams{Discover: true}, nil); err != nil {
		return fmt.Errorf("cdp: discover targets: %w", err)
	}
	if err := b.conn.call(ctx, "Browser.setDownloadBehavior", &browser.SetDownloadBehaviorParams{
		Behavior:      browser.SetDownloadBehaviorBehaviorDefault,
		EventsEnabled: true,
	}, nil); err != nil {
		slog.Warn("browser download events unavailable", "error", err)
	}
	slog.Info("browser connected", "endpoint", b.conn.httpBase, "tabs", pages)
	return nil
}

// Shutdown drops the browser connection. Attached sessions end with it.
func (b *Browser) Shutdown() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.conn.close()
	return nil
}

// Done is closed when the browser connection is lost.
func (b *Browser) Done() <-chan struct{} { return b.lost }

// Err reports why the connection was lost.
func (b *Browser) Err() error {
	select {
	case <-b.lost:
		return b.lostErr
	default:
		return nil
	}
}

func (b *Browser) Events() <-chan host.Event { return b.events }

// Downloads exposes the download tracker for inspection.
func (b *Browser) Downloads() *downloads.Manager { return b.dl }

func (b *Browser) onConnLost(err error) {
	select {
	case <-b.closed:
		return
	default:
	}
	b.lostOnce.Do(func() {
		b.lostErr = err
		close(b.lost)
		slog.Error("browser connection lost", "error", err)
	})
}

func (b *Browser) emit(ev host.Event) {
	select {
	case b.events <- ev:
	case <-b.closed:
	}
}

// Debugger

func (b *Browser) Attach(ctx context.Context, tabID int) error {
	targetID, ok := b.tabs.TargetOf(tabID)
	if !ok {
		return fmt.Errorf("no tab with id %d", tabID)
	}
	if _, attached := b.tabs.Root(tabID); attached {
		return fmt.Errorf("another debugger is already attached to tab %d", tabID)
	}
	var res target.AttachToTargetReturns
	if err := b.conn.call(ctx, "Target.attachToTarget", &target.AttachToTargetParams{TargetID: targetID, Flatten: true}, &res); err != nil {
		return err
	}
	if !b.tabs.SetRoot(tabID, res.SessionID) {
		// Tab vanished while attaching.
		_ = b.conn.call(ctx, "Target.detachFromTarget", &target.DetachFromTargetParams{SessionID: res.SessionID}, nil)
		return fmt.Errorf("no tab with id %d", tabID)
	}
	slog.Debug("debugger attached", "tab_id", tabID, "target_id", targetID, "cdp_session", res.SessionID)
	return nil
}

func (b *Browser) Detach(ctx context.Context, tabID int) error {
	sessionID, ok := b.tabs.Root(tabID)
	if !ok {
		return fmt.Errorf("debugger is not attached to tab %d", tabID)
	}
	b.tabs.MarkDetaching(tabID)
	if err := b.conn.call(ctx, "Target.detachFromTarget", &target.DetachFromTargetParams{SessionID: sessionID}, nil); err != nil {
		return err
	}
	b.tabs.ClearRoot(sessionID)
	b.forgetReason(sessionID)
	return nil
}

// SendCommand runs method on the tab's root session, or on the child session
// the debuggee names.
func (b *Browser) SendCommand(ctx context.Context, d host.Debuggee, method string, params json.RawMessage) (json.RawMessage, error) {
	sessionID := d.SessionID
	if sessionID == "" {
		root, ok := b.tabs.Root(d.TabID)
		if !ok {
			return nil, fmt.Errorf("debugger is not attached to tab %d", d.TabID)
		}
		sessionID = string(root)
	}
	return b.conn.send(ctx, sessionID, method, params)
}

// Tabs

func (b *Browser) Get(_ context.Context, tabID int) (host.Tab, error) {
	tab, ok := b.tabs.Get(tabID)
	if !ok {
		return host.Tab{}, fmt.Errorf("no tab with id %d", tabID)
	}
	return tab, nil
}

func (b *Browser) Query(context.Context) ([]host.Tab, error) {
	return b.tabs.List(), nil
}

func (b *Browser) Create(ctx context.Context, url string, active bool) (host.Tab, error) {
	var res target.CreateTargetReturns
	if err := b.conn.call(ctx, "Target.createTarget", &target.CreateTargetParams{URL: url, Background: !active}, &res); err != nil {
		return host.Tab{}, err
	}
	tabID, isNew := b.tabs.Register(target.Info{TargetID: res.TargetID, Type: "page", URL: url})
	if active {
		b.tabs.SetActive(tabID)
	}
	tab, _ := b.tabs.Get(tabID)
	if isNew {
		b.emit(host.TabCreated{Tab: tab})
	}
	return tab, nil
}

func (b *Browser) Close(ctx context.Context, tabID int) error {
	targetID, ok := b.tabs.TargetOf(tabID)
	if !ok {
		return fmt.Errorf("no tab with id %d", tabID)
	}
	return b.conn.call(ctx, "Target.closeTarget", &target.CloseTargetParams{TargetID: targetID}, nil)
}

func (b *Browser) Activate(ctx context.Context, tabID int) error {
	targetID, ok := b.tabs.TargetOf(tabID)
	if !ok {
		return fmt.Errorf("no tab with id %d", tabID)
	}
	if err := b.conn.call(ctx, "Target.activateTarget", &target.ActivateTargetParams{TargetID: targetID}, nil); err != nil {
		return err
	}
	b.tabs.SetActive(tabID)
	b.emit(host.TabActivated{TabID: tabID})
	return nil
}

// Downloads

func (b *Browser) Download(ctx context.Context, opts host.DownloadOptions) (int, error) {
	return b.dl.Download(ctx, opts)
}

func (b *Browser) Search(ctx context.Context, q host.DownloadQuery) ([]host.DownloadItem, error) {
	return b.dl.Search(ctx, q)
}

func (b *Browser) Cancel(ctx context.Context, id int) error {
	return b.dl.Cancel(ctx, id)
}

func (b *Browser) Open(ctx context.Context, id int) error {
	return b.dl.Open(ctx, id)
}

// Browser-level events.

func (b *Browser) onTargetCreated(_ string, params json.RawMessage) {
	var ev target.EventTargetCreated
	if jsonv2.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	tabID, isNew := b.tabs.Register(*ev.TargetInfo)
	if !isNew {
		return
	}
	tab, _ := b.tabs.Get(tabID)
	b.emit(host.TabCreated{Tab: tab})
}

func (b *Browser) onTargetInfoChanged(_ string, params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if jsonv2.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	tabID, urlChanged, ok := b.tabs.Update(*ev.TargetInfo)
	if !ok {
		return
	}
	if urlChanged {
		b.emit(host.TabUpdated{TabID: tabID, Status: "loading", URL: ev.TargetInfo.URL, Title: ev.TargetInfo.Title})
		return
	}
	b.emit(host.TabUpdated{TabID: tabID, Title: ev.TargetInfo.Title})
}

func (b *Browser) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if jsonv2.Unmarshal(params, &ev) != nil {
		return
	}
	tabID, ok := b.tabs.Remove(ev.TargetID)
	if !ok {
		return
	}
	b.emit(host.TabRemoved{TabID: tabID})
}

// onDetachedFromTarget reports root sessions the browser dropped on its own.
func (b *Browser) onDetachedFromTarget(_ string, params json.RawMessage) {
	var ev target.EventDetachedFromTarget
	if jsonv2.Unmarshal(params, &ev) != nil {
		return
	}
	tabID, requested, ok := b.tabs.ClearRoot(ev.SessionID)
	reason := b.forgetReason(ev.SessionID)
	if !ok || requested {
		return
	}
	if reason == "" {
		reason = host.ReasonTargetClosed
	}
	slog.Debug("debugger detached by browser", "tab_id", tabID, "cdp_session", ev.SessionID, "reason", reason)
	b.emit(host.DebuggerDetached{TabID: tabID, Reason: reason})
}

// Session events.

type inspectorDetached struct {
	Reason string `json:"reason"`
}

// frameNavigated keeps only what is needed from Page.frameNavigated; the full
// frame carries enums that grow with every browser release.
type frameNavigated struct {
	Frame *struct {
		ParentID string `json:"parentId"`
	} `json:"frame"`
}

func (b *Browser) onSessionEvent(sessionID, method string, params json.RawMessage) {
	sid := target.SessionID(sessionID)
	tabID, child, ok := b.tabs.SessionOwner(sid)
	if !ok {
		return
	}

	navigated := false
	switch method {
	case "Target.attachedToTarget":
		var ev target.EventAttachedToTarget
		if jsonv2.Unmarshal(params, &ev) == nil && ev.SessionID != "" {
			b.tabs.AddChild(ev.SessionID, tabID)
		}
	case "Target.detachedFromTarget":
		var ev target.EventDetachedFromTarget
		if jsonv2.Unmarshal(params, &ev) == nil && ev.SessionID != "" {
			b.tabs.RemoveChild(ev.SessionID)
		}
	case "Inspector.detached":
		var ev inspectorDetached
		if !child && json.Unmarshal(params, &ev) == nil && ev.Reason != "" {
			b.mu.Lock()
			b.detachReasons[sid] = ev.Reason
			b.mu.Unlock()
		}
	case "Page.frameNavigated":
		var ev frameNavigated
		if !child && json.Unmarshal(params, &ev) == nil && ev.Frame != nil && ev.Frame.ParentID == "" {
			navigated = true
		}
	case "Page.loadEventFired":
		if !child {
			b.tabs.SetStatus(tabID, "complete")
		}
	}

	src := host.Debuggee{TabID: tabID}
	if child {
		src.SessionID = sessionID
	}
	b.emit(host.DebuggerEvent{Source: src, Method: method, Params: params})
	if navigated {
		b.emit(host.NavigationCompleted{TabID: tabID, MainFrame: true})
	}
}

func (b *Browser) forgetReason(sessionID target.SessionID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	reason := b.detachReasons[sessionID]
	delete(b.detachReasons, sessionID)
	return reason
}
