// Package hosttest provides an in-memory host.Host for tests.
package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/host"
)

// Call records one debugger command issued against the fake.
type Call struct {
	Target host.Debuggee
	Method string
	Params json.RawMessage
}

// CommandFunc overrides the reply to a debugger command. Returning handled
// false falls through to the built-in replies.
type CommandFunc func(target host.Debuggee, method string, params json.RawMessage) (result json.RawMessage, err error, handled bool)

// Fake is a thread-safe in-memory browser. The zero value is not usable;
// call New.
type Fake struct {
	mu        sync.Mutex
	tabs      map[int]host.Tab
	attached  map[int]bool
	attachErr map[int]error
	evalErr   map[int]error
	nextTab   int
	calls     []Call
	attaches  map[int]int
	detaches  map[int]int
	cookies   []host.Cookie
	downloads []host.DownloadItem
	canceled  []int
	opened    []int
	nextDL    int
	gated     int

	// AttachGate, when set, blocks every Attach until it is closed or
	// receives a value.
	AttachGate chan struct{}
	// OnCommand lets tests script debugger replies.
	OnCommand CommandFunc
	// EmitOnCreate raises TabCreated from Create.
	EmitOnCreate bool

	events chan host.Event
}

// New returns an empty fake with a buffered event stream.
func New() *Fake {
	return &Fake{
		tabs:      make(map[int]host.Tab),
		attached:  make(map[int]bool),
		attachErr: make(map[int]error),
		evalErr:   make(map[int]error),
		attaches:  make(map[int]int),
		detaches:  make(map[int]int),
		nextTab:   1,
		nextDL:    1,
		events:    make(chan host.Event, 256),
	}
}

// AddTab registers a tab without raising an event. A zero ID allocates one.
func (f *Fake) AddTab(tab host.Tab) host.Tab {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab.ID == 0 {
		tab.ID = f.nextTab
	}
	if tab.ID >= f.nextTab {
		f.nextTab = tab.ID + 1
	}
	if tab.TargetID == "" {
		tab.TargetID = "target-" + strconv.Itoa(tab.ID)
	}
	if tab.WindowID == 0 {
		tab.WindowID = 1
	}
	if tab.Status == "" {
		tab.Status = "complete"
	}
	f.tabs[tab.ID] = tab
	return tab
}

// DropTab forgets a tab without raising an event.
func (f *Fake) DropTab(tabID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, tabID)
	delete(f.attached, tabID)
}

// Navigate changes a tab's URL (and target, when newTarget is set) without
// raising an event.
func (f *Fake) Navigate(tabID int, url, newTarget string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[tabID]
	if !ok {
		return
	}
	tab.URL = url
	if newTarget != "" {
		tab.TargetID = newTarget
	}
	f.tabs[tabID] = tab
}

// FailAttach makes Attach fail for tabID until cleared with a nil error.
func (f *Fake) FailAttach(tabID int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.attachErr, tabID)
		return
	}
	f.attachErr[tabID] = err
}

// FailEvaluate makes Runtime.evaluate fail for tabID.
func (f *Fake) FailEvaluate(tabID int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.evalErr, tabID)
		return
	}
	f.evalErr[tabID] = err
}

// Emit queues a host event.
func (f *Fake) Emit(ev host.Event) {
	f.events <- ev
}

// ForceDetach drops the debugger from a tab and reports it like the browser
// would.
func (f *Fake) ForceDetach(tabID int, reason string) {
	f.mu.Lock()
	delete(f.attached, tabID)
	f.mu.Unlock()
	f.Emit(host.DebuggerDetached{TabID: tabID, Reason: reason})
}

// Attached reports whether the debugger holds tabID.
func (f *Fake) Attached(tabID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[tabID]
}

// GatedAttaches reports how many Attach calls are waiting on AttachGate.
func (f *Fake) GatedAttaches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gated
}

func (f *Fake) ungate() {
	f.mu.Lock()
	f.gated--
	f.mu.Unlock()
}

// AttachCount is the number of successful attaches to tabID.
func (f *Fake) AttachCount(tabID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches[tabID]
}

// DetachCount is the number of Detach calls for tabID.
func (f *Fake) DetachCount(tabID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detaches[tabID]
}

// Calls returns every debugger command issued so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the commands issued with the given method.
func (f *Fake) CallsFor(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// HasTab reports whether the tab exists.
func (f *Fake) HasTab(tabID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tabs[tabID]
	return ok
}

// ActiveTab returns the id of the active tab, or zero.
func (f *Fake) ActiveTab() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.tabs {
		if t.Active {
			return id
		}
	}
	return 0
}

func (f *Fake) Events() <-chan host.Event { return f.events }

func (f *Fake) Attach(ctx context.Context, tabID int) error {
	if f.AttachGate != nil {
		f.mu.Lock()
		f.gated++
		f.mu.Unlock()
		select {
		case <-f.AttachGate:
		case <-ctx.Done():
			f.ungate()
			return ctx.Err()
		case <-time.After(5 * time.Second):
			f.ungate()
			return errors.New("attach gate never opened")
		}
		f.ungate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[tabID]; !ok {
		return fmt.Errorf("no tab with given id %d", tabID)
	}
	if err := f.attachErr[tabID]; err != nil {
		return err
	}
	if f.attached[tabID] {
		return errors.New("another debugger is already attached to the tab")
	}
	f.attached[tabID] = true
	f.attaches[tabID]++
	return nil
}

func (f *Fake) Detach(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches[tabID]++
	if !f.attached[tabID] {
		return errors.New("debugger is not attached to the tab")
	}
	delete(f.attached, tabID)
	return nil
}

func (f *Fake) SendCommand(_ context.Context, target host.Debuggee, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Target: target, Method: method, Params: params})
	tab, exists := f.tabs[target.TabID]
	attached := f.attached[target.TabID]
	evalErr := f.evalErr[target.TabID]
	hook := f.OnCommand
	f.mu.Unlock()

	if hook != nil {
		if res, err, handled := hook(target, method, params); handled {
			return res, err
		}
	}
	if !exists || !attached {
		return nil, errors.New("debugger is not attached to the tab")
	}
	switch method {
	case "Target.getTargetInfo":
		return json.Marshal(map[string]any{
			"targetInfo": map[string]any{
				"targetId": tab.TargetID,
				"type":     "page",
				"title":    tab.Title,
				"url":      tab.URL,
				"attached": true,
			},
		})
	case "Runtime.evaluate":
		if evalErr != nil {
			return nil, evalErr
		}
		return json.RawMessage(`{"result":{"type":"number","value":1,"description":"1"}}`), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *Fake) Get(_ context.Context, tabID int) (host.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[tabID]
	if !ok {
		return host.Tab{}, fmt.Errorf("no tab with id %d", tabID)
	}
	return tab, nil
}

func (f *Fake) Query(context.Context) ([]host.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]host.Tab, 0, len(f.tabs))
	for _, t := range f.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) Create(_ context.Context, url string, active bool) (host.Tab, error) {
	tab := f.AddTab(host.Tab{URL: url, Active: active, Status: "loading"})
	if f.EmitOnCreate {
		f.Emit(host.TabCreated{Tab: tab})
	}
	return tab, nil
}

func (f *Fake) Close(_ context.Context, tabID int) error {
	f.mu.Lock()
	if _, ok := f.tabs[tabID]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("no tab with id %d", tabID)
	}
	delete(f.tabs, tabID)
	delete(f.attached, tabID)
	f.mu.Unlock()
	f.Emit(host.TabRemoved{TabID: tabID})
	return nil
}

func (f *Fake) Activate(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[tabID]
	if !ok {
		return fmt.Errorf("no tab with id %d", tabID)
	}
	for id, t := range f.tabs {
		if t.Active && t.WindowID == tab.WindowID {
			t.Active = false
			f.tabs[id] = t
		}
	}
	tab.Active = true
	f.tabs[tabID] = tab
	return nil
}

// SetCookies replaces the cookie jar.
func (f *Fake) SetCookies(cookies []host.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append([]host.Cookie(nil), cookies...)
}

// Cookies returns the cookie jar.
func (f *Fake) Cookies() []host.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]host.Cookie(nil), f.cookies...)
}

func (f *Fake) GetAll(_ context.Context, filter host.CookieFilter) ([]host.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []host.Cookie{}
	for _, c := range f.cookies {
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		if filter.Domain != "" && !strings.HasSuffix(strings.TrimPrefix(c.Domain, "."), strings.TrimPrefix(filter.Domain, ".")) {
			continue
		}
		if filter.URL != "" && !strings.Contains(filter.URL, strings.TrimPrefix(c.Domain, ".")) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) Set(_ context.Context, d host.CookieDetails) (*host.Cookie, error) {
	if d.URL == "" {
		return nil, errors.New("url is required")
	}
	c := host.Cookie{Domain: hostOf(d.URL), Path: "/", HostOnly: true, Session: true, SameSite: host.SameSiteUnspecified, StoreID: "0"}
	if d.Name != nil {
		c.Name = *d.Name
	}
	if d.Value != nil {
		c.Value = *d.Value
	}
	if d.Domain != nil {
		c.Domain = *d.Domain
		c.HostOnly = false
	}
	if d.Path != nil {
		c.Path = *d.Path
	}
	if d.Secure != nil {
		c.Secure = *d.Secure
	}
	if d.HTTPOnly != nil {
		c.HTTPOnly = *d.HTTPOnly
	}
	if d.SameSite != nil {
		c.SameSite = *d.SameSite
	}
	if d.ExpirationDate != nil {
		exp := *d.ExpirationDate
		c.ExpirationDate = &exp
		c.Session = false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			f.cookies[i] = c
			return &c, nil
		}
	}
	f.cookies = append(f.cookies, c)
	return &c, nil
}

func (f *Fake) Remove(_ context.Context, url, name string) (*host.CookieRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain := hostOf(url)
	for i, c := range f.cookies {
		if c.Name == name && strings.TrimPrefix(c.Domain, ".") == domain {
			f.cookies = append(f.cookies[:i], f.cookies[i+1:]...)
			return &host.CookieRef{URL: url, Name: name, StoreID: "0"}, nil
		}
	}
	return nil, nil
}

func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/:?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

func (f *Fake) Download(_ context.Context, opts host.DownloadOptions) (int, error) {
	if opts.URL == "" {
		return 0, errors.New("invalid URL")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextDL
	f.nextDL++
	name := opts.Filename
	if name == "" {
		name = hostOf(opts.URL) + ".bin"
	}
	f.downloads = append(f.downloads, host.DownloadItem{
		ID:        id,
		URL:       opts.URL,
		Filename:  "/downloads/" + name,
		State:     host.DownloadInProgress,
		StartTime: time.Unix(0, 0).UTC().Format(time.RFC3339),
	})
	return id, nil
}

func (f *Fake) Search(_ context.Context, q host.DownloadQuery) ([]host.DownloadItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []host.DownloadItem{}
	for _, d := range f.downloads {
		if q.ID != 0 && d.ID != q.ID {
			continue
		}
		out = append(out, d)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) Cancel(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.downloads {
		if d.ID == id {
			if d.State == host.DownloadInProgress {
				d.State = host.DownloadInterrupted
				d.Error = "USER_CANCELED"
				f.downloads[i] = d
			}
			f.canceled = append(f.canceled, id)
			return nil
		}
	}
	return fmt.Errorf("invalid download id %d", id)
}

func (f *Fake) Open(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.downloads {
		if d.ID == id {
			if d.State != host.DownloadComplete {
				return errors.New("download must be complete")
			}
			f.opened = append(f.opened, id)
			return nil
		}
	}
	return fmt.Errorf("invalid download id %d", id)
}

// CompleteDownload marks a download finished.
func (f *Fake) CompleteDownload(id int, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.downloads {
		if d.ID == id {
			d.State = host.DownloadComplete
			d.BytesReceived = size
			d.TotalBytes = size
			d.EndTime = time.Unix(1, 0).UTC().Format(time.RFC3339)
			f.downloads[i] = d
		}
	}
}

// Opened lists the download ids passed to Open.
func (f *Fake) Opened() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.opened...)
}

// Canceled lists the download ids passed to Cancel.
func (f *Fake) Canceled() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.canceled...)
}

// Badges is a host.Indicator that remembers the last badge per tab.
type Badges struct {
	mu     sync.Mutex
	tabs   map[int]host.BadgeKind
	global host.GlobalBadge
}

func NewBadges() *Badges {
	return &Badges{tabs: make(map[int]host.BadgeKind)}
}

func (b *Badges) SetTab(tabID int, kind host.BadgeKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabs[tabID] = kind
}

func (b *Badges) SetGlobal(g host.GlobalBadge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = g
}

// Tab returns the last badge set for tabID, or "" when none was set.
func (b *Badges) Tab(tabID int) host.BadgeKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[tabID]
}

func (b *Badges) Global() host.GlobalBadge {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.global
}

var (
	_ host.Host      = (*Fake)(nil)
	_ host.Indicator = (*Badges)(nil)
)
