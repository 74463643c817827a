package cdp

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabrelay/internal/host"
)

// tabEntry is one page target. Root is the flat session the agent attached,
// if any.
type tabEntry struct {
	id     int
	info   target.Info
	status string
	active bool
	root   target.SessionID
	// detaching is set while a detach requested through Detach is in flight
	// so the resulting detachedFromTarget is not reported as forced.
	detaching bool
}

// TabRegistry assigns stable integer tab ids to page targets for the life of
// the process and tracks the debugger sessions opened on them.
type TabRegistry struct {
	mu       sync.RWMutex
	next     int
	byTarget map[target.ID]*tabEntry
	byID     map[int]*tabEntry
	bySess   map[target.SessionID]int
	children map[target.SessionID]int
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		next:     1,
		byTarget: make(map[target.ID]*tabEntry),
		byID:     make(map[int]*tabEntry),
		bySess:   make(map[target.SessionID]int),
		children: make(map[target.SessionID]int),
	}
}

// Register records a page target, or refreshes it, and returns its tab id
// and whether it was new.
func (r *TabRegistry) Register(info target.Info) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byTarget[info.TargetID]; ok {
		e.info = info
		return e.id, false
	}
	e := &tabEntry{id: r.next, info: info, status: "complete"}
	r.next++
	r.byTarget[info.TargetID] = e
	r.byID[e.id] = e
	return e.id, true
}

// Update refreshes a known target and reports whether its URL changed.
func (r *TabRegistry) Update(info target.Info) (id int, urlChanged, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTarget[info.TargetID]
	if !ok {
		return 0, false, false
	}
	urlChanged = e.info.URL != info.URL
	e.info = info
	if urlChanged {
		e.status = "loading"
	}
	return e.id, urlChanged, true
}

func (r *TabRegistry) SetStatus(tabID int, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[tabID]; ok {
		e.status = status
	}
}

// SetActive marks tabID as the focused tab.
func (r *TabRegistry) SetActive(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.byID {
		e.active = id == tabID
	}
}

// Remove forgets a target and every session on it.
func (r *TabRegistry) Remove(targetID target.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTarget[targetID]
	if !ok {
		return 0, false
	}
	delete(r.byTarget, targetID)
	delete(r.byID, e.id)
	if e.root != "" {
		delete(r.bySess, e.root)
	}
	for s, owner := range r.children {
		if owner == e.id {
			delete(r.children, s)
		}
	}
	return e.id, true
}

func (r *TabRegistry) Get(tabID int) (host.Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[tabID]
	if !ok {
		return host.Tab{}, false
	}
	return e.tab(), true
}

func (r *TabRegistry) TargetOf(tabID int) (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[tabID]
	if !ok {
		return "", false
	}
	return e.info.TargetID, true
}

func (r *TabRegistry) TabOf(targetID target.ID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTarget[targetID]
	if !ok {
		return 0, false
	}
	return e.id, true
}

// List returns every page target ordered by tab id.
func (r *TabRegistry) List() []host.Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]host.Tab, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.tab())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SetRoot records the attached session of a tab.
func (r *TabRegistry) SetRoot(tabID int, sessionID target.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[tabID]
	if !ok {
		return false
	}
	e.root = sessionID
	e.detaching = false
	r.bySess[sessionID] = tabID
	return true
}

func (r *TabRegistry) Root(tabID int) (target.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[tabID]
	if !ok || e.root == "" {
		return "", false
	}
	return e.root, true
}

// MarkDetaching flags the tab's root session as released on request.
func (r *TabRegistry) MarkDetaching(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[tabID]; ok {
		e.detaching = true
	}
}

// ClearRoot drops a root session. It returns the owning tab and whether the
// detach had been requested.
func (r *TabRegistry) ClearRoot(sessionID target.SessionID) (tabID int, requested, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tabID, ok = r.bySess[sessionID]
	if !ok {
		return 0, false, false
	}
	delete(r.bySess, sessionID)
	for s, owner := range r.children {
		if owner == tabID {
			delete(r.children, s)
		}
	}
	if e, found := r.byID[tabID]; found && e.root == sessionID {
		requested = e.detaching
		e.root = ""
		e.detaching = false
	}
	return tabID, requested, true
}

// SessionOwner resolves a root or child session to its tab.
func (r *TabRegistry) SessionOwner(sessionID target.SessionID) (tabID int, child, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, found := r.bySess[sessionID]; found {
		return id, false, true
	}
	if id, found := r.children[sessionID]; found {
		return id, true, true
	}
	return 0, false, false
}

func (r *TabRegistry) AddChild(sessionID target.SessionID, tabID int) {
	r.mu.Lock()
	r.children[sessionID] = tabID
	r.mu.Unlock()
}

func (r *TabRegistry) RemoveChild(sessionID target.SessionID) {
	r.mu.Lock()
	delete(r.children, sessionID)
	r.mu.Unlock()
}

func (e *tabEntry) tab() host.Tab {
	return host.Tab{
		ID:       e.id,
		TargetID: string(e.info.TargetID),
		WindowID: 1,
		URL:      e.info.URL,
		Title:    e.info.Title,
		Status:   e.status,
		Active:   e.active,
	}
}
