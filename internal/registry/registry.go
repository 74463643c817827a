// Package registry holds the agent's view of attached tabs: which tab owns
// which relay session, the child sessions nested under each tab, and the
// monotonic counter that names new sessions.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

// SessionPrefix prefixes every session id handed to the relay.
const SessionPrefix = "cb-tab-"

// TabSession is the registry entry for one attached tab.
type TabSession struct {
	TabID       int
	State       types.TabState
	SessionID   string
	TargetID    string
	AttachOrder int
	URL         string
	Title       string
	AttachedAt  time.Time
}

// Summary converts the entry into its Tab.list form.
func (s TabSession) Summary() types.TabSummary {
	var attachedAt int64
	if !s.AttachedAt.IsZero() {
		attachedAt = s.AttachedAt.UnixMilli()
	}
	return types.TabSummary{
		TabID:      s.TabID,
		SessionID:  s.SessionID,
		TargetID:   s.TargetID,
		URL:        s.URL,
		Title:      s.Title,
		Status:     s.State,
		AttachedAt: attachedAt,
	}
}

// Registry maps tab ids to sessions. All methods are safe for concurrent use;
// compound check-then-act sequences are serialised by TabLocks.
type Registry struct {
	mu          sync.RWMutex
	tabs        map[int]*TabSession
	bySession   map[string]int
	children    map[string]int
	nextSession int
}

func New() *Registry {
	return &Registry{
		tabs:        make(map[int]*TabSession),
		bySession:   make(map[string]int),
		children:    make(map[string]int),
		nextSession: 1,
	}
}

// NextSession allocates the next counter value and its session id. Values are
// never handed out twice.
func (r *Registry) NextSession() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nextSession
	r.nextSession++
	return n, SessionPrefix + strconv.Itoa(n)
}

// PeekNextSession returns the value NextSession would allocate.
func (r *Registry) PeekNextSession() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSession
}

// Insert adds an entry. A tab or session id that is already present is
// rejected.
func (r *Registry) Insert(s TabSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[s.TabID]; ok {
		return fmt.Errorf("registry: tab %d already tracked", s.TabID)
	}
	if s.SessionID != "" {
		if owner, ok := r.bySession[s.SessionID]; ok {
			return fmt.Errorf("registry: session %s already owned by tab %d", s.SessionID, owner)
		}
		r.bySession[s.SessionID] = s.TabID
	}
	entry := s
	r.tabs[s.TabID] = &entry
	return nil
}

func (r *Registry) Get(tabID int) (TabSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tabs[tabID]
	if !ok {
		return TabSession{}, false
	}
	return *s, true
}

func (r *Registry) Has(tabID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tabs[tabID]
	return ok
}

// Remove deletes the tab entry together with every child link it owns and
// returns what was removed.
func (r *Registry) Remove(tabID int) (TabSession, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tabs[tabID]
	if !ok {
		return TabSession{}, nil, false
	}
	delete(r.tabs, tabID)
	if s.SessionID != "" && r.bySession[s.SessionID] == tabID {
		delete(r.bySession, s.SessionID)
	}
	children := r.childrenLocked(tabID)
	for _, child := range children {
		delete(r.children, child)
	}
	return *s, children, true
}

// UpdateMeta refreshes url and title; empty values leave the field alone.
func (r *Registry) UpdateMeta(tabID int, url, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tabs[tabID]
	if !ok {
		return false
	}
	if url != "" {
		s.URL = url
	}
	if title != "" {
		s.Title = title
	}
	return true
}

// Replace moves the entry of removedID, its session and its child links to
// addedID.
func (r *Registry) Replace(removedID, addedID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tabs[removedID]
	if !ok {
		return false
	}
	if _, taken := r.tabs[addedID]; taken {
		return false
	}
	delete(r.tabs, removedID)
	s.TabID = addedID
	r.tabs[addedID] = s
	if s.SessionID != "" {
		r.bySession[s.SessionID] = addedID
	}
	for child, owner := range r.children {
		if owner == removedID {
			r.children[child] = addedID
		}
	}
	return true
}

// TabForSession resolves a main or child session id to its tab.
func (r *Registry) TabForSession(sessionID string) (int, bool) {
	if sessionID == "" {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tabID, ok := r.bySession[sessionID]; ok {
		return tabID, true
	}
	tabID, ok := r.children[sessionID]
	return tabID, ok
}

// TabForTarget finds the connected tab bound to targetID.
func (r *Registry) TabForTarget(targetID string) (int, bool) {
	if targetID == "" {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.tabs {
		if s.State == types.TabConnected && s.TargetID == targetID {
			return id, true
		}
	}
	return 0, false
}

// AnyConnected returns the earliest attached connected tab.
func (r *Registry) AnyConnected() (TabSession, bool) {
	connected := r.Connected()
	if len(connected) == 0 {
		return TabSession{}, false
	}
	return connected[0], true
}

// Connected lists connected entries ordered by attach order.
func (r *Registry) Connected() []TabSession {
	r.mu.RLock()
	out := make([]TabSession, 0, len(r.tabs))
	for _, s := range r.tabs {
		if s.State == types.TabConnected {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AttachOrder < out[j].AttachOrder })
	return out
}

func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.tabs {
		if s.State == types.TabConnected {
			n++
		}
	}
	return n
}

// TabIDs returns every tracked tab id in ascending order.
func (r *Registry) TabIDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.tabs))
	for id := range r.tabs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// AddChild links a child session to an existing tab.
func (r *Registry) AddChild(childSessionID string, tabID int) bool {
	if childSessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[tabID]; !ok {
		return false
	}
	r.children[childSessionID] = tabID
	return true
}

func (r *Registry) RemoveChild(childSessionID string) {
	r.mu.Lock()
	delete(r.children, childSessionID)
	r.mu.Unlock()
}

// ChildrenOf lists the child sessions owned by tabID, sorted.
func (r *Registry) ChildrenOf(tabID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.childrenLocked(tabID)
}

func (r *Registry) childrenLocked(tabID int) []string {
	var out []string
	for child, owner := range r.children {
		if owner == tabID {
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}
