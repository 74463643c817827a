package registry

import "sync"

// TabLocks is a per-tab try-lock set. A second caller for a held tab is
// turned away instead of queued.
type TabLocks struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func NewTabLocks() *TabLocks {
	return &TabLocks{held: make(map[int]struct{})}
}

// TryLock claims tabID and reports whether the claim succeeded.
func (l *TabLocks) TryLock(tabID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[tabID]; busy {
		return false
	}
	l.held[tabID] = struct{}{}
	return true
}

func (l *TabLocks) Unlock(tabID int) {
	l.mu.Lock()
	delete(l.held, tabID)
	l.mu.Unlock()
}

func (l *TabLocks) Held(tabID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[tabID]
	return busy
}

// Tickets tracks tabs under supervised re-attach. Removing a ticket cancels
// the recovery loop at its next check.
type Tickets struct {
	mu  sync.Mutex
	set map[int]struct{}
}

func NewTickets() *Tickets {
	return &Tickets{set: make(map[int]struct{})}
}

// Add issues a ticket; false means one was already outstanding.
func (t *Tickets) Add(tabID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[tabID]; ok {
		return false
	}
	t.set[tabID] = struct{}{}
	return true
}

func (t *Tickets) Has(tabID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[tabID]
	return ok
}

func (t *Tickets) Remove(tabID int) {
	t.mu.Lock()
	delete(t.set, tabID)
	t.mu.Unlock()
}

func (t *Tickets) Clear() {
	t.mu.Lock()
	t.set = make(map[int]struct{})
	t.mu.Unlock()
}

func (t *Tickets) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.set)
}
