package status

import (
	"sort"
	"sync"

	"github.com/dgnsrekt/tabrelay/internal/host"
)

// TabBadge is the rendered per-tab indicator.
type TabBadge struct {
	TabID int            `json:"tabId"`
	Kind  host.BadgeKind `json:"kind"`
	Text  string         `json:"text"`
	Color string         `json:"color"`
}

// Badges is the full indicator state.
type Badges struct {
	Global host.GlobalBadge `json:"global"`
	Tabs   []TabBadge       `json:"tabs"`
}

var badgeStyles = map[host.BadgeKind]struct{ text, color string }{
	host.BadgeOn:         {"ON", "#16a34a"},
	host.BadgeOff:        {"", "#000000"},
	host.BadgeConnecting: {"…", "#F59E0B"},
	host.BadgeError:      {"!", "#B91C1C"},
}

// Board is the agent's host.Indicator. It remembers the latest badge per tab
// and publishes every change on TopicBadge.
type Board struct {
	broker *Broker

	mu     sync.RWMutex
	tabs   map[int]host.BadgeKind
	global host.GlobalBadge
}

// NewBoard returns a board publishing to broker. A nil broker disables
// publishing.
func NewBoard(broker *Broker) *Board {
	return &Board{broker: broker, tabs: make(map[int]host.BadgeKind)}
}

func render(tabID int, kind host.BadgeKind) TabBadge {
	style := badgeStyles[kind]
	return TabBadge{TabID: tabID, Kind: kind, Text: style.text, Color: style.color}
}

func (b *Board) SetTab(tabID int, kind host.BadgeKind) {
	b.mu.Lock()
	prev, had := b.tabs[tabID]
	if kind == host.BadgeOff {
		delete(b.tabs, tabID)
	} else {
		b.tabs[tabID] = kind
	}
	b.mu.Unlock()

	if had && prev == kind {
		return
	}
	if !had && kind == host.BadgeOff {
		return
	}
	if b.broker != nil {
		b.broker.Publish(TopicBadge, render(tabID, kind))
	}
}

func (b *Board) SetGlobal(badge host.GlobalBadge) {
	b.mu.Lock()
	changed := b.global != badge
	b.global = badge
	b.mu.Unlock()
	if changed && b.broker != nil {
		b.broker.Publish(TopicBadge, struct {
			Global host.GlobalBadge `json:"global"`
		}{badge})
	}
}

// Tab returns the badge kind shown on tabID; tabs never set are off.
func (b *Board) Tab(tabID int) host.BadgeKind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if kind, ok := b.tabs[tabID]; ok {
		return kind
	}
	return host.BadgeOff
}

// Snapshot returns the global badge and every non-off tab badge ordered by
// tab id.
func (b *Board) Snapshot() Badges {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Badges{Global: b.global, Tabs: make([]TabBadge, 0, len(b.tabs))}
	for id, kind := range b.tabs {
		out.Tabs = append(out.Tabs, render(id, kind))
	}
	sort.Slice(out.Tabs, func(i, j int) bool { return out.Tabs[i].TabID < out.Tabs[j].TabID })
	return out
}

var _ host.Indicator = (*Board)(nil)
