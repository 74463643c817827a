package registry

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

// SnapshotEntry is the durable form of a connected tab.
type SnapshotEntry struct {
	TabID       int    `json:"tabId"`
	SessionID   string `json:"sessionId"`
	TargetID    string `json:"targetId"`
	AttachOrder int    `json:"attachOrder"`
}

// Snapshot is everything needed to rebuild the registry after a restart.
type Snapshot struct {
	Tabs        []SnapshotEntry `json:"persistedTabs"`
	NextSession int             `json:"nextSession"`
}

// Snapshot captures connected tabs that carry both a session and a target id.
func (r *Registry) Snapshot() Snapshot {
	connected := r.Connected()
	snap := Snapshot{
		Tabs:        make([]SnapshotEntry, 0, len(connected)),
		NextSession: r.PeekNextSession(),
	}
	for _, s := range connected {
		if s.SessionID == "" || s.TargetID == "" {
			continue
		}
		snap.Tabs = append(snap.Tabs, SnapshotEntry{
			TabID:       s.TabID,
			SessionID:   s.SessionID,
			TargetID:    s.TargetID,
			AttachOrder: s.AttachOrder,
		})
	}
	return snap
}

// Restore loads a snapshot into the registry. The session counter only ever
// moves forward: it ends up past both the persisted counter and every
// restored session. Entries that are incomplete or collide with live ones are
// skipped. The restored entries are returned.
func (r *Registry) Restore(snap Snapshot) []TabSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.NextSession > r.nextSession {
		r.nextSession = snap.NextSession
	}

	now := time.Now()
	var restored []TabSession
	for _, e := range snap.Tabs {
		if e.TabID <= 0 || e.SessionID == "" || e.TargetID == "" {
			continue
		}
		if _, ok := r.tabs[e.TabID]; ok {
			continue
		}
		if _, ok := r.bySession[e.SessionID]; ok {
			continue
		}
		s := &TabSession{
			TabID:       e.TabID,
			State:       types.TabConnected,
			SessionID:   e.SessionID,
			TargetID:    e.TargetID,
			AttachOrder: e.AttachOrder,
			AttachedAt:  now,
		}
		r.tabs[e.TabID] = s
		r.bySession[e.SessionID] = e.TabID
		if n := sessionNumber(e.SessionID); n >= r.nextSession && n < math.MaxInt {
			r.nextSession = n + 1
		}
		if e.AttachOrder >= r.nextSession && e.AttachOrder < math.MaxInt {
			r.nextSession = e.AttachOrder + 1
		}
		restored = append(restored, *s)
	}
	return restored
}

// sessionNumber returns the counter encoded in sessionID, or 0 when the id is
// not one of ours or does not fit an int.
func sessionNumber(sessionID string) int {
	rest, ok := strings.CutPrefix(sessionID, SessionPrefix)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
