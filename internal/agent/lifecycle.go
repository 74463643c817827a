package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

var probeParams = json.RawMessage(`{"expression":"1","returnByValue":true}`)

const (
	busyRetryInterval = 25 * time.Millisecond
	busyRetryTimeout  = 10 * time.Second
)

// onRelayOpen runs after every successful relay connection.
func (a *Agent) onRelayOpen() {
	ctx := a.runCtx()
	if err := a.WaitReady(ctx); err != nil {
		return
	}
	a.publish(status.TopicRelay, relayEvent{State: types.WSConnected})
	a.Reannounce(ctx)
}

// onRelayClosed keeps every session but shows it as connecting until the
// relay comes back.
func (a *Agent) onRelayClosed(reason string) {
	slog.Warn("relay disconnected", "reason", reason)
	for _, s := range a.reg.Connected() {
		a.ind.SetTab(s.TabID, host.BadgeConnecting)
	}
	a.updateGlobalBadge()
	a.publish(status.TopicRelay, relayEvent{State: types.WSDisconnected, Reason: reason})
	a.scheduleReconnect(nil)
}

// Reannounce sends one Target.attachedToTarget per connected session that the
// current relay connection has not seen yet. Sessions whose tab no longer
// answers are pruned. Tabs busy with another operation are retried in the
// background once their lock frees.
func (a *Agent) Reannounce(ctx context.Context) int {
	generation := a.conn.ConnectedAt()
	sent := 0
	for _, s := range a.reg.Connected() {
		if s.SessionID == "" || s.TargetID == "" || a.announcedOn(s.SessionID, generation) {
			continue
		}
		if !a.locks.TryLock(s.TabID) {
			tabID := s.TabID
			a.spawn(func() { a.reannounceWhenFree(a.runCtx(), tabID, generation) })
			continue
		}
		if a.reannounceLocked(ctx, s.TabID) {
			sent++
		}
		a.locks.Unlock(s.TabID)
	}
	a.persist()
	if sent > 0 {
		slog.Info("sessions re-announced", "count", sent)
	}
	return sent
}

// reannounceWhenFree waits for the lock on tabID and announces its session on
// the relay connection identified by generation, unless that connection is
// gone or the session was announced meanwhile.
func (a *Agent) reannounceWhenFree(ctx context.Context, tabID int, generation time.Time) {
	ticker := time.NewTicker(busyRetryInterval)
	defer ticker.Stop()
	deadline := time.After(busyRetryTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Debug("re-announce gave up on busy tab", "tab_id", tabID)
			return
		case <-ticker.C:
		}
		if !a.conn.Connected() || !a.conn.ConnectedAt().Equal(generation) {
			return
		}
		if !a.locks.TryLock(tabID) {
			continue
		}
		s, ok := a.reg.Get(tabID)
		if ok && s.State == types.TabConnected && !a.announcedOn(s.SessionID, generation) {
			if a.reannounceLocked(ctx, tabID) {
				slog.Info("busy session re-announced", "tab_id", tabID, "session_id", s.SessionID)
			}
			a.persist()
		}
		a.locks.Unlock(tabID)
		return
	}
}

func (a *Agent) reannounceLocked(ctx context.Context, tabID int) bool {
	s, ok := a.reg.Get(tabID)
	if !ok {
		return false
	}
	if _, err := a.host.SendCommand(ctx, host.Debuggee{TabID: tabID}, "Runtime.evaluate", probeParams); err != nil {
		a.drop(tabID)
		a.ind.SetTab(tabID, host.BadgeOff)
		slog.Info("stale session pruned", "tab_id", tabID, "session_id", s.SessionID, "error", err)
		return false
	}
	info, err := a.targetInfo(ctx, tabID)
	if err != nil {
		info = map[string]any{"targetId": s.TargetID, "type": "page", "url": s.URL, "title": s.Title}
	}
	ok = a.announce(s, info)
	a.ind.SetTab(tabID, host.BadgeOn)
	return ok
}

// Sweep is the keepalive pass: refresh the global badge, pick up tabs that
// were missed, and reconnect when the relay is down with nothing pending.
func (a *Agent) Sweep(ctx context.Context) {
	if err := a.WaitReady(ctx); err != nil {
		return
	}
	a.updateGlobalBadge()

	if a.autoAttachEnabled() {
		tabs, err := a.host.Query(ctx)
		if err != nil {
			slog.Debug("keepalive tab query failed", "error", err)
		}
		for _, tab := range tabs {
			if !a.reg.Has(tab.ID) && !a.skippable(tab.URL) {
				a.autoAttach(ctx, tab.ID, tab.URL)
			}
		}
	}

	if a.conn.Connected() || a.conn.State() == types.WSConnecting {
		return
	}
	if a.reconn != nil && a.reconn.Pending() {
		return
	}
	slog.Info("keepalive: relay unhealthy, reconnecting")
	if err := a.conn.EnsureConnected(ctx); err != nil {
		slog.Debug("keepalive reconnect failed", "error", err)
		if a.reconn != nil && !a.reconn.Pending() {
			a.scheduleReconnect(err)
		}
	}
}

// OnSettingsChanged reacts to an operator settings change.
func (a *Agent) OnSettingsChanged(old, updated config.Settings) {
	ctx := a.runCtx()
	if !old.AutoAttach && updated.AutoAttach {
		a.spawn(func() {
			if err := a.WaitReady(ctx); err != nil {
				return
			}
			n, err := a.AttachAll(ctx)
			if err != nil {
				slog.Warn("attach all after settings change failed", "error", err)
				return
			}
			slog.Info("auto-attach enabled", "attached", n)
		})
	}
	if old.RelayPort != updated.RelayPort || old.GatewayToken != updated.GatewayToken {
		slog.Info("relay settings changed, applied on next connection", "relay_port", updated.RelayPort)
	}
}

// persist writes the registry snapshot and refreshes the global badge.
func (a *Agent) persist() {
	if a.store != nil {
		a.persistMu.Lock()
		err := a.store.Save(a.reg.Snapshot())
		a.persistMu.Unlock()
		if err != nil {
			slog.Warn("session snapshot save failed", "error", err)
		}
	}
	a.updateGlobalBadge()
}

// rehydrate restores the persisted sessions. Each entry is matched to the
// tab that now hosts its target, since tab ids do not survive a browser or
// agent restart. The debugger is attached again when the host no longer holds
// it. Entries are pruned only when their target is gone or cannot be
// reclaimed. Restored sessions keep their session id and are announced by
// Reannounce once the relay is up.
func (a *Agent) rehydrate(ctx context.Context) {
	if a.store == nil {
		return
	}
	snap, err := a.store.Load()
	if err != nil {
		slog.Warn("session snapshot load failed", "error", err)
		return
	}
	if len(snap.Tabs) == 0 {
		a.reg.Restore(snap)
		return
	}

	tabs, err := a.host.Query(ctx)
	if err != nil {
		slog.Warn("tab query for session restore failed", "error", err)
	}
	byTarget := make(map[string]host.Tab, len(tabs))
	for _, tab := range tabs {
		if tab.TargetID != "" {
			byTarget[tab.TargetID] = tab
		}
	}

	kept := registry.Snapshot{NextSession: snap.NextSession}
	claimed := make(map[int]bool)
	for _, e := range snap.Tabs {
		tab, ok := byTarget[e.TargetID]
		if !ok || claimed[tab.ID] {
			slog.Info("restored session dropped", "tab_id", e.TabID, "session_id", e.SessionID, "target_id", e.TargetID, "reason", "target gone")
			continue
		}
		if err := a.reclaim(ctx, tab.ID); err != nil {
			slog.Info("restored session dropped", "tab_id", tab.ID, "session_id", e.SessionID, "target_id", e.TargetID, "error", err)
			continue
		}
		claimed[tab.ID] = true
		if tab.ID != e.TabID {
			slog.Debug("restored session moved", "session_id", e.SessionID, "from_tab", e.TabID, "to_tab", tab.ID)
		}
		e.TabID = tab.ID
		kept.Tabs = append(kept.Tabs, e)
	}

	restored := a.reg.Restore(kept)
	for _, s := range restored {
		if tab, ok := byTarget[s.TargetID]; ok {
			a.reg.UpdateMeta(s.TabID, tab.URL, tab.Title)
		}
		a.ind.SetTab(s.TabID, host.BadgeOn)
	}
	if len(restored) < len(kept.Tabs) {
		for _, e := range kept.Tabs {
			if s, ok := a.reg.Get(e.TabID); !ok || s.SessionID != e.SessionID {
				a.releaseHost(ctx, e.TabID)
			}
		}
	}
	a.persist()
	slog.Info("sessions restored", "persisted", len(snap.Tabs), "kept", len(restored), "next_session", a.reg.PeekNextSession())
}

// reclaim makes sure the debugger holds tabID. A fresh host has no session
// for it yet, so it is attached again.
func (a *Agent) reclaim(ctx context.Context, tabID int) error {
	root := host.Debuggee{TabID: tabID}
	if _, err := a.host.SendCommand(ctx, root, "Runtime.evaluate", probeParams); err == nil {
		return nil
	}
	if err := a.host.Attach(ctx, tabID); err != nil {
		return types.NewError(types.CodeAttachFailed, fmt.Sprintf("reattach tab %d", tabID), err)
	}
	if _, err := a.host.SendCommand(ctx, root, "Page.enable", nil); err != nil {
		slog.Debug("page enable failed", "tab_id", tabID, "error", err)
	}
	if _, err := a.host.SendCommand(ctx, root, "Runtime.evaluate", probeParams); err != nil {
		a.releaseHost(ctx, tabID)
		return err
	}
	return nil
}
