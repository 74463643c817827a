package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/status"
)

// handleForcedDetach reacts to the host dropping the debugger from a tab.
// Deliberate detaches, closed tabs and tabs showing internal pages are
// cleaned up at once; anything else is re-attached under supervision.
func (a *Agent) handleForcedDetach(ctx context.Context, tabID int, reason string) {
	if !a.reg.Has(tabID) {
		return
	}
	if reason == host.ReasonCanceledByUser || reason == host.ReasonReplacedWithDevtools {
		a.cleanupDetached(ctx, tabID, reason)
		return
	}
	tab, err := a.host.Get(ctx, tabID)
	if err != nil {
		a.cleanupDetached(ctx, tabID, reason)
		return
	}
	if a.skippable(tab.URL) {
		a.cleanupDetached(ctx, tabID, reason)
		return
	}
	a.superviseReattach(ctx, tabID)
}

func (a *Agent) cleanupDetached(ctx context.Context, tabID int, reason string) {
	if err := a.DetachTab(ctx, tabID, reason); err != nil {
		slog.Warn("detach after forced detach failed", "tab_id", tabID, "reason", reason, "error", err)
	}
}

// superviseReattach drops the stale session and retries attaching on the
// reattach delay schedule. Removing the tab's ticket stops the loop at its
// next step.
func (a *Agent) superviseReattach(ctx context.Context, tabID int) {
	if !a.tickets.Add(tabID) {
		return
	}
	if !a.locks.TryLock(tabID) {
		a.tickets.Remove(tabID)
		slog.Debug("reattach skipped, tab busy", "tab_id", tabID)
		return
	}
	old, _, ok := a.drop(tabID)
	a.locks.Unlock(tabID)
	if ok && old.TargetID != "" {
		a.sendDetached(old.SessionID, old.TargetID, ReasonNavigationReattach)
	}
	a.ind.SetTab(tabID, host.BadgeConnecting)
	a.persist()
	a.publish(status.TopicTab, tabEvent{Event: "reattaching", Reason: ReasonNavigationReattach, Tab: old.Summary()})
	slog.Info("reattach started", "tab_id", tabID, "old_session_id", old.SessionID)

	for attempt, delay := range a.delays {
		if !sleepCtx(ctx, delay) {
			a.tickets.Remove(tabID)
			return
		}
		if !a.tickets.Has(tabID) {
			if !a.reg.Has(tabID) {
				a.ind.SetTab(tabID, host.BadgeOff)
			}
			slog.Debug("reattach cancelled", "tab_id", tabID)
			return
		}
		if _, err := a.host.Get(ctx, tabID); err != nil {
			a.abandonReattach(tabID, "tab gone")
			return
		}
		silent := !a.conn.Connected()
		res, err := a.AttachTab(ctx, tabID, AttachOptions{Silent: silent})
		if err == nil {
			a.tickets.Remove(tabID)
			slog.Info("reattach recovered", "tab_id", tabID, "session_id", res.SessionID, "attempt", attempt+1, "silent", silent)
			return
		}
		slog.Debug("reattach attempt failed", "tab_id", tabID, "attempt", attempt+1, "error", err)
	}
	a.abandonReattach(tabID, "retries exhausted")
}

func (a *Agent) abandonReattach(tabID int, why string) {
	a.tickets.Remove(tabID)
	a.ind.SetTab(tabID, host.BadgeOff)
	a.updateGlobalBadge()
	slog.Info("reattach abandoned", "tab_id", tabID, "why", why)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
