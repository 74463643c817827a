package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// eventLoop consumes host events in order once the agent is ready. Debugger
// events and registry bookkeeping run inline; anything that attaches or
// waits runs on its own goroutine.
func (a *Agent) eventLoop(ctx context.Context) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return
	}
	events := a.host.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				slog.Warn("host event stream closed")
				return
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, ev host.Event) {
	switch e := ev.(type) {
	case host.DebuggerEvent:
		a.forwardDebuggerEvent(e)
	case host.DebuggerDetached:
		a.spawn(func() { a.handleForcedDetach(ctx, e.TabID, e.Reason) })
	case host.TabCreated:
		if e.Tab.URL != "" && !a.skippable(e.Tab.URL) {
			a.spawn(func() { a.autoAttach(ctx, e.Tab.ID, e.Tab.URL) })
		}
	case host.TabUpdated:
		a.handleTabUpdated(ctx, e)
	case host.TabRemoved:
		a.handleTabRemoved(e.TabID)
	case host.TabReplaced:
		a.handleTabReplaced(e.AddedTabID, e.RemovedTabID)
	case host.TabActivated:
		a.refreshTabBadge(e.TabID)
		a.updateGlobalBadge()
	case host.NavigationCompleted:
		if e.MainFrame {
			a.refreshTabBadge(e.TabID)
		}
	default:
		slog.Debug("unhandled host event", "type", fmt.Sprintf("%T", ev))
	}
}

type childSession struct {
	SessionID string `json:"sessionId"`
}

// forwardDebuggerEvent relays a protocol event under the tab's relay session,
// or under the child session it came from, and tracks child sessions.
func (a *Agent) forwardDebuggerEvent(e host.DebuggerEvent) {
	s, ok := a.reg.Get(e.Source.TabID)
	if !ok || s.SessionID == "" {
		return
	}
	switch e.Method {
	case "Target.attachedToTarget":
		var child childSession
		if json.Unmarshal(e.Params, &child) == nil && child.SessionID != "" {
			a.reg.AddChild(child.SessionID, e.Source.TabID)
		}
	case "Target.detachedFromTarget":
		var child childSession
		if json.Unmarshal(e.Params, &child) == nil && child.SessionID != "" {
			a.reg.RemoveChild(child.SessionID)
		}
	}

	sessionID := e.Source.SessionID
	if sessionID == "" {
		sessionID = s.SessionID
	}
	var params any
	if len(e.Params) > 0 {
		params = e.Params
	}
	if err := a.conn.SendEvent(relay.EventParams{SessionID: sessionID, Method: e.Method, Params: params}); err != nil {
		slog.Debug("debugger event dropped", "method", e.Method, "session_id", sessionID, "error", err)
	}
}

func (a *Agent) handleTabUpdated(ctx context.Context, e host.TabUpdated) {
	if a.reg.UpdateMeta(e.TabID, e.URL, e.Title) {
		return
	}
	if e.Status != "loading" {
		return
	}
	a.spawn(func() {
		url := e.URL
		if url == "" {
			tab, err := a.host.Get(ctx, e.TabID)
			if err != nil {
				return
			}
			url = tab.URL
		}
		a.autoAttach(ctx, e.TabID, url)
	})
}

// handleTabRemoved forgets a closed tab, stops any recovery for it and tells
// the relay the session closed.
func (a *Agent) handleTabRemoved(tabID int) {
	a.tickets.Remove(tabID)
	s, _, ok := a.drop(tabID)
	if !ok {
		a.ind.SetTab(tabID, host.BadgeOff)
		return
	}
	if s.SessionID != "" && s.TargetID != "" {
		a.sendDetached(s.SessionID, s.TargetID, ReasonTabClosed)
	}
	a.ind.SetTab(tabID, host.BadgeOff)
	a.persist()
	a.publish(status.TopicTab, tabEvent{Event: "detached", Reason: ReasonTabClosed, Tab: s.Summary()})
	slog.Info("tab closed", "tab_id", tabID, "session_id", s.SessionID)
}

// handleTabReplaced moves a session to the tab that replaced its owner.
func (a *Agent) handleTabReplaced(addedID, removedID int) {
	if !a.reg.Replace(removedID, addedID) {
		return
	}
	a.ind.SetTab(removedID, host.BadgeOff)
	a.ind.SetTab(addedID, host.BadgeOn)
	a.persist()
	slog.Info("tab replaced", "removed_tab_id", removedID, "added_tab_id", addedID)
}

func (a *Agent) refreshTabBadge(tabID int) {
	s, ok := a.reg.Get(tabID)
	if !ok || s.State != types.TabConnected {
		return
	}
	if a.conn.Connected() {
		a.ind.SetTab(tabID, host.BadgeOn)
	} else {
		a.ind.SetTab(tabID, host.BadgeConnecting)
	}
}
