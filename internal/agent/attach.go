package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// ErrTabBusy is wrapped by attach and detach when another operation holds the
// tab.
var ErrTabBusy = errors.New("tab operation in progress")

// Detach reasons sent to the relay.
const (
	ReasonTabClosed          = "tab_closed"
	ReasonToggle             = "toggle"
	ReasonParentDetached     = "parent_detached"
	ReasonNavigationReattach = "navigation-reattach"
)

var skippablePrefixes = []string{"chrome://", "chrome-extension://", "about:", "devtools://"}

// Skippable reports whether url must never be attached: empty URLs,
// internal browser pages and any of the extra prefixes.
func Skippable(url string, extra ...string) bool {
	if url == "" {
		return true
	}
	for _, p := range skippablePrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	for _, p := range extra {
		if p != "" && strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

func (a *Agent) skippable(url string) bool {
	return Skippable(url, a.skip...)
}

type AttachOptions struct {
	// Silent suppresses the Target.attachedToTarget announcement while the
	// relay is down; the session is announced on the next relay connection
	// instead.
	Silent bool
}

// AttachResult identifies the session created for a tab.
type AttachResult struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

type attachedToTarget struct {
	SessionID          string         `json:"sessionId"`
	TargetInfo         map[string]any `json:"targetInfo"`
	WaitingForDebugger bool           `json:"waitingForDebugger"`
}

type detachedFromTarget struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
	Reason    string `json:"reason"`
}

// AttachTab attaches the debugger to tabID and registers a new session. A
// tab that is already attached returns its existing session. Concurrent
// operations on the same tab fail with ErrTabBusy.
func (a *Agent) AttachTab(ctx context.Context, tabID int, opts AttachOptions) (AttachResult, error) {
	if !a.locks.TryLock(tabID) {
		return AttachResult{}, types.NewError(types.CodeAttachFailed, fmt.Sprintf("tab %d is busy", tabID), ErrTabBusy)
	}
	defer a.locks.Unlock(tabID)
	return a.attachLocked(ctx, tabID, opts)
}

func (a *Agent) attachLocked(ctx context.Context, tabID int, opts AttachOptions) (AttachResult, error) {
	if s, ok := a.reg.Get(tabID); ok && s.State == types.TabConnected {
		return AttachResult{SessionID: s.SessionID, TargetID: s.TargetID}, nil
	}

	if err := a.host.Attach(ctx, tabID); err != nil {
		return AttachResult{}, types.NewError(types.CodeAttachFailed, fmt.Sprintf("attach tab %d", tabID), err)
	}
	root := host.Debuggee{TabID: tabID}
	if _, err := a.host.SendCommand(ctx, root, "Page.enable", nil); err != nil {
		slog.Debug("page enable failed", "tab_id", tabID, "error", err)
	}

	info, err := a.targetInfo(ctx, tabID)
	if err != nil {
		a.releaseHost(ctx, tabID)
		return AttachResult{}, types.NewError(types.CodeAttachFailed, fmt.Sprintf("attach tab %d", tabID), err)
	}
	targetID, _ := info["targetId"].(string)
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		a.releaseHost(ctx, tabID)
		return AttachResult{}, types.Errorf(types.CodeAttachFailed, "Target.getTargetInfo returned no targetId for tab %d", tabID)
	}

	tab, err := a.host.Get(ctx, tabID)
	if err != nil {
		a.releaseHost(ctx, tabID)
		return AttachResult{}, types.NewError(types.CodeAttachFailed, fmt.Sprintf("tab %d closed during attach", tabID), err)
	}

	order, sessionID := a.reg.NextSession()
	session := registry.TabSession{
		TabID:       tabID,
		State:       types.TabConnected,
		SessionID:   sessionID,
		TargetID:    targetID,
		AttachOrder: order,
		URL:         firstNonEmpty(tab.URL, stringField(info, "url")),
		Title:       firstNonEmpty(tab.Title, stringField(info, "title")),
		AttachedAt:  time.Now(),
	}
	if err := a.reg.Insert(session); err != nil {
		a.releaseHost(ctx, tabID)
		return AttachResult{}, types.NewError(types.CodeAttachFailed, fmt.Sprintf("attach tab %d", tabID), err)
	}

	// The relay may have come back while a silent attach was in flight.
	if !opts.Silent || a.conn.Connected() {
		a.announce(session, info)
	}
	a.ind.SetTab(tabID, host.BadgeOn)
	a.persist()
	a.publish(status.TopicTab, tabEvent{Event: "attached", Tab: session.Summary()})
	slog.Info("tab attached", "tab_id", tabID, "session_id", sessionID, "target_id", targetID, "silent", opts.Silent)
	return AttachResult{SessionID: sessionID, TargetID: targetID}, nil
}

func (a *Agent) releaseHost(ctx context.Context, tabID int) {
	if err := a.host.Detach(ctx, tabID); err != nil {
		slog.Debug("host detach after failed attach", "tab_id", tabID, "error", err)
	}
}

func (a *Agent) targetInfo(ctx context.Context, tabID int) (map[string]any, error) {
	raw, err := a.host.SendCommand(ctx, host.Debuggee{TabID: tabID}, "Target.getTargetInfo", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		TargetInfo map[string]any `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode target info: %w", err)
	}
	if res.TargetInfo == nil {
		res.TargetInfo = map[string]any{}
	}
	return res.TargetInfo, nil
}

// announce sends Target.attachedToTarget for session and remembers which
// relay connection saw it.
func (a *Agent) announce(session registry.TabSession, info map[string]any) bool {
	targetInfo := make(map[string]any, len(info)+1)
	for k, v := range info {
		targetInfo[k] = v
	}
	targetInfo["attached"] = true

	generation := a.conn.ConnectedAt()
	err := a.conn.SendEvent(relay.EventParams{
		Method: "Target.attachedToTarget",
		Params: attachedToTarget{SessionID: session.SessionID, TargetInfo: targetInfo},
	})
	if err != nil {
		slog.Debug("attach announcement deferred", "session_id", session.SessionID, "error", err)
		return false
	}
	a.announceMu.Lock()
	a.announced[session.SessionID] = generation
	a.announceMu.Unlock()
	return true
}

func (a *Agent) announcedOn(sessionID string, generation time.Time) bool {
	a.announceMu.Lock()
	defer a.announceMu.Unlock()
	at, ok := a.announced[sessionID]
	return ok && at.Equal(generation)
}

// sendDetached tells the relay a session is gone. The relay may be down, so
// failures are only logged.
func (a *Agent) sendDetached(sessionID, targetID, reason string) {
	if sessionID == "" {
		return
	}
	err := a.conn.SendEvent(relay.EventParams{
		Method: "Target.detachedFromTarget",
		Params: detachedFromTarget{SessionID: sessionID, TargetID: targetID, Reason: reason},
	})
	if err != nil {
		slog.Debug("detach notification dropped", "session_id", sessionID, "reason", reason, "error", err)
	}
}

// drop removes the registry entry for tabID and forgets its announcement.
func (a *Agent) drop(tabID int) (registry.TabSession, []string, bool) {
	s, children, ok := a.reg.Remove(tabID)
	if ok && s.SessionID != "" {
		a.announceMu.Lock()
		delete(a.announced, s.SessionID)
		a.announceMu.Unlock()
	}
	return s, children, ok
}

// DetachTab tells the relay the tab and its child sessions are gone, removes
// them from the registry and releases the host debugger. Detaching a tab that
// is not tracked does nothing.
func (a *Agent) DetachTab(ctx context.Context, tabID int, reason string) error {
	if !a.reg.Has(tabID) {
		return nil
	}
	if !a.locks.TryLock(tabID) {
		return types.NewError(types.CodeTabBusy, fmt.Sprintf("tab %d is busy", tabID), ErrTabBusy)
	}
	defer a.locks.Unlock(tabID)
	a.detachLocked(ctx, tabID, reason)
	return nil
}

func (a *Agent) detachLocked(ctx context.Context, tabID int, reason string) {
	s, children, ok := a.drop(tabID)
	if !ok {
		return
	}
	for _, child := range children {
		a.sendDetached(child, "", ReasonParentDetached)
	}
	if s.TargetID != "" {
		a.sendDetached(s.SessionID, s.TargetID, reason)
	}
	if err := a.host.Detach(ctx, tabID); err != nil {
		slog.Debug("host detach ignored", "tab_id", tabID, "error", err)
	}
	a.ind.SetTab(tabID, host.BadgeOff)
	a.persist()
	a.publish(status.TopicTab, tabEvent{Event: "detached", Reason: reason, Tab: s.Summary()})
	slog.Info("tab detached", "tab_id", tabID, "session_id", s.SessionID, "reason", reason)
}

// eligible applies the auto-attach policy.
func (a *Agent) eligible(tabID int, url string) bool {
	return a.autoAttachEnabled() &&
		!a.reg.Has(tabID) &&
		!a.skippable(url) &&
		!a.locks.Held(tabID) &&
		!a.tickets.Has(tabID)
}

func (a *Agent) autoAttachEnabled() bool {
	return a.settings == nil || a.settings.Get().AutoAttach
}

// AttachAll attaches every eligible tab the host reports and returns how many
// were attached. Individual failures are logged.
func (a *Agent) AttachAll(ctx context.Context) (int, error) {
	if !a.autoAttachEnabled() {
		return 0, nil
	}
	tabs, err := a.host.Query(ctx)
	if err != nil {
		return 0, types.NewError(types.CodeHostUnavailable, "query tabs", err)
	}
	attached := 0
	for _, tab := range tabs {
		if !a.eligible(tab.ID, tab.URL) {
			continue
		}
		if _, err := a.AttachTab(ctx, tab.ID, AttachOptions{}); err != nil {
			logAttachFailure("auto-attach failed", tab.ID, tab.URL, err)
			continue
		}
		attached++
	}
	return attached, nil
}

// autoAttach attaches a single tab when policy allows it and the relay is
// reachable. It gives up quietly otherwise.
func (a *Agent) autoAttach(ctx context.Context, tabID int, url string) {
	if !a.eligible(tabID, url) {
		return
	}
	if err := a.conn.EnsureConnected(ctx); err != nil {
		slog.Debug("auto-attach skipped, relay unavailable", "tab_id", tabID, "error", err)
		return
	}
	if _, err := a.AttachTab(ctx, tabID, AttachOptions{}); err != nil {
		logAttachFailure("auto-attach failed", tabID, url, err)
	}
}

func logAttachFailure(msg string, tabID int, url string, err error) {
	if errors.Is(err, ErrTabBusy) {
		slog.Debug(msg, "tab_id", tabID, "url", url, "error", err)
		return
	}
	slog.Warn(msg, "tab_id", tabID, "url", url, "error", err)
}

// AttachOrAwait attaches tabID, or waits for a concurrent attach of the same
// tab to finish and returns its session.
func (a *Agent) AttachOrAwait(ctx context.Context, tabID int, wait time.Duration) (AttachResult, error) {
	res, err := a.AttachTab(ctx, tabID, AttachOptions{})
	if err == nil || !errors.Is(err, ErrTabBusy) {
		return res, err
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if s, ok := a.reg.Get(tabID); ok && s.State == types.TabConnected && !a.locks.Held(tabID) {
			return AttachResult{SessionID: s.SessionID, TargetID: s.TargetID}, nil
		}
		if !a.locks.Held(tabID) {
			return a.AttachTab(ctx, tabID, AttachOptions{})
		}
		select {
		case <-ctx.Done():
			return AttachResult{}, ctx.Err()
		case <-deadline.C:
			return AttachResult{}, err
		case <-tick.C:
		}
	}
}

// Toggle detaches every tab when any is attached; otherwise it reconnects
// and attaches all eligible tabs. It reports whether tabs are now attached.
func (a *Agent) Toggle(ctx context.Context) (bool, error) {
	if a.reg.ConnectedCount() > 0 {
		a.tickets.Clear()
		for _, tabID := range a.reg.TabIDs() {
			if err := a.DetachTab(ctx, tabID, ReasonToggle); err != nil {
				slog.Warn("toggle detach failed", "tab_id", tabID, "error", err)
			}
		}
		a.updateGlobalBadge()
		return false, nil
	}
	if a.reconn != nil {
		a.reconn.Cancel()
	}
	if err := a.conn.EnsureConnected(ctx); err != nil {
		slog.Warn("attach all failed", "error", err)
		a.updateGlobalBadge()
		return false, err
	}
	if _, err := a.AttachAll(ctx); err != nil {
		return false, err
	}
	return a.reg.ConnectedCount() > 0, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
