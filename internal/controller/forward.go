package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

type createdTarget struct {
	TargetID string `json:"targetId"`
}

// resolveTab picks the tab a pass-through command runs on: the owner of the
// envelope session, then the tab showing params.targetId, then any connected
// tab.
func (s *Service) resolveTab(env Envelope, p args) (int, bool) {
	reg := s.agent.Registry()
	if env.SessionID != "" {
		if tabID, ok := reg.TabForSession(env.SessionID); ok {
			return tabID, true
		}
	}
	if targetID, ok := p.str("targetId"); ok && targetID != "" {
		if tabID, ok := reg.TabForTarget(targetID); ok {
			return tabID, true
		}
	}
	fallback, ok := reg.AnyConnected()
	if !ok {
		return 0, false
	}
	if n := reg.ConnectedCount(); n > 1 {
		slog.Warn("command routed to an arbitrary tab", "method", env.Method, "session_id", env.SessionID, "tab_id", fallback.TabID, "connected", n)
	}
	return fallback.TabID, true
}

// debuggee addresses the child session when the envelope names one other
// than the tab's main session.
func (s *Service) debuggee(tabID int, sessionID string) host.Debuggee {
	d := host.Debuggee{TabID: tabID}
	if sessionID == "" {
		return d
	}
	if main, ok := s.agent.Registry().Get(tabID); ok && main.SessionID != "" && main.SessionID != sessionID {
		d.SessionID = sessionID
	}
	return d
}

func (s *Service) forward(ctx context.Context, env Envelope) (any, error) {
	p := newArgs(env.Params)
	tabID, ok := s.resolveTab(env, p)
	if !ok {
		return nil, types.Errorf(types.CodeNoAttachedTab, "No attached tab for method %s", env.Method)
	}
	target := s.debuggee(tabID, env.SessionID)

	switch env.Method {
	case "Runtime.enable":
		return s.reenableRuntime(ctx, target, env.Params)
	case "Target.createTarget":
		return s.createTarget(ctx, p)
	case "Target.closeTarget":
		return s.closeTarget(ctx, tabID, p), nil
	case "Target.activateTarget":
		s.activateTarget(ctx, tabID, p)
		return struct{}{}, nil
	}

	res, err := s.host.SendCommand(ctx, target, env.Method, env.Params)
	if err != nil {
		return nil, err
	}
	return rawResult(res), nil
}

func rawResult(res json.RawMessage) any {
	if len(res) == 0 || string(res) == "null" {
		return struct{}{}
	}
	return res
}

// reenableRuntime cycles Runtime off and on so the client receives fresh
// execution context events.
func (s *Service) reenableRuntime(ctx context.Context, target host.Debuggee, params json.RawMessage) (any, error) {
	if _, err := s.host.SendCommand(ctx, target, "Runtime.disable", nil); err == nil {
		if !sleepCtx(ctx, s.opts.RuntimeSettle) {
			return nil, ctx.Err()
		}
	}
	res, err := s.host.SendCommand(ctx, target, "Runtime.enable", params)
	if err != nil {
		return nil, err
	}
	return rawResult(res), nil
}

// createTarget opens a background tab and attaches it. An auto-attach that
// wins the tab's lock is waited for.
func (s *Service) createTarget(ctx context.Context, p args) (any, error) {
	url, ok := p.str("url")
	if !ok || url == "" {
		url = "about:blank"
	}
	tab, err := s.host.Create(ctx, url, false)
	if err != nil {
		return nil, err
	}
	if tab.ID <= 0 {
		return nil, types.Errorf(types.CodeAttachFailed, "Failed to create tab")
	}
	if !sleepCtx(ctx, s.opts.CreateSettle) {
		return nil, ctx.Err()
	}
	res, err := s.agent.AttachOrAwait(ctx, tab.ID, s.opts.CreateWait)
	if err != nil {
		return nil, err
	}
	return createdTarget{TargetID: res.TargetID}, nil
}

// targetTab maps params.targetId to a tab, defaulting to the caller's tab.
func (s *Service) targetTab(callerTab int, p args) (int, bool) {
	targetID, _ := p.str("targetId")
	if targetID == "" {
		return callerTab, true
	}
	return s.agent.Registry().TabForTarget(targetID)
}

func (s *Service) closeTarget(ctx context.Context, callerTab int, p args) successResult {
	tabID, ok := s.targetTab(callerTab, p)
	if !ok {
		return successResult{Success: false}
	}
	if err := s.host.Close(ctx, tabID); err != nil {
		slog.Debug("close target failed", "tab_id", tabID, "error", err)
		return successResult{Success: false}
	}
	return successResult{Success: true}
}

func (s *Service) activateTarget(ctx context.Context, callerTab int, p args) {
	tabID, ok := s.targetTab(callerTab, p)
	if !ok {
		return
	}
	if err := s.host.Activate(ctx, tabID); err != nil {
		slog.Debug("activate target failed", "tab_id", tabID, "error", err)
	}
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
