// Package controller answers relay commands and backs the local status API.
// Relay commands arrive as forwardCDPCommand envelopes; meta commands are
// served from the agent and host directly, everything else is forwarded to
// the debugger of the resolved tab.
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/agent"
	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultRuntimeSettle  = 50 * time.Millisecond
	defaultCreateSettle   = 100 * time.Millisecond
	defaultCreateWait     = 5 * time.Second
)

type Options struct {
	// Settings reports the relay port and gateway token for relay checks.
	Settings   relay.SettingsFunc
	HTTPClient *http.Client

	CommandTimeout time.Duration
	RuntimeSettle  time.Duration
	CreateSettle   time.Duration
	// CreateWait bounds how long Target.createTarget waits for a concurrent
	// attach of the new tab.
	CreateWait time.Duration
}

// Service routes relay commands and exposes the agent operations used by the
// status API.
type Service struct {
	agent *agent.Agent
	host  host.Host
	opts  Options
}

func NewService(a *agent.Agent, opts Options) *Service {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.RuntimeSettle <= 0 {
		opts.RuntimeSettle = defaultRuntimeSettle
	}
	if opts.CreateSettle <= 0 {
		opts.CreateSettle = defaultCreateSettle
	}
	if opts.CreateWait <= 0 {
		opts.CreateWait = defaultCreateWait
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Service{agent: a, host: a.Host(), opts: opts}
}

func (s *Service) requireNonEmpty(value, message string) error {
	if strings.TrimSpace(value) == "" {
		return types.NewError(types.CodeValidation, message, nil)
	}
	return nil
}

// Listen registers the service as the relay command handler. Commands are
// served until ctx is done.
func (s *Service) Listen(ctx context.Context) {
	s.agent.Relay().OnCommand(func(cmd relay.Command) {
		s.HandleCommand(ctx, cmd)
	})
}

// HandleCommand answers one forwardCDPCommand. Every failure becomes an error
// reply correlated by the command id.
func (s *Service) HandleCommand(ctx context.Context, cmd relay.Command) {
	if err := s.agent.WaitReady(ctx); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	conn := s.agent.Relay()
	env, err := DecodeEnvelope(cmd.Params)
	if err == nil {
		var result any
		result, err = s.Dispatch(ctx, env)
		if err == nil {
			if sendErr := conn.ReplyResult(cmd.ID, result); sendErr != nil {
				slog.Debug("relay reply dropped", "id", cmd.ID, "method", env.Method, "error", sendErr)
			}
			return
		}
	}
	slog.Debug("relay command failed", "id", cmd.ID, "method", env.Method, "code", types.CodeOf(err), "error", err)
	if sendErr := conn.ReplyError(cmd.ID, types.Message(err)); sendErr != nil {
		slog.Debug("relay error reply dropped", "id", cmd.ID, "error", sendErr)
	}
}

// Dispatch runs a decoded command and returns its result.
func (s *Service) Dispatch(ctx context.Context, env Envelope) (any, error) {
	switch {
	case env.Method == "Tab.list":
		return s.Tabs(), nil
	case env.Method == "Tab.attachAll":
		return s.AttachAll(ctx)
	case env.Method == "Tab.getStatus":
		return s.Status(), nil
	case strings.HasPrefix(env.Method, "Cookie."):
		return s.cookieCommand(ctx, env.Method, newArgs(env.Params))
	case strings.HasPrefix(env.Method, "Download."):
		return s.downloadCommand(ctx, env.Method, newArgs(env.Params))
	}
	return s.forward(ctx, env)
}

// Status is the Tab.getStatus snapshot.
func (s *Service) Status() types.AgentStatus {
	return s.agent.Status()
}

// Tabs lists the attached tabs.
func (s *Service) Tabs() []types.TabSummary {
	return s.agent.TabList()
}

// AttachAll attaches every eligible tab and returns the resulting tab list.
func (s *Service) AttachAll(ctx context.Context) ([]types.TabSummary, error) {
	if _, err := s.agent.AttachAll(ctx); err != nil {
		return nil, err
	}
	return s.agent.TabList(), nil
}

func (s *Service) AttachTab(ctx context.Context, tabID int) (agent.AttachResult, error) {
	if tabID <= 0 {
		return agent.AttachResult{}, types.Errorf(types.CodeValidation, "tab id must be positive")
	}
	if err := s.agent.Relay().EnsureConnected(ctx); err != nil {
		return agent.AttachResult{}, err
	}
	return s.agent.AttachTab(ctx, tabID, agent.AttachOptions{})
}

func (s *Service) DetachTab(ctx context.Context, tabID int) error {
	if !s.agent.Registry().Has(tabID) {
		return types.Errorf(types.CodeNotFound, "tab %d is not attached", tabID)
	}
	return s.agent.DetachTab(ctx, tabID, agent.ReasonToggle)
}

func (s *Service) Toggle(ctx context.Context) (bool, error) {
	return s.agent.Toggle(ctx)
}

// Envelope is the inner body of a forwardCDPCommand frame.
type Envelope struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// DecodeEnvelope validates a forwardCDPCommand params object. A missing or
// non-string session id is treated as absent.
func DecodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var body struct {
		Method    json.RawMessage `json:"method"`
		Params    json.RawMessage `json:"params"`
		SessionID json.RawMessage `json:"sessionId"`
	}
	if len(raw) == 0 {
		return Envelope{}, types.NewError(types.CodeValidation, "forwardCDPCommand requires params", nil)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Envelope{}, types.NewError(types.CodeValidation, "malformed forwardCDPCommand params", err)
	}
	var env Envelope
	_ = json.Unmarshal(body.Method, &env.Method)
	env.Method = strings.TrimSpace(env.Method)
	if env.Method == "" {
		return Envelope{}, types.NewError(types.CodeValidation, "forwardCDPCommand requires method", nil)
	}
	_ = json.Unmarshal(body.SessionID, &env.SessionID)
	if len(body.Params) > 0 && string(body.Params) != "null" {
		env.Params = body.Params
	}
	return env, nil
}
