// Package api serves the local status and control API of the relay agent.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabrelay/internal/agent"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

type Service interface {
	Status() types.AgentStatus
	Tabs() []types.TabSummary
	AttachAll(ctx context.Context) ([]types.TabSummary, error)
	AttachTab(ctx context.Context, tabID int) (agent.AttachResult, error)
	DetachTab(ctx context.Context, tabID int) error
	Toggle(ctx context.Context) (bool, error)
	CheckRelay(ctx context.Context) controller.RelayCheck
}

// Options carries the indicator state and event stream exposed next to the
// service.
type Options struct {
	Badges func() status.Badges
	Broker *status.Broker
}

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Browser tab id"`
}

type statusOutput struct {
	Body types.AgentStatus
}

type tabsOutput struct {
	Body struct {
		Tabs []types.TabSummary `json:"tabs"`
	}
}

type attachOutput struct {
	Body agent.AttachResult
}

type detachOutput struct {
	Body struct {
		TabID    int  `json:"tabId"`
		Detached bool `json:"detached"`
	}
}

type toggleOutput struct {
	Body struct {
		Attached bool               `json:"attached"`
		Tabs     []types.TabSummary `json:"tabs"`
	}
}

type badgesOutput struct {
	Body status.Badges
}

type relayCheckOutput struct {
	Body controller.RelayCheck
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabrelay agent API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if opts.Broker != nil {
		router.Get("/api/v1/events", status.SSEHandler(opts.Broker))
	}

	registerHealthHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerRelayHandlers(api, svc, opts)

	return router
}

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status  string        `json:"status"`
			WSState types.WSState `json:"wsState"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.WSState = svc.Status().WSState
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Relay connection and attached tabs", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status()}, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = svc.Tabs()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "attach-all-tabs", Method: http.MethodPost, Path: "/api/v1/tabs/attach-all", Summary: "Attach every eligible tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tabs, err := svc.AttachAll(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "attach-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/attach", Summary: "Attach one tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*attachOutput, error) {
			res, err := svc.AttachTab(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &attachOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "detach-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/detach", Summary: "Detach one tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*detachOutput, error) {
			if err := svc.DetachTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &detachOutput{}
			out.Body.TabID = input.TabID
			out.Body.Detached = true
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "toggle", Method: http.MethodPost, Path: "/api/v1/toggle", Summary: "Detach all tabs, or reconnect and attach all", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*toggleOutput, error) {
			attached, err := svc.Toggle(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &toggleOutput{}
			out.Body.Attached = attached
			out.Body.Tabs = svc.Tabs()
			return out, nil
		})
}

func registerRelayHandlers(api huma.API, svc Service, opts Options) {
	huma.Register(api, huma.Operation{OperationID: "check-relay", Method: http.MethodGet, Path: "/api/v1/relay/check", Summary: "Probe the relay with the configured token", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*relayCheckOutput, error) {
			return &relayCheckOutput{Body: svc.CheckRelay(ctx)}, nil
		})

	if opts.Badges == nil {
		return
	}
	huma.Register(api, huma.Operation{OperationID: "get-badges", Method: http.MethodGet, Path: "/api/v1/badges", Summary: "Current tab and global indicators", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*badgesOutput, error) {
			return &badgesOutput{Body: opts.Badges()}, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := types.Message(err)
	switch types.CodeOf(err) {
	case types.CodeValidation:
		return huma.Error400BadRequest(msg)
	case types.CodeNotFound, types.CodeNoAttachedTab:
		return huma.Error404NotFound(msg)
	case types.CodeTabBusy:
		return huma.Error409Conflict(msg)
	case types.CodeAttachFailed:
		if errors.Is(err, agent.ErrTabBusy) {
			return huma.Error409Conflict(msg)
		}
		return huma.Error502BadGateway(msg)
	case types.CodeConnectTimeout:
		return huma.Error504GatewayTimeout(msg)
	case types.CodeRelayUnreachable, types.CodeConnectFailed, types.CodeHandshakeRejected,
		types.CodeNotConnected, types.CodeHostUnavailable:
		return huma.Error502BadGateway(msg)
	case "":
		return huma.Error500InternalServerError(err.Error())
	default:
		return huma.Error500InternalServerError(types.CodeOf(err) + ": " + msg)
	}
}
