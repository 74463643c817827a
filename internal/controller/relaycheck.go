package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/relay"
)

const relayCheckTimeout = 2 * time.Second

// Relay check outcomes.
const (
	CheckOK    = "ok"
	CheckError = "error"
)

// RelayCheck is the result of probing the relay's authenticated HTTP
// endpoint.
type RelayCheck struct {
	Kind       string         `json:"kind" doc:"ok or error"`
	Message    string         `json:"message"`
	Port       int            `json:"port"`
	StatusCode int            `json:"statusCode,omitempty"`
	Version    map[string]any `json:"version,omitempty"`
}

// CheckRelay requests /json/version with the derived relay token and
// classifies the outcome for an operator.
func (s *Service) CheckRelay(ctx context.Context) RelayCheck {
	port, token := 0, ""
	if s.opts.Settings != nil {
		port, token = s.opts.Settings()
	}
	out := RelayCheck{Kind: CheckError, Port: port}
	base := relay.HTTPBase(port) + "/"
	token = strings.TrimSpace(token)
	if token == "" {
		out.Message = "Gateway token required. Save your gateway token to connect."
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, relayCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relay.HTTPBase(port)+"/json/version", nil)
	if err != nil {
		out.Message = err.Error()
		return out
	}
	req.Header.Set(relay.TokenHeader, relay.DeriveToken(token, port))
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		out.Message = fmt.Sprintf("Relay not reachable at %s. Start the gateway relay and retry.", base)
		return out
	}
	defer resp.Body.Close()
	out.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		out.Message = fmt.Sprintf("Gateway token rejected by relay at %s (HTTP %d).", base, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		out.Message = fmt.Sprintf("Relay at %s answered HTTP %d.", base, resp.StatusCode)
	default:
		out.Kind = CheckOK
		out.Message = fmt.Sprintf("Relay reachable and authenticated at %s", base)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var version map[string]any
		if json.Unmarshal(body, &version) == nil {
			out.Version = version
		}
	}
	return out
}
