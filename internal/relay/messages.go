package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire method names.
const (
	MethodForwardCommand = "forwardCDPCommand"
	MethodForwardEvent   = "forwardCDPEvent"
	MethodPing           = "ping"
	MethodPong           = "pong"
)

const (
	protocolVersion   = 3
	clientID          = "chrome-relay-extension"
	clientVersion     = "1.0.0"
	clientPlatform    = "chrome-extension"
	clientMode        = "webchat"
	operatorRole      = "operator"
	challengeEvent    = "connect.challenge"
	connectIDPrefix   = "ext-connect-"
	policyCloseReason = "gateway connect failed"
)

var operatorScopes = []string{"operator.read", "operator.write"}

// frameKind tags an inbound frame after decoding.
type frameKind int

const (
	kindUnknown frameKind = iota
	kindChallenge
	kindHandshakeResult
	kindPing
	kindReply
	kindCommand
	kindUnknownRequest
)

// inbound is the decoded form of one relay frame.
type inbound struct {
	kind frameKind

	nonce string // challenge

	resID  string // handshake result
	ok     bool
	errMsg string // handshake result or reply

	id     int64 // reply or command
	result json.RawMessage

	method string // command
	params json.RawMessage
}

type rawFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	ID      json.RawMessage `json:"id"`
	OK      *bool           `json:"ok"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// decodeFrame classifies a relay frame. Frames that are valid JSON but match
// nothing come back as kindUnknown and are ignored by the caller.
func decodeFrame(data []byte) (inbound, error) {
	var f rawFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inbound{}, fmt.Errorf("relay: decode frame: %w", err)
	}

	if f.Type == "event" && f.Event == challengeEvent {
		var payload struct {
			Nonce string `json:"nonce"`
		}
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &payload)
		}
		return inbound{kind: kindChallenge, nonce: payload.Nonce}, nil
	}

	if f.Type == "res" {
		var id string
		if err := json.Unmarshal(f.ID, &id); err == nil && id != "" {
			in := inbound{kind: kindHandshakeResult, resID: id, ok: f.OK != nil && *f.OK}
			if !in.ok {
				in.errMsg = errorText(f.Error)
			}
			return in, nil
		}
	}

	if f.Method == MethodPing {
		return inbound{kind: kindPing}, nil
	}

	id, numeric := numericID(f.ID)
	if !numeric {
		return inbound{kind: kindUnknown}, nil
	}

	switch {
	case f.Method == MethodForwardCommand:
		return inbound{kind: kindCommand, id: id, method: f.Method, params: f.Params}, nil
	case f.Method != "":
		return inbound{kind: kindUnknownRequest, id: id, method: f.Method}, nil
	case len(f.Error) > 0 && !isNull(f.Error):
		return inbound{kind: kindReply, id: id, errMsg: errorText(f.Error)}, nil
	case len(f.Result) > 0:
		return inbound{kind: kindReply, id: id, result: f.Result}, nil
	}
	return inbound{kind: kindUnknown}, nil
}

func numericID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// errorText accepts either a bare string or an object with a message field.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type connectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      clientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps"`
	Commands    []string     `json:"commands"`
	Nonce       string       `json:"nonce,omitempty"`
	Auth        *connectAuth `json:"auth,omitempty"`
}

type connectRequest struct {
	Type   string        `json:"type"`
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params connectParams `json:"params"`
}

func newConnectRequest(id, nonce, gatewayToken string) connectRequest {
	req := connectRequest{
		Type:   "req",
		ID:     id,
		Method: "connect",
		Params: connectParams{
			MinProtocol: protocolVersion,
			MaxProtocol: protocolVersion,
			Client: clientInfo{
				ID:       clientID,
				Version:  clientVersion,
				Platform: clientPlatform,
				Mode:     clientMode,
			},
			Role:     operatorRole,
			Scopes:   operatorScopes,
			Caps:     []string{},
			Commands: []string{},
			Nonce:    nonce,
		},
	}
	if gatewayToken != "" {
		req.Params.Auth = &connectAuth{Token: gatewayToken}
	}
	return req
}

// EventParams is the body of a forwardCDPEvent frame.
type EventParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

type eventFrame struct {
	Method string      `json:"method"`
	Params EventParams `json:"params"`
}

type requestFrame struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type resultFrame struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

type errorFrame struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

type pongFrame struct {
	Method string `json:"method"`
}

// Command is an inbound forwardCDPCommand frame awaiting a reply.
type Command struct {
	ID     int64
	Params json.RawMessage
}
