package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/vango-go/interview-relay/pkg/gateway/live/audio"
)

const (
	IntentStart = "start"

	TypeReady   = "ready"
	TypeStatus  = "status"
	TypeError   = "error"
	TypeControl = "control"

	OpStop = "stop"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Handshake is the single control message a client sends before any audio.
type Handshake struct {
	Type    string         `json:"type,omitempty"`
	Intent  string         `json:"intent,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// RedactedForLog keeps the shape of the handshake without echoing free-form
// context values.
func (h Handshake) RedactedForLog() map[string]any {
	keys := make([]string, 0, len(h.Context))
	for k := range h.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 32 {
		keys = keys[:32]
	}
	return map[string]any{
		"intent":       h.Intent,
		"context_keys": keys,
	}
}

// DecodeHandshake parses the first client frame. The intent is read from
// "intent" and falls back to "type" for clients that send {"type":"start"}.
func DecodeHandshake(data []byte) (Handshake, error) {
	var raw struct {
		Type    string `json:"type"`
		Intent  string `json:"intent"`
		Context any    `json:"context"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Handshake{}, badRequest("invalid json frame", "")
	}

	h := Handshake{Type: strings.TrimSpace(raw.Type), Intent: strings.TrimSpace(raw.Intent)}
	if h.Intent == "" {
		h.Intent = h.Type
	}
	if h.Intent == "" {
		return Handshake{}, badRequest("handshake intent is required", "intent")
	}
	if !strings.EqualFold(h.Intent, IntentStart) {
		return Handshake{}, unsupported(fmt.Sprintf("unsupported intent %q", h.Intent), "intent")
	}
	h.Intent = IntentStart

	switch ctx := raw.Context.(type) {
	case nil:
	case map[string]any:
		h.Context = ctx
	default:
		return Handshake{}, badRequest("context must be an object", "context")
	}
	return h, nil
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DecodeClientControl parses a text frame received after the handshake.
func DecodeClientControl(data []byte) (ClientControl, error) {
	var c ClientControl
	if err := sonic.Unmarshal(data, &c); err != nil {
		return ClientControl{}, badRequest("invalid json frame", "")
	}
	c.Type = strings.TrimSpace(c.Type)
	c.Op = strings.ToLower(strings.TrimSpace(c.Op))
	if c.Type != TypeControl {
		return ClientControl{}, unsupported(fmt.Sprintf("unsupported message type %q", c.Type), "type")
	}
	if c.Op != OpStop {
		return ClientControl{}, unsupported(fmt.Sprintf("unsupported control op %q", c.Op), "op")
	}
	return c, nil
}

type ServerReady struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	AudioIn   audio.Format `json:"audio_in"`
	AudioOut  audio.Format `json:"audio_out"`
}

func NewServerReady(sessionID string) ServerReady {
	return ServerReady{
		Type:      TypeReady,
		SessionID: sessionID,
		AudioIn:   audio.ClientFormat,
		AudioOut:  audio.UpstreamFormat,
	}
}

// Status is the terminal frame sent before the server closes a session.
type Status struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	State       string `json:"state"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

type ServerError struct {
	Type    string         `json:"type"`
	Scope   string         `json:"scope"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Close   bool           `json:"close"`
	Details map[string]any `json:"details,omitempty"`
}

func Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}
