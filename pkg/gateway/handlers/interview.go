package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/interview-relay/pkg/gateway/apierror"
	"github.com/vango-go/interview-relay/pkg/gateway/config"
	"github.com/vango-go/interview-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/interview-relay/pkg/gateway/live/channel"
	"github.com/vango-go/interview-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
	"github.com/vango-go/interview-relay/pkg/gateway/live/supervisor"
	"github.com/vango-go/interview-relay/pkg/gateway/mw"
)

// SessionSupervisor is implemented by *supervisor.Supervisor.
type SessionSupervisor interface {
	Admit() (release func(), err error)
	Serve(ctx context.Context, client supervisor.Client, meta supervisor.Meta) relay.Report
}

// RejectionRecorder counts connections refused before a session starts.
type RejectionRecorder interface {
	RecordRejected(reason string)
}

// InterviewHandler upgrades /interview to a WebSocket and runs one session
// on it.
type InterviewHandler struct {
	Config     config.Config
	Supervisor SessionSupervisor
	Lifecycle  *lifecycle.Lifecycle
	Rejections RejectionRecorder
	Logger     *slog.Logger
}

func (h InterviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	if !mw.IsWebSocketUpgrade(r) {
		apierror.Write(w, http.StatusUpgradeRequired, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "websocket upgrade required", Code: "upgrade_required", RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		h.reject("forbidden_origin")
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	// Refusals after the origin check are delivered in-band so browser
	// clients can read the reason.
	if h.Lifecycle.IsDraining() {
		h.reject("draining")
		h.rejectWS(upgrader, w, r, "draining", "relay is draining")
		return
	}
	release, err := h.Supervisor.Admit()
	if err != nil {
		h.reject("at_capacity")
		h.rejectWS(upgrader, w, r, "overloaded", "too many active interview sessions")
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := channel.New(conn, h.channelConfig(), h.logger().With("request_id", reqID))
	h.Supervisor.Serve(r.Context(), client, supervisor.Meta{
		RequestID:  reqID,
		RemoteAddr: r.RemoteAddr,
		Origin:     r.Header.Get("Origin"),
	})
}

func (h InterviewHandler) channelConfig() channel.Config {
	backpressure, err := channel.ParseBackpressure(h.Config.Backpressure)
	if err != nil {
		backpressure = channel.BackpressureBlock
	}
	return channel.Config{
		MaxHandshakeBytes:      h.Config.MaxHandshakeBytes,
		MaxFrameBytes:          int64(h.Config.MaxAudioFrameBytes),
		ReadTimeout:            h.Config.WSReadTimeout,
		PingInterval:           h.Config.WSPingInterval,
		WriteTimeout:           h.Config.WSWriteTimeout,
		OutboundQueueSize:      h.Config.OutboundQueueSize,
		Backpressure:           backpressure,
		MaxAudioFPS:            h.Config.MaxAudioFPS,
		MaxAudioBytesPerSecond: h.Config.MaxAudioBytesPerSecond,
		InboundBurstSeconds:    h.Config.InboundBurstSeconds,
	}
}

// An empty allowlist accepts any origin.
func (h InterviewHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h InterviewHandler) rejectWS(upgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, code, message string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writeWSError(conn, code, message, websocket.CloseTryAgainLater)
}

func (h InterviewHandler) reject(reason string) {
	if h.Rejections != nil {
		h.Rejections.RecordRejected(reason)
	}
	h.logger().Debug("interview connection rejected", "reason", reason)
}

func (h InterviewHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeWSError(conn *websocket.Conn, code, message string, closeCode int) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	payload, err := protocol.Encode(protocol.ServerError{Type: protocol.TypeError, Scope: "session", Code: code, Message: message, Close: true})
	if err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), time.Now().Add(2*time.Second))
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
}
