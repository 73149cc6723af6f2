package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/interview-relay/pkg/gateway/config"
	"github.com/vango-go/interview-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/interview-relay/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	// Sinks names the report sinks that are enabled.
	Sinks []string
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		Model          string   `json:"model"`
		ActiveSessions int      `json:"active_sessions"`
		MaxSessions    int      `json:"max_sessions"`
		Backpressure   string   `json:"backpressure"`
		Sinks          []string `json:"sinks,omitempty"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.GoogleAPIKey == "" {
		issues = append(issues, "upstream credential is not configured")
	}
	if h.Config.Model == "" {
		issues = append(issues, "model is not configured")
	}
	if h.Config.MaxSessions <= 0 {
		issues = append(issues, "max sessions must be > 0")
	}
	if h.Config.HandshakeTimeout <= 0 || h.Config.UpstreamConnectTimeout <= 0 || h.Config.DrainGrace <= 0 {
		issues = append(issues, "session timeouts must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		Model:          h.Config.Model,
		ActiveSessions: h.Sessions.Count(),
		MaxSessions:    h.Sessions.Capacity(),
		Backpressure:   h.Config.Backpressure,
		Sinks:          h.Sinks,
		Issues:         issues,
	})
}

// OutcomeSource reports aggregated session outcomes, e.g. from Redis.
type OutcomeSource interface {
	Outcomes(ctx context.Context) (map[string]int64, error)
}

// InfoHandler serves GET / with a short status summary.
type InfoHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Outcomes  OutcomeSource
	Logger    *slog.Logger
}

func (h InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, r)
		return
	}

	type infoResp struct {
		Msg            string           `json:"msg"`
		UptimeSeconds  int64            `json:"uptime_seconds"`
		ActiveSessions int              `json:"active_sessions"`
		Draining       bool             `json:"draining"`
		Outcomes       map[string]int64 `json:"outcomes,omitempty"`
	}

	resp := infoResp{
		Msg:            "AI interview relay up!",
		UptimeSeconds:  int64(h.Lifecycle.Uptime(time.Now()) / time.Second),
		ActiveSessions: h.Sessions.Count(),
		Draining:       h.Lifecycle.IsDraining(),
	}
	if h.Outcomes != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		outcomes, err := h.Outcomes.Outcomes(ctx)
		cancel()
		if err != nil {
			if h.Logger != nil {
				h.Logger.Warn("read session outcomes", "error", err)
			}
		} else {
			resp.Outcomes = outcomes
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
