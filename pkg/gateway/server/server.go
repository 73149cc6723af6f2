package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/interview-relay/pkg/gateway/config"
	"github.com/vango-go/interview-relay/pkg/gateway/handlers"
	"github.com/vango-go/interview-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
	"github.com/vango-go/interview-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/interview-relay/pkg/gateway/live/supervisor"
	"github.com/vango-go/interview-relay/pkg/gateway/metrics"
	"github.com/vango-go/interview-relay/pkg/gateway/mw"
)

// Dependencies are the collaborators built by the caller from configuration.
type Dependencies struct {
	Connector relay.Connector
	Sink      supervisor.Sink
	// SinkNames lists enabled report sinks for /readyz.
	SinkNames []string
	Outcomes  handlers.OutcomeSource
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle  *lifecycle.Lifecycle
	sessions   *sessions.Tracker
	metrics    *metrics.Metrics
	supervisor *supervisor.Supervisor
	deps       Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}

	tracker := sessions.NewTracker(cfg.MaxSessions)
	sup, err := supervisor.New(supervisor.Config{
		SystemInstruction:  cfg.SystemInstruction,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		ConnectTimeout:     cfg.UpstreamConnectTimeout,
		DrainGrace:         cfg.DrainGrace,
		MaxSessionDuration: cfg.MaxSessionDuration,
	}, supervisor.Dependencies{
		Connector:    deps.Connector,
		Tracker:      tracker,
		Observer:     deps.Metrics,
		Sink:         deps.Sink,
		Logger:       logger,
		ReportFailed: func(error) { deps.Metrics.RecordReportError() },
	})
	if err != nil {
		return nil, fmt.Errorf("build supervisor: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		lifecycle:  lifecycle.New(time.Now()),
		sessions:   tracker,
		metrics:    deps.Metrics,
		supervisor: sup,
		deps:       deps,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/{$}", handlers.InfoHandler{
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Outcomes:  s.deps.Outcomes,
		Logger:    s.logger,
	})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Sinks:     s.deps.SinkNames,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/interview", handlers.InterviewHandler{
		Config:     s.cfg,
		Supervisor: s.supervisor,
		Lifecycle:  s.lifecycle,
		Rejections: s.metrics,
		Logger:     s.logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops admitting new sessions and fails readiness.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.sessions.BeginDrain("draining", "relay is shutting down; the session will end soon")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}
