// Package supervisor turns one inbound connection into exactly one relay
// session and reports how it ended.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
	"github.com/vango-go/interview-relay/pkg/gateway/live/sessions"
)

// Sink receives terminal session reports.
type Sink interface {
	Record(ctx context.Context, r relay.Report) error
}

// Client is the channel the supervisor drives. Warn delivers out-of-band
// notices such as a pending shutdown.
type Client interface {
	relay.ClientChannel
	Warn(code, message string) error
}

type Config struct {
	SystemInstruction  string
	HandshakeTimeout   time.Duration
	ConnectTimeout     time.Duration
	DrainGrace         time.Duration
	MaxSessionDuration time.Duration
	// ReportTimeout bounds how long writing the report may take.
	ReportTimeout time.Duration
}

type Dependencies struct {
	Connector relay.Connector
	Tracker   *sessions.Tracker
	Observer  relay.Observer
	Sink      Sink
	Logger    *slog.Logger
	// ReportFailed is called when Sink.Record returns an error.
	ReportFailed func(error)
	NewID        func() string
}

// Meta describes the inbound connection.
type Meta struct {
	RequestID  string
	RemoteAddr string
	Origin     string
}

type Supervisor struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) (*Supervisor, error) {
	if deps.Connector == nil {
		return nil, fmt.Errorf("supervisor: upstream connector is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = NewSessionID
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	return &Supervisor{cfg: cfg, deps: deps}, nil
}

// NewSessionID returns an opaque session identifier.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// Admit reserves capacity for one session. Callers check admission before
// upgrading the connection so a refusal can still be an HTTP response.
func (s *Supervisor) Admit() (release func(), err error) {
	return s.deps.Tracker.Admit()
}

// Serve runs one session over client until it reaches a terminal state. It
// never retries: each call is one session attempt. The caller keeps
// ownership of the admission slot.
func (s *Supervisor) Serve(ctx context.Context, client Client, meta Meta) relay.Report {
	sessionID := s.deps.NewID()
	logger := s.deps.Logger.With("session_id", sessionID)
	if meta.RequestID != "" {
		logger = logger.With("request_id", meta.RequestID)
	}

	engine, err := relay.New(relay.Config{
		SessionID:         sessionID,
		SystemInstruction: s.cfg.SystemInstruction,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		ConnectTimeout:    s.cfg.ConnectTimeout,
		DrainGrace:        s.cfg.DrainGrace,
	}, relay.Dependencies{
		Client:    client,
		Connector: s.deps.Connector,
		Observer:  s.deps.Observer,
		Logger:    logger,
	})
	if err != nil {
		// Only reachable through a programming error; close the channel so
		// the client is not left hanging.
		logger.Error("session setup failed", "error", err)
		cause := relay.NewError(relay.KindUpstreamDisconnected, relay.DirectionNone, fmt.Errorf("%w: %v", relay.ErrNonRecoverable, err))
		rep := relay.Report{SessionID: sessionID, State: relay.StateFailed, Cause: cause}
		_ = client.Close(rep.Status())
		return rep
	}

	runCtx := ctx
	if s.cfg.MaxSessionDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxSessionDuration)
		defer cancel()
	}

	unregister := s.deps.Tracker.Register(sessionID, sessions.Handle{
		Cancel:    engine.Cancel,
		Warn:      client.Warn,
		State:     func() string { return engine.State().String() },
		StartedAt: time.Now(),
	})
	defer unregister()

	logger.Debug("session accepted", "remote_addr", meta.RemoteAddr, "origin", meta.Origin)
	rep := engine.Run(runCtx)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Info("session reached max duration", "max_duration", s.cfg.MaxSessionDuration.String())
	}

	s.record(logger, rep)
	return rep
}

func (s *Supervisor) record(logger *slog.Logger, rep relay.Report) {
	if s.deps.Sink == nil {
		return
	}
	// The session context is already done; reports outlive it.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReportTimeout)
	defer cancel()
	if err := s.deps.Sink.Record(ctx, rep); err != nil {
		logger.Warn("session report failed", "error", err)
		if s.deps.ReportFailed != nil {
			s.deps.ReportFailed(err)
		}
	}
}
