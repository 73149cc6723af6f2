package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultDrainGrace       = 2 * time.Second
)

// ErrChunkDropped is returned by ClientChannel.SendAudio when the channel's
// backpressure policy discarded the chunk. The pump keeps running.
var ErrChunkDropped = errors.New("relay: chunk dropped")

type Config struct {
	SessionID         string
	SystemInstruction string
	HandshakeTimeout  time.Duration
	ConnectTimeout    time.Duration
	// DrainGrace bounds how long teardown waits for the pumps to return.
	DrainGrace time.Duration
}

type Dependencies struct {
	Client    ClientChannel
	Connector Connector
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine drives a single session. Run may be called once.
type Engine struct {
	cfg       Config
	client    ClientChannel
	connector Connector
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	ran    atomic.Bool

	mu    sync.Mutex
	state State
	// ended is set by the first pump to finish; later pumps only record
	// secondary errors.
	ended bool
	cause *Error

	// sendSlot serializes every write to the client channel. It is a
	// channel so teardown can give up waiting on a stuck write.
	sendSlot chan struct{}
	closing  atomic.Bool

	chunksIn  atomic.Int64
	chunksOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	dropped   atomic.Int64
}

func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("relay: client channel is required")
	}
	if deps.Connector == nil {
		return nil, fmt.Errorf("relay: upstream connector is required")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, fmt.Errorf("relay: session id is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		client:    deps.Client,
		connector: deps.Connector,
		observer:  observer,
		logger:    logger.With("session_id", cfg.SessionID),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		sendSlot:  make(chan struct{}, 1),
	}, nil
}

func (e *Engine) SessionID() string { return e.cfg.SessionID }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancel asks a running session to drain. It behaves like the caller's
// context being cancelled: the session ends Closed without a cause.
func (e *Engine) Cancel() {
	e.cancel()
}

func (e *Engine) setState(to State) bool {
	e.mu.Lock()
	from := e.state
	if !canTransition(from, to) {
		e.mu.Unlock()
		e.logger.Debug("ignored state transition", "from", from.String(), "to", to.String())
		return false
	}
	e.state = to
	e.mu.Unlock()

	e.logger.Debug("session state", "from", from.String(), "to", to.String())
	e.observer.StateChanged(e.cfg.SessionID, from, to)
	return true
}

// Run executes the session to a terminal state and returns its report.
func (e *Engine) Run(parent context.Context) Report {
	if !e.ran.CompareAndSwap(false, true) {
		return Report{SessionID: e.cfg.SessionID, State: e.State()}
	}
	defer e.cancel()

	ctx, stop := mergeCancel(parent, e.ctx)
	defer stop()

	rep := Report{SessionID: e.cfg.SessionID, StartedAt: e.now()}
	e.setState(StateAwaitingHandshake)

	hctx, hcancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	hs, err := e.client.AcceptHandshake(hctx)
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded)
	hcancel()
	if err != nil {
		kind := KindHandshakeInvalid
		// A shutdown during the handshake is reported like a timeout so the
		// client may retry elsewhere.
		if timedOut || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			kind = KindHandshakeTimeout
		}
		return e.fail(rep, Classify(err, DirectionNone, kind))
	}
	rep.Intent = hs.Intent

	cctx, ccancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	up, err := e.connector.Connect(cctx, UpstreamConfig{
		ResponseModality:  ModalityAudio,
		SystemInstruction: ComposeInstruction(e.cfg.SystemInstruction, hs.Context),
	})
	ccancel()
	if err != nil {
		return e.fail(rep, Classify(err, DirectionNone, KindUpstreamDisconnected))
	}
	guard := &upstreamGuard{UpstreamSession: up}
	defer guard.Close()

	e.setState(StateActive)
	e.logger.Info("session started", "intent", hs.Intent)

	var secondary []error
	if err := e.writeClient(func() error { return e.client.Ready(ctx, e.cfg.SessionID) }); err != nil {
		e.markEnded(Classify(err, DirectionUpstreamToClient, KindSendFailed))
		e.setState(StateDraining)
	} else {
		secondary = e.pump(ctx, guard)
	}

	if err := guard.Close(); err != nil {
		secondary = append(secondary, fmt.Errorf("close upstream: %w", err))
	}
	e.mu.Lock()
	cause := e.cause
	e.mu.Unlock()

	rep.State = StateClosed
	rep.Cause = cause
	if err := e.closeClient(rep); err != nil {
		secondary = append(secondary, fmt.Errorf("close client: %w", err))
	}
	e.setState(StateClosed)
	rep.Errors = secondary
	return e.finish(rep)
}

// pump runs both directions until the first one ends, then cancels the
// other and waits up to DrainGrace for it.
func (e *Engine) pump(ctx context.Context, up UpstreamSession) []error {
	pctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(pctx)
	ended := make(chan *Error, 2)
	g.Go(func() error {
		re := e.pumpUpstream(gctx, up)
		ended <- re
		return asErr(re)
	})
	g.Go(func() error {
		re := e.pumpDownstream(gctx, up)
		ended <- re
		return asErr(re)
	})

	select {
	case <-ctx.Done():
		e.markEnded(nil)
	case re := <-ended:
		e.markEnded(re)
	}
	e.setState(StateDraining)

	// Cancelling the pump context unblocks client reads; closing the upstream
	// unblocks a Receive that ignores ctx. Neither may wait on a client write.
	stop()
	_ = up.Close()
	e.closing.Store(true)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	var secondary []error
	timer := time.NewTimer(e.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("pumps did not stop within drain grace", "grace", e.cfg.DrainGrace)
		secondary = append(secondary, fmt.Errorf("pumps still running after %s", e.cfg.DrainGrace))
		return secondary
	}

	close(ended)
	e.mu.Lock()
	cause := e.cause
	e.mu.Unlock()
	for re := range ended {
		if re == nil || re == cause {
			continue
		}
		secondary = append(secondary, re)
	}
	return secondary
}

func (e *Engine) markEnded(re *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	e.ended = true
	e.cause = re
}

// pumpUpstream forwards client audio to the upstream in arrival order.
func (e *Engine) pumpUpstream(ctx context.Context, up UpstreamSession) *Error {
	for {
		chunk, err := e.client.ReceiveAudio(ctx)
		if err != nil {
			if ctx.Err() != nil && isCancellation(err) {
				return nil
			}
			return Classify(err, DirectionClientToUpstream, KindClientDisconnected)
		}
		if chunk.IsEmpty() {
			continue
		}
		if err := up.SendChunk(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return Classify(err, DirectionClientToUpstream, KindSendFailed)
		}
		e.chunksIn.Add(1)
		e.bytesIn.Add(int64(chunk.Len()))
		e.observer.ChunkForwarded(e.cfg.SessionID, DirectionClientToUpstream, chunk.Len())
	}
}

// pumpDownstream forwards upstream audio to the client in arrival order.
func (e *Engine) pumpDownstream(ctx context.Context, up UpstreamSession) *Error {
	for {
		chunk, err := up.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isEndOfStream(err) {
				return NewError(KindUpstreamDisconnected, DirectionUpstreamToClient, err)
			}
			return Classify(err, DirectionUpstreamToClient, KindUpstreamDisconnected)
		}
		if chunk.IsEmpty() {
			continue
		}
		err = e.writeClient(func() error { return e.client.SendAudio(ctx, chunk) })
		switch {
		case err == nil:
			e.chunksOut.Add(1)
			e.bytesOut.Add(int64(chunk.Len()))
			e.observer.ChunkForwarded(e.cfg.SessionID, DirectionUpstreamToClient, chunk.Len())
		case errors.Is(err, ErrChunkDropped):
			e.dropped.Add(1)
			e.observer.ChunkDropped(e.cfg.SessionID, DirectionUpstreamToClient, chunk.Len())
		case errors.Is(err, errClientClosing), ctx.Err() != nil:
			return nil
		default:
			return Classify(err, DirectionUpstreamToClient, KindSendFailed)
		}
	}
}

var errClientClosing = errors.New("relay: client channel closing")

func (e *Engine) writeClient(fn func() error) error {
	if e.closing.Load() {
		return errClientClosing
	}
	e.sendSlot <- struct{}{}
	defer func() { <-e.sendSlot }()
	if e.closing.Load() {
		return errClientClosing
	}
	return fn()
}

// closeClient waits up to DrainGrace for an in-flight client write, then
// closes the channel regardless.
func (e *Engine) closeClient(rep Report) error {
	e.closing.Store(true)

	timer := time.NewTimer(e.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case e.sendSlot <- struct{}{}:
		defer func() { <-e.sendSlot }()
	case <-timer.C:
		e.logger.Warn("client write still in flight; closing anyway", "grace", e.cfg.DrainGrace)
	}
	return e.client.Close(rep.Status())
}

// fail ends a session that never reached Active. No pump was started.
func (e *Engine) fail(rep Report, cause *Error) Report {
	e.mu.Lock()
	e.ended = true
	e.cause = cause
	e.mu.Unlock()

	e.setState(StateFailed)
	rep.State = StateFailed
	rep.Cause = cause
	if err := e.closeClient(rep); err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("close client: %w", err))
	}
	return e.finish(rep)
}

func (e *Engine) finish(rep Report) Report {
	rep.EndedAt = e.now()
	rep.ChunksIn = e.chunksIn.Load()
	rep.ChunksOut = e.chunksOut.Load()
	rep.BytesIn = e.bytesIn.Load()
	rep.BytesOut = e.bytesOut.Load()
	rep.Dropped = e.dropped.Load()

	attrs := []any{
		"state", rep.State.String(),
		"cause", rep.CauseKind(),
		"duration_ms", rep.Duration().Milliseconds(),
		"chunks_in", rep.ChunksIn,
		"chunks_out", rep.ChunksOut,
		"dropped", rep.Dropped,
	}
	if rep.Cause != nil {
		attrs = append(attrs, "direction", rep.Cause.Direction.String(), "recoverable", rep.Cause.Recoverable, "error", rep.Cause.Error())
	}
	if len(rep.Errors) > 0 {
		attrs = append(attrs, "secondary_errors", len(rep.Errors))
	}
	if rep.State == StateFailed {
		e.logger.Warn("session failed", attrs...)
	} else {
		e.logger.Info("session closed", attrs...)
	}
	e.observer.SessionEnded(rep)
	return rep
}

func asErr(re *Error) error {
	if re == nil {
		return nil
	}
	return re
}

// mergeCancel returns a context cancelled when either parent is done. Values
// and deadline come from a.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// upstreamGuard makes Close safe to call from teardown and from the deferred
// release on every exit path.
type upstreamGuard struct {
	UpstreamSession
	once sync.Once
	err  error
}

func (g *upstreamGuard) Close() error {
	g.once.Do(func() {
		g.err = g.UpstreamSession.Close()
	})
	return g.err
}

var _ UpstreamSession = (*upstreamGuard)(nil)
