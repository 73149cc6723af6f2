// Package upstream connects interview sessions to the Gemini Live API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"

	"github.com/vango-go/interview-relay/pkg/gateway/live/audio"
	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

const DefaultModel = "gemini-2.5-flash-preview-native-audio-dialog"

type Config struct {
	APIKey string
	Model  string
	// ConnectRetries is the number of extra attempts after a transient
	// connect failure. Zero means a single attempt.
	ConnectRetries int
	RetryBase      time.Duration
	// InputFormat labels client audio when a chunk carries no format.
	InputFormat audio.Format
	// OutputFormat is assumed for generated audio whose MIME type has no rate.
	OutputFormat audio.Format
}

// liveSession is the part of *genai.Session the relay uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type liveDialer interface {
	Connect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)
}

type genaiDialer struct {
	live *genai.Live
}

func (d genaiDialer) Connect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	s, err := d.live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GeminiConnector opens one Gemini Live session per relay session.
type GeminiConnector struct {
	cfg    Config
	dialer liveDialer
	logger *slog.Logger
}

func NewGeminiConnector(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiConnector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("upstream: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: create genai client: %w", err)
	}
	return newGeminiConnector(cfg, genaiDialer{live: client.Live}, logger), nil
}

func newGeminiConnector(cfg Config, dialer liveDialer, logger *slog.Logger) *GeminiConnector {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.InputFormat == (audio.Format{}) {
		cfg.InputFormat = audio.ClientFormat
	}
	if cfg.OutputFormat == (audio.Format{}) {
		cfg.OutputFormat = audio.UpstreamFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiConnector{cfg: cfg, dialer: dialer, logger: logger}
}

func (c *GeminiConnector) Model() string { return c.cfg.Model }

// Connect dials the Live API, retrying transient failures with exponential
// backoff. Every failure is reported as KindUpstreamDisconnected.
func (c *GeminiConnector) Connect(ctx context.Context, cfg relay.UpstreamConfig) (relay.UpstreamSession, error) {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = relay.ModalityAudio
	}
	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(modality)},
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		connectCfg.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}

	backoff := retry.WithMaxRetries(uint64(c.cfg.ConnectRetries), retry.NewExponential(c.cfg.RetryBase))
	attempt := 0
	var live liveSession
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s, err := c.dial(ctx, connectCfg)
		if err == nil {
			live = s
			return nil
		}
		if isTransient(err) {
			c.logger.Warn("upstream connect failed", "model", c.cfg.Model, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, relay.NewError(relay.KindUpstreamDisconnected, relay.DirectionNone,
			fmt.Errorf("connect %s after %d attempt(s): %w", c.cfg.Model, attempt, err))
	}
	return newSession(live, c.cfg.InputFormat, c.cfg.OutputFormat, c.logger), nil
}

// dial bounds Connect by ctx; the SDK's dialer does not observe it.
func (c *GeminiConnector) dial(ctx context.Context, cfg *genai.LiveConnectConfig) (liveSession, error) {
	type result struct {
		s   liveSession
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.dialer.Connect(ctx, c.cfg.Model, cfg)
		done <- result{s: s, err: err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// isTransient reports failures worth another connect attempt: network
// timeouts, refused or reset dials, and 5xx/429 API responses.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

type receiveResult struct {
	msg *genai.LiveServerMessage
	err error
}

// Session adapts a Gemini Live session to relay.UpstreamSession. A reader
// goroutine owns the SDK's Receive so Receive can honor its context.
type Session struct {
	live   liveSession
	in     audio.Format
	out    audio.Format
	logger *slog.Logger

	sendMu sync.Mutex

	msgs    chan receiveResult
	pending []audio.Chunk

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(live liveSession, in, out audio.Format, logger *slog.Logger) *Session {
	s := &Session{
		live:   live,
		in:     in,
		out:    out,
		logger: logger,
		msgs:   make(chan receiveResult, 8),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.msgs)
	for {
		msg, err := s.live.Receive()
		select {
		case s.msgs <- receiveResult{msg: msg, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) SendChunk(ctx context.Context, chunk audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return relay.NewError(relay.KindUpstreamDisconnected, relay.DirectionNone, net.ErrClosed)
	}
	if chunk.IsEmpty() {
		return nil
	}
	format := chunk.Format()
	if format == (audio.Format{}) {
		format = s.in
	}

	s.sendMu.Lock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk.Bytes(), MIMEType: format.MIMEType()},
	})
	s.sendMu.Unlock()
	if err == nil {
		return nil
	}
	if s.closed.Load() || isDisconnect(err) {
		return relay.NewError(relay.KindUpstreamDisconnected, relay.DirectionNone, err)
	}
	return relay.NewError(relay.KindSendFailed, relay.DirectionNone, err)
}

// Receive returns the next generated audio chunk, or io.EOF once the
// upstream has finished or the session was closed.
func (s *Session) Receive(ctx context.Context) (audio.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		select {
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		case <-s.done:
			return audio.Chunk{}, io.EOF
		case r, ok := <-s.msgs:
			if !ok {
				return audio.Chunk{}, io.EOF
			}
			if r.err != nil {
				return audio.Chunk{}, s.receiveError(r.err)
			}
			chunks, err := s.extract(r.msg)
			if err != nil {
				return audio.Chunk{}, err
			}
			s.pending = append(s.pending, chunks...)
		}
	}
}

func (s *Session) extract(msg *genai.LiveServerMessage) ([]audio.Chunk, error) {
	if msg == nil {
		return nil, nil
	}
	if msg.GoAway != nil {
		s.logger.Info("upstream announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil, nil
	}
	if sc.Interrupted {
		s.logger.Debug("upstream turn interrupted")
	}
	if sc.ModelTurn == nil {
		return nil, nil
	}
	var chunks []audio.Chunk
	for _, part := range sc.ModelTurn.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		format, err := audio.ParseMIMEType(part.InlineData.MIMEType, s.out)
		if err != nil {
			return nil, relay.NewError(relay.KindUpstreamProtocolError, relay.DirectionNone, err)
		}
		chunks = append(chunks, audio.NewChunk(part.InlineData.Data, format))
	}
	return chunks, nil
}

func (s *Session) receiveError(err error) error {
	if s.closed.Load() || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("upstream closed: %v: %w", err, io.EOF)
	}
	if isDisconnect(err) {
		return relay.NewError(relay.KindUpstreamDisconnected, relay.DirectionNone, err)
	}
	// Everything else comes from decoding a server message.
	return relay.NewError(relay.KindUpstreamProtocolError, relay.DirectionNone, err)
}

func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, websocket.ErrCloseSent)
}

// Close releases the remote session and unblocks Receive. Repeated calls
// return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.closeErr = s.live.Close()
	})
	return s.closeErr
}

var (
	_ relay.Connector       = (*GeminiConnector)(nil)
	_ relay.UpstreamSession = (*Session)(nil)
)
