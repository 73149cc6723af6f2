// Package channel implements the client side of an interview session over a
// gorilla/websocket connection.
//
// Wire protocol: the first frame is a JSON text handshake. After the server
// answers with a ready frame, binary frames carry raw PCM audio in both
// directions. A {"type":"control","op":"stop"} text frame ends the client's
// stream. The server's last frame before closing is a JSON status frame.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/interview-relay/pkg/gateway/live/audio"
	"github.com/vango-go/interview-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

// Backpressure selects what SendAudio does when the outbound queue is full.
type Backpressure string

const (
	// BackpressureBlock waits up to the write timeout, then fails the send.
	BackpressureBlock Backpressure = "block"
	// BackpressureDrop discards the chunk and reports relay.ErrChunkDropped.
	BackpressureDrop Backpressure = "drop"
)

func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackpressureBlock:
		return BackpressureBlock, nil
	case BackpressureDrop:
		return BackpressureDrop, nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q (want block or drop)", s)
	}
}

var (
	errBackpressure  = errors.New("client outbound backpressure")
	errClientStopped = errors.New("client requested stop")
	errClosed        = errors.New("client channel closed")
	errRateLimited   = fmt.Errorf("inbound audio rate exceeded: %w", relay.ErrNonRecoverable)
)

type Config struct {
	MaxHandshakeBytes int64
	MaxFrameBytes     int64
	// ReadTimeout, when positive, closes idle connections; pongs extend it.
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	Backpressure      Backpressure

	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
}

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	wsWriter
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// WebSocket is a relay.ClientChannel. The engine serializes SendAudio, Ready
// and Close; Warn may be called from any goroutine.
type WebSocket struct {
	conn   Conn
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan inboundFrame
	priority chan outboundFrame
	normal   chan outboundFrame

	limiter   *inboundLimiter
	closeCode atomic.Int32

	writerDone chan struct{}
	writerErr  error

	// queueMu keeps sends on normal from racing its close.
	queueMu   sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func New(conn Conn, cfg Config, logger *slog.Logger) *WebSocket {
	return newWebSocket(conn, cfg, logger, time.Now)
}

func newWebSocket(conn Conn, cfg Config, logger *slog.Logger, now func() time.Time) *WebSocket {
	if cfg.MaxHandshakeBytes <= 0 {
		cfg.MaxHandshakeBytes = 64 << 10
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = BackpressureBlock
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocket{
		conn:       conn,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		inbound:    make(chan inboundFrame, 16),
		priority:   make(chan outboundFrame, 8),
		normal:     make(chan outboundFrame, cfg.OutboundQueueSize),
		limiter:    newInboundLimiter(now, cfg.MaxAudioFPS, cfg.MaxAudioBytesPerSecond, cfg.InboundBurstSeconds),
		writerDone: make(chan struct{}),
	}

	readLimit := cfg.MaxHandshakeBytes
	if cfg.MaxFrameBytes > readLimit {
		readLimit = cfg.MaxFrameBytes
	}
	conn.SetReadLimit(readLimit)
	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	go c.readLoop()
	go func() {
		w := outboundWriter{
			ws:           conn,
			ctx:          ctx,
			pingInterval: cfg.PingInterval,
			writeTimeout: cfg.WriteTimeout,
			priority:     c.priority,
			normal:       c.normal,
			closeCode:    &c.closeCode,
		}
		c.writerErr = w.Run()
		if c.writerErr != nil {
			_ = conn.Close()
		}
		close(c.writerDone)
	}()
	return c
}

func (c *WebSocket) readLoop() {
	defer close(c.inbound)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case c.inbound <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		if c.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		select {
		case c.inbound <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *WebSocket) next(ctx context.Context) (inboundFrame, bool, error) {
	select {
	case <-ctx.Done():
		return inboundFrame{}, false, ctx.Err()
	case <-c.ctx.Done():
		return inboundFrame{}, false, errClosed
	case f, ok := <-c.inbound:
		return f, ok, nil
	}
}

func (c *WebSocket) AcceptHandshake(ctx context.Context) (protocol.Handshake, error) {
	f, ok, err := c.next(ctx)
	if err != nil {
		return protocol.Handshake{}, err
	}
	if !ok {
		return protocol.Handshake{}, relay.NewError(relay.KindHandshakeInvalid, relay.DirectionNone, io.EOF)
	}
	if f.err != nil {
		return protocol.Handshake{}, relay.NewError(relay.KindHandshakeInvalid, relay.DirectionNone,
			fmt.Errorf("connection closed before handshake: %w", f.err))
	}
	if f.messageType != websocket.TextMessage {
		return protocol.Handshake{}, relay.NewError(relay.KindHandshakeInvalid, relay.DirectionNone,
			errors.New("first message must be a JSON text handshake"))
	}
	if int64(len(f.data)) > c.cfg.MaxHandshakeBytes {
		return protocol.Handshake{}, relay.NewError(relay.KindHandshakeInvalid, relay.DirectionNone,
			fmt.Errorf("handshake exceeds %d bytes", c.cfg.MaxHandshakeBytes))
	}
	hs, err := protocol.DecodeHandshake(f.data)
	if err != nil {
		return protocol.Handshake{}, relay.NewError(relay.KindHandshakeInvalid, relay.DirectionNone, err)
	}
	c.logger.Debug("handshake accepted", "handshake", hs.RedactedForLog())
	return hs, nil
}

func (c *WebSocket) Ready(ctx context.Context, sessionID string) error {
	if c.closed.Load() {
		return errClosed
	}
	payload, err := protocol.Encode(protocol.NewServerReady(sessionID))
	if err != nil {
		return err
	}
	return c.enqueueBlocking(ctx, outboundFrame{text: payload})
}

// ReceiveAudio returns the next non-empty binary frame. Control frames are
// handled in place; unknown text frames are ignored.
func (c *WebSocket) ReceiveAudio(ctx context.Context) (audio.Chunk, error) {
	for {
		f, ok, err := c.next(ctx)
		if err != nil {
			if errors.Is(err, errClosed) {
				return audio.Chunk{}, relay.NewError(relay.KindClientDisconnected, relay.DirectionNone, err)
			}
			return audio.Chunk{}, err
		}
		if !ok {
			return audio.Chunk{}, relay.NewError(relay.KindClientDisconnected, relay.DirectionNone, io.EOF)
		}
		if f.err != nil {
			return audio.Chunk{}, readError(f.err)
		}

		switch f.messageType {
		case websocket.BinaryMessage:
			if len(f.data) == 0 {
				continue
			}
			if int64(len(f.data)) > c.cfg.MaxFrameBytes {
				return audio.Chunk{}, relay.NewError(relay.KindClientDisconnected, relay.DirectionNone,
					fmt.Errorf("audio frame exceeds %d bytes: %w", c.cfg.MaxFrameBytes, relay.ErrNonRecoverable))
			}
			if !c.limiter.Allow(len(f.data)) {
				return audio.Chunk{}, relay.NewError(relay.KindClientDisconnected, relay.DirectionNone, errRateLimited)
			}
			return audio.NewChunk(f.data, audio.ClientFormat), nil
		case websocket.TextMessage:
			ctrl, err := protocol.DecodeClientControl(f.data)
			if err != nil {
				c.logger.Debug("ignoring client text frame", "error", err)
				continue
			}
			if ctrl.Op == protocol.OpStop {
				return audio.Chunk{}, relay.NewError(relay.KindClientDisconnected, relay.DirectionNone, errClientStopped)
			}
		}
	}
}

func readError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		err = fmt.Errorf("%w: %w", err, relay.ErrNonRecoverable)
	}
	return relay.NewError(relay.KindClientDisconnected, relay.DirectionNone, err)
}

func (c *WebSocket) SendAudio(ctx context.Context, chunk audio.Chunk) error {
	if chunk.IsEmpty() {
		return nil
	}
	if c.closed.Load() {
		return relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, errClosed)
	}
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.closed.Load() {
		return relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, errClosed)
	}
	frame := outboundFrame{binary: chunk.Bytes()}
	if c.cfg.Backpressure == BackpressureDrop {
		select {
		case <-c.writerDone:
			return c.writerFailure()
		case <-c.ctx.Done():
			return relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, errClosed)
		default:
		}
		select {
		case c.normal <- frame:
			return nil
		default:
			return relay.ErrChunkDropped
		}
	}
	return c.enqueueBlocking(ctx, frame)
}

func (c *WebSocket) enqueueBlocking(ctx context.Context, frame outboundFrame) error {
	select {
	case c.normal <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case c.normal <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.writerDone:
		return c.writerFailure()
	case <-c.ctx.Done():
		return relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, errClosed)
	case <-timer.C:
		return relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, errBackpressure)
	}
}

func (c *WebSocket) writerFailure() error {
	err := c.writerErr
	if err == nil {
		err = errClosed
	}
	return relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, err)
}

// Warn queues a non-terminal error frame ahead of any audio.
func (c *WebSocket) Warn(code, message string) error {
	payload, err := protocol.Encode(protocol.ServerError{
		Type:    protocol.TypeError,
		Scope:   "session",
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return errClosed
	case c.priority <- outboundFrame{text: payload}:
		return nil
	default:
		return errBackpressure
	}
}

// Close queues status behind any audio still waiting, lets the writer flush
// for up to the write timeout, then closes the socket.
func (c *WebSocket) Close(status protocol.Status) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(closeCodeFor(status)))

		c.queueMu.Lock()
		payload, err := protocol.Encode(status)
		if err != nil {
			c.closeErr = err
		} else if err := c.enqueueBlocking(context.Background(), outboundFrame{text: payload}); err != nil {
			c.closeErr = fmt.Errorf("queue status frame: %w", err)
		}
		c.closed.Store(true)
		close(c.normal)
		c.queueMu.Unlock()

		timer := time.NewTimer(c.cfg.WriteTimeout)
		defer timer.Stop()
		select {
		case <-c.writerDone:
		case <-timer.C:
			c.logger.Warn("client writer did not flush before close", "timeout", c.cfg.WriteTimeout)
		}
		c.cancel()
		_ = c.conn.Close()
	})
	return c.closeErr
}

func closeCodeFor(status protocol.Status) int {
	switch {
	case status.Code == relay.KindHandshakeInvalid.String(), status.Code == relay.KindHandshakeTimeout.String():
		return websocket.ClosePolicyViolation
	case status.State == relay.StateFailed.String():
		return websocket.CloseInternalServerErr
	case status.Code == relay.KindSendFailed.String(), status.Code == relay.KindUpstreamProtocolError.String():
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

var _ relay.ClientChannel = (*WebSocket)(nil)
