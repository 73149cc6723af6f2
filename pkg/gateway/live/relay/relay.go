// Package relay owns one interview session: it accepts the client handshake,
// opens the upstream dialog session, runs the two forwarding pumps and tears
// everything down when either pump ends.
//
//	Idle → AwaitingHandshake → Active → Draining → Closed
//	   └──────────┴───────────────┴────────┴──→ Failed
//
// Within a direction chunks are forwarded in arrival order, one at a time.
// The directions are independent of each other.
package relay

import (
	"context"
	"time"

	"github.com/vango-go/interview-relay/pkg/gateway/live/audio"
	"github.com/vango-go/interview-relay/pkg/gateway/live/protocol"
)

// ClientChannel is the client-facing duplex stream of one session.
//
// ReceiveAudio returns an error whose Kind is KindClientDisconnected at end of
// stream. SendAudio is never called concurrently with itself or with Close;
// the Engine serializes writes.
type ClientChannel interface {
	AcceptHandshake(ctx context.Context) (protocol.Handshake, error)
	Ready(ctx context.Context, sessionID string) error
	ReceiveAudio(ctx context.Context) (audio.Chunk, error)
	SendAudio(ctx context.Context, chunk audio.Chunk) error
	// Close sends status as the final frame and releases the transport. It is
	// idempotent.
	Close(status protocol.Status) error
}

// Modality is the kind of output requested from the upstream.
type Modality string

const ModalityAudio Modality = "AUDIO"

type UpstreamConfig struct {
	ResponseModality  Modality
	SystemInstruction string
}

// Connector opens upstream sessions. Credentials and model selection belong
// to the Connector's own configuration.
type Connector interface {
	Connect(ctx context.Context, cfg UpstreamConfig) (UpstreamSession, error)
}

// UpstreamSession is one logical session with the remote dialog service.
type UpstreamSession interface {
	SendChunk(ctx context.Context, chunk audio.Chunk) error
	// Receive returns the next generated chunk. It returns io.EOF once the
	// upstream has finished; the sequence cannot be restarted.
	Receive(ctx context.Context) (audio.Chunk, error)
	// Close is idempotent and unblocks a pending Receive.
	Close() error
}

// Observer receives lifecycle and traffic notifications. Implementations
// must be safe for concurrent use.
type Observer interface {
	StateChanged(sessionID string, from, to State)
	ChunkForwarded(sessionID string, dir Direction, bytes int)
	ChunkDropped(sessionID string, dir Direction, bytes int)
	SessionEnded(report Report)
}

// Report is the terminal outcome of a session.
type Report struct {
	SessionID string
	State     State
	Cause     *Error
	// Errors holds secondary failures captured during draining and teardown.
	Errors    []error
	Intent    string
	StartedAt time.Time
	EndedAt   time.Time
	ChunksIn  int64
	ChunksOut int64
	BytesIn   int64
	BytesOut  int64
	Dropped   int64
}

func (r Report) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// CauseKind returns the cause's kind name, or "none".
func (r Report) CauseKind() string {
	if r.Cause == nil {
		return "none"
	}
	return r.Cause.Kind.String()
}

// Status renders the report as the client's terminal frame.
func (r Report) Status() protocol.Status {
	st := protocol.Status{
		Type:        protocol.TypeStatus,
		SessionID:   r.SessionID,
		State:       r.State.String(),
		Recoverable: true,
	}
	if r.Cause != nil {
		st.Code = r.Cause.Kind.String()
		st.Recoverable = r.Cause.Recoverable
		st.Message = statusMessage(r.Cause.Kind)
	}
	return st
}

// Client-visible messages stay generic; details stay in logs.
func statusMessage(k Kind) string {
	switch k {
	case KindHandshakeTimeout:
		return "no handshake received in time"
	case KindHandshakeInvalid:
		return "invalid handshake"
	case KindClientDisconnected:
		return "client ended the session"
	case KindUpstreamDisconnected:
		return "interviewer session ended"
	case KindUpstreamProtocolError:
		return "interviewer sent an unexpected message"
	case KindSendFailed:
		return "failed to forward audio"
	default:
		return ""
	}
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State, State)     {}
func (nopObserver) ChunkForwarded(string, Direction, int) {}
func (nopObserver) ChunkDropped(string, Direction, int)   {}
func (nopObserver) SessionEnded(Report)                   {}
