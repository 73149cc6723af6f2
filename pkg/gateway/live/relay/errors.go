package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Kind categorizes why a session ended.
type Kind int

const (
	KindHandshakeTimeout Kind = iota + 1
	KindHandshakeInvalid
	KindClientDisconnected
	KindUpstreamDisconnected
	KindUpstreamProtocolError
	KindSendFailed
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindHandshakeInvalid:
		return "handshake_invalid"
	case KindClientDisconnected:
		return "client_disconnected"
	case KindUpstreamDisconnected:
		return "upstream_disconnected"
	case KindUpstreamProtocolError:
		return "upstream_protocol_error"
	case KindSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// Direction is the forwarding direction an error was observed on.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionClientToUpstream
	DirectionUpstreamToClient
)

func (d Direction) String() string {
	switch d {
	case DirectionClientToUpstream:
		return "client_to_upstream"
	case DirectionUpstreamToClient:
		return "upstream_to_client"
	default:
		return "none"
	}
}

// Error is the typed failure attached to a session's terminal report.
type Error struct {
	Kind        Kind
	Direction   Direction
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Direction != DirectionNone {
		msg = fmt.Sprintf("%s (%s)", msg, e.Direction)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same Kind, so callers can write
// errors.Is(err, &relay.Error{Kind: relay.KindSendFailed}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an Error with the default recoverability for kind.
func NewError(kind Kind, dir Direction, err error) *Error {
	return &Error{Kind: kind, Direction: dir, Recoverable: defaultRecoverable(kind, err), Err: err}
}

// A client going away or the upstream finishing its stream is an ordinary end;
// the client can open a new session. Malformed input and broken writes are not.
func defaultRecoverable(kind Kind, err error) bool {
	switch kind {
	case KindHandshakeTimeout, KindClientDisconnected, KindUpstreamDisconnected:
		return !errors.Is(err, ErrNonRecoverable)
	default:
		return false
	}
}

// ErrNonRecoverable can be wrapped into a collaborator error to force
// Recoverable=false regardless of kind.
var ErrNonRecoverable = errors.New("non-recoverable")

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) && re != nil {
		return re, true
	}
	return nil, false
}

// Classify maps err to an *Error. Errors already carrying a Kind keep it and
// gain dir when they have none; anything else becomes fallback.
func Classify(err error, dir Direction, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if re, ok := AsError(err); ok {
		if re.Direction == DirectionNone && dir != DirectionNone {
			cp := *re
			cp.Direction = dir
			return &cp
		}
		return re
	}
	return NewError(fallback, dir, err)
}

// isCancellation reports errors that only mean "the engine asked us to stop".
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}
