package relay

// State is a session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingHandshake
	StateActive
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition encodes the lifecycle graph. Failed is reachable from every
// non-terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateAwaitingHandshake
	case StateAwaitingHandshake:
		return to == StateActive
	case StateActive:
		return to == StateDraining
	case StateDraining:
		return to == StateClosed
	default:
		return false
	}
}
