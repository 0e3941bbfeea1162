package hub

import "sync/atomic"

// State is the lifecycle position of a Client.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionState only moves forward: Connecting, Open, Closing, Closed.
type sessionState struct {
	v atomic.Int32
}

func (s *sessionState) Load() State {
	return State(s.v.Load())
}

// advance moves to next unless the state is already at or past it.
func (s *sessionState) advance(next State) bool {
	for {
		current := s.v.Load()
		if State(current) >= next {
			return false
		}
		if s.v.CompareAndSwap(current, int32(next)) {
			return true
		}
	}
}

// transition moves from exactly from to to.
func (s *sessionState) transition(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
