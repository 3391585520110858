package gateway

import (
	"sync/atomic"
)

// State is the lifecycle position of a single request.
type State int32

const (
	StateIdle State = iota
	StateDispatched
	StateRetrying
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateDispatched: "dispatched",
	StateRetrying:   "retrying",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateCancelled:  "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further events follow.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// tracker holds the state of one request. Once terminal it never changes again.
type tracker struct {
	state atomic.Int32
}

func (t *tracker) get() State {
	return State(t.state.Load())
}

// set moves to next unless a terminal state was already reached.
func (t *tracker) set(next State) bool {
	for {
		cur := t.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
