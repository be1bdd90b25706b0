package mux

// State is a session's lifecycle state.
type State int

const (
	StateRequested State = iota
	StateOpen
	StateClosing
	StateClosed
	StateRejected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected || s == StateErrored
}
