package realtime

// State is a session lifecycle state
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are allowed
func (s State) terminal() bool {
	return s == StateClosed || s == StateError
}
