package pipeline

// State is the pipeline lifecycle.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateRunning:
		return from == StateStarting
	case StateDraining:
		return from == StateStarting || from == StateRunning
	case StateStopped:
		return from == StateDraining
	case StateFailed:
		return true
	}
	return false
}

// ParseState is the inverse of String. Unknown names map to StateStarting.
func ParseState(name string) State {
	for s := StateStarting; s <= StateFailed; s++ {
		if s.String() == name {
			return s
		}
	}
	return StateStarting
}
