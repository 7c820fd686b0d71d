package supervisor

// State is one lifecycle phase of a runtime instance.
type State string

const (
	StatePending  State = "pending"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

// Terminal reports whether no further automatic transitions occur.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var transitions = map[State][]State{
	StatePending:  {StateStarting, StateStopped},
	StateStarting: {StateRunning, StateCrashed, StateStopping, StateStopped},
	StateRunning:  {StateStopping, StateCrashed, StateStopped},
	StateStopping: {StateStopped},
	StateCrashed:  {StateStarting, StateStopped, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
