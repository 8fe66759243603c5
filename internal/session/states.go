package session

// State is a session lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// transitions is the closed edge table. Requests are validated here and
// nowhere else; there are no ad hoc string comparisons elsewhere.
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning},
	StateRunning:  {StatePaused, StateStopping, StateError},
	StatePaused:   {StateRunning, StateStopping},
	StateStopping: {StateStopped, StateError, StateStarting},
	StateStopped:  {StateStarting},
	StateError:    {StateStarting, StateStopped},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}
