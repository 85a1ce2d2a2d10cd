package scan

// IsTerminal reports whether no further transition is defined from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// transitions lists the allowed source states for every target state.
var transitions = map[Status][]Status{
	StatusRunning:   {StatusQueued},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusCanceled:  {StatusQueued},
}

// CanTransition reports whether a record in state from may move to state to.
func CanTransition(from, to Status) bool {
	for _, src := range transitions[to] {
		if src == from {
			return true
		}
	}
	return false
}

// SourcesOf returns the states a record may be in to move into to.
func SourcesOf(to Status) []Status {
	src := transitions[to]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}
