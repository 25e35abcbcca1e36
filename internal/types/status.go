package types

import "fmt"

// Status is the closed set of bot lifecycle states. The string values are
// wire-stable and match what gets persisted.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ErrInvalidTransition is returned when a lifecycle command would move a bot
// along an edge that does not exist in the state machine.
type ErrInvalidTransition struct {
	From Status
	To   Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// validTransitions defines the allowed edges. ERROR -> STOPPED is the
// operator acknowledging the fault.
var validTransitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping, StatusStopped, StatusError},
	StatusRunning:  {StatusPaused, StatusStopping, StatusError},
	StatusPaused:   {StatusRunning, StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusError:    {StatusStarting, StatusStopped},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether a bot in this state holds a live loop goroutine.
func (s Status) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPaused, StatusStopping:
		return true
	default:
		return false
	}
}

// IsResting reports whether the state accepts a fresh start().
func (s Status) IsResting() bool {
	return s == StatusStopped || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning, StatusPaused, StatusStopping, StatusError:
		return true
	default:
		return false
	}
}
