package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
)

type Input int

const (
	InputStart Input = iota
	InputPromote
	InputProgress
	InputPause
	InputResume
	InputCompleted
	// InputFailed is an unexpected process exit, or a failure to launch one.
	InputFailed
	InputCancel
)

func (i Input) String() string {
	switch i {
	case InputStart:
		return "start"
	case InputPromote:
		return "promote"
	case InputProgress:
		return "progress"
	case InputPause:
		return "pause"
	case InputResume:
		return "resume"
	case InputCompleted:
		return "completed"
	case InputFailed:
		return "failed"
	case InputCancel:
		return "cancel"
	default:
		return fmt.Sprintf("Input(%d)", int(i))
	}
}

// Transition is an input to the state machine, along with whether a download slot is available for it.
type Transition struct {
	Input    Input
	SlotFree bool
}

// Next returns the status a download moves to from current on t. It has no side effects; the session applies the
// result.
func Next(current Status, t Transition) (Status, error) {
	invalid := func() (Status, error) {
		return current, fmt.Errorf("%w: %v from %q", ErrInvalidTransition, t.Input, current)
	}
	switch t.Input {
	case InputStart:
		if current != StatusAbsent {
			return invalid()
		}
		if t.SlotFree {
			return StatusStarting, nil
		}
		return StatusQueued, nil
	case InputPromote:
		if current != StatusQueued || !t.SlotFree {
			return invalid()
		}
		return StatusStarting, nil
	case InputProgress:
		if !current.IsActive() {
			return invalid()
		}
		return StatusDownloading, nil
	case InputPause, InputFailed:
		if !current.IsActive() {
			return invalid()
		}
		return StatusPaused, nil
	case InputResume:
		if current != StatusPaused {
			return invalid()
		}
		if t.SlotFree {
			return StatusStarting, nil
		}
		return StatusQueued, nil
	case InputCompleted:
		if !current.IsActive() {
			return invalid()
		}
		return StatusCompleted, nil
	case InputCancel:
		if current == StatusAbsent {
			return invalid()
		}
		return StatusAbsent, nil
	default:
		return invalid()
	}
}
