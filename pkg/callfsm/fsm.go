package callfsm

import (
	"returnflow/pkg/models"
)

type Event string

const (
	EventConnect Event = "connect"
	EventAnswer  Event = "answer"
	EventJoin    Event = "join"
	EventHangup  Event = "hangup"
)

func CanTransition(from, to models.CallStatus) bool {
	switch from {
	case models.CallInitiated:
		return to == models.CallConnecting || to == models.CallActive || to == models.CallEnded
	case models.CallConnecting:
		return to == models.CallActive || to == models.CallEnded
	case models.CallActive:
		return to == models.CallEnded
	default:
		return false
	}
}

func Transition(from, to models.CallStatus) (models.CallStatus, error) {
	if !CanTransition(from, to) {
		return from, models.Errorf(models.KindInvalidRequest, "call cannot move from %s to %s", from, to)
	}
	return to, nil
}

// Next applies event to from. Joining a call that is already active keeps it
// active.
func Next(from models.CallStatus, event Event) (models.CallStatus, error) {
	switch event {
	case EventConnect:
		return Transition(from, models.CallConnecting)
	case EventAnswer:
		return Transition(from, models.CallActive)
	case EventJoin:
		if from == models.CallActive {
			return from, nil
		}
		return Transition(from, models.CallActive)
	case EventHangup:
		return Transition(from, models.CallEnded)
	default:
		return from, models.Errorf(models.KindInvalidRequest, "unknown call event %q", event)
	}
}

func IsTerminal(status models.CallStatus) bool {
	return status == models.CallEnded
}
