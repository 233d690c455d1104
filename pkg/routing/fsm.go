package routing

import (
	"errors"

	"modelgate/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid degradation transition")

// Event drives the per-request degradation state machine.
type Event string

const (
	EventFault      Event = "FAULT"
	EventReroute    Event = "REROUTE"
	EventFailClosed Event = "FAIL_CLOSED"
	EventFailOpen   Event = "FAIL_OPEN"
)

// CanTransition reports whether the degradation machine permits the move.
// NONE -> DETECTED -> {REROUTED | FAIL_CLOSED | FAIL_OPEN}, terminals final.
func CanTransition(from, to string) bool {
	switch from {
	case models.StageNone:
		return to == models.StageDetected
	case models.StageDetected:
		return to == models.StageRerouted || to == models.StageFailClosed || to == models.StageFailOpen
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventFault:
		return Transition(from, models.StageDetected)
	case EventReroute:
		return Transition(from, models.StageRerouted)
	case EventFailClosed:
		return Transition(from, models.StageFailClosed)
	case EventFailOpen:
		return Transition(from, models.StageFailOpen)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(stage string) bool {
	switch stage {
	case models.StageRerouted, models.StageFailClosed, models.StageFailOpen:
		return true
	default:
		return false
	}
}
