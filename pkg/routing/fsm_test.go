package routing

import (
	"errors"
	"testing"

	"modelgate/pkg/models"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{models.StageNone, models.StageDetected},
		{models.StageDetected, models.StageRerouted},
		{models.StageDetected, models.StageFailClosed},
		{models.StageDetected, models.StageFailOpen},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]string{
		{models.StageNone, models.StageRerouted},
		{models.StageNone, models.StageFailOpen},
		{models.StageRerouted, models.StageDetected},
		{models.StageFailClosed, models.StageNone},
		{models.StageFailOpen, models.StageFailClosed},
		{models.StageDetected, models.StageNone},
	}
	for _, pair := range forbidden {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be forbidden", pair[0], pair[1])
		}
	}
}

func TestTransition(t *testing.T) {
	got, err := Transition(models.StageNone, models.StageDetected)
	if err != nil || got != models.StageDetected {
		t.Fatalf("unexpected result: %s %v", got, err)
	}
	got, err = Transition(models.StageRerouted, models.StageFailOpen)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got != models.StageRerouted {
		t.Fatalf("failed transition must not move the stage, got %s", got)
	}
}

func TestNext(t *testing.T) {
	stage, err := Next(models.StageNone, EventFault)
	if err != nil || stage != models.StageDetected {
		t.Fatalf("unexpected: %s %v", stage, err)
	}
	stage, err = Next(stage, EventReroute)
	if err != nil || stage != models.StageRerouted {
		t.Fatalf("unexpected: %s %v", stage, err)
	}
	if _, err := Next(models.StageNone, Event("UNKNOWN")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, stage := range []string{models.StageRerouted, models.StageFailClosed, models.StageFailOpen} {
		if !IsTerminal(stage) {
			t.Fatalf("expected %s terminal", stage)
		}
	}
	for _, stage := range []string{models.StageNone, models.StageDetected} {
		if IsTerminal(stage) {
			t.Fatalf("expected %s non-terminal", stage)
		}
	}
}
