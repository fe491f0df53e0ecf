package emergency

import (
	"errors"
	"testing"
	"time"
)

func TestStatus_Index(t *testing.T) {
	for i, s := range StatusOrder {
		if got := s.Index(); got != i {
			t.Errorf("%s.Index() = %d, want %d", s, got, i)
		}
	}
	if StatusCancelled.Index() != -1 {
		t.Error("cancelled must not be part of the order")
	}
	if Status("teleported").Index() != -1 {
		t.Error("unknown status must have index -1")
	}
}

func TestStatus_ValidAndTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		terminal bool
		awaiting bool
	}{
		{StatusPending, true, false, false},
		{StatusAssigned, true, false, false},
		{StatusArrivedAtScene, true, false, true},
		{StatusArrivedAtHospital, true, false, true},
		{StatusCompleted, true, true, false},
		{StatusCancelled, true, true, false},
		{Status("bogus"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.Valid() != tt.valid {
				t.Errorf("Valid() = %v", tt.status.Valid())
			}
			if tt.status.Terminal() != tt.terminal {
				t.Errorf("Terminal() = %v", tt.status.Terminal())
			}
			if tt.status.AwaitsConfirmation() != tt.awaiting {
				t.Errorf("AwaitsConfirmation() = %v", tt.status.AwaitsConfirmation())
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		to    Status
		actor Actor
		want  bool
	}{
		{"ambulance accepts", StatusPending, StatusAssigned, ActorAmbulance, true},
		{"patient cannot accept", StatusPending, StatusAssigned, ActorPatient, false},
		{"patient cancels pending", StatusPending, StatusCancelled, ActorPatient, true},
		{"no cancel after assignment", StatusAssigned, StatusCancelled, ActorPatient, false},
		{"patient confirms arrival", StatusArrivedAtScene, StatusPatientLoaded, ActorPatient, true},
		{"hospital confirms arrival", StatusArrivedAtScene, StatusPatientLoaded, ActorHospital, true},
		{"timeout confirms arrival", StatusArrivedAtScene, StatusPatientLoaded, ActorTimeout, true},
		{"ambulance cannot self-confirm", StatusArrivedAtScene, StatusPatientLoaded, ActorAmbulance, false},
		{"timeout completes", StatusArrivedAtHospital, StatusCompleted, ActorTimeout, true},
		{"skip ahead rejected", StatusAssigned, StatusArrivedAtScene, ActorAmbulance, false},
		{"backward rejected", StatusEnroute, StatusAssigned, ActorAmbulance, false},
		{"admin follows table", StatusEnroute, StatusArrivedAtScene, ActorAdmin, true},
		{"admin cannot skip", StatusPending, StatusCompleted, ActorAdmin, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to, tt.actor); got != tt.want {
				t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tt.from, tt.to, tt.actor, got, tt.want)
			}
		})
	}
}

func TestTransition_ArrivalSetsAwaiting(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Emergency{Status: StatusEnroute}

	if err := Transition(e, StatusArrivedAtScene, ActorAmbulance, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.AwaitingConfirmation {
		t.Error("expected awaiting_confirmation")
	}
	if e.ArrivedAtSceneAt == nil || !e.ArrivedAtSceneAt.Equal(now) {
		t.Errorf("arrived_at_scene_at = %v, want %v", e.ArrivedAtSceneAt, now)
	}
	if !e.UpdatedAt.Equal(now) {
		t.Errorf("updated_at = %v, want %v", e.UpdatedAt, now)
	}
}

func TestTransition_ConfirmClearsAwaiting(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Emergency{Status: StatusArrivedAtScene, AwaitingConfirmation: true}

	if err := Transition(e, StatusPatientLoaded, ActorHospital, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.AwaitingConfirmation || !e.PatientConfirmedArrival || e.PatientConfirmedArrivalAt == nil {
		t.Fatalf("unexpected confirmation state %+v", e)
	}
	if e.ConfirmedBy == nil || *e.ConfirmedBy != ActorHospital {
		t.Errorf("confirmed_by = %v, want hospital", e.ConfirmedBy)
	}
}

func TestTransition_RejectsLeaveRecordUntouched(t *testing.T) {
	now := time.Now()
	e := &Emergency{Status: StatusAssigned}

	err := Transition(e, StatusArrivedAtScene, ActorAmbulance, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	err = Transition(e, StatusEnroute, ActorPatient, now)
	if !errors.Is(err, ErrForbiddenActor) {
		t.Fatalf("expected ErrForbiddenActor, got %v", err)
	}
	err = Transition(e, Status("flying"), ActorAmbulance, now)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if e.Status != StatusAssigned || e.EnrouteAt != nil || !e.UpdatedAt.IsZero() {
		t.Fatalf("record changed on rejected transition: %+v", e)
	}
}

// Every accepted transition keeps the status index non-decreasing, and
// awaiting_confirmation tracks the two arrival statuses exactly.
func TestTransition_MonotonicAndAwaitingInvariant(t *testing.T) {
	actors := []Actor{ActorPatient, ActorAmbulance, ActorHospital, ActorTimeout, ActorAdmin}
	all := append(append([]Status{}, StatusOrder...), StatusCancelled)
	now := time.Now()

	for _, from := range StatusOrder {
		for _, to := range all {
			for _, actor := range actors {
				e := &Emergency{Status: from, AwaitingConfirmation: from.AwaitsConfirmation()}
				if err := Transition(e, to, actor, now); err != nil {
					continue
				}
				if to != StatusCancelled && to.Index() < from.Index() {
					t.Errorf("%s -> %s by %s went backwards", from, to, actor)
				}
				if to != StatusCancelled && to.Index() != from.Index()+1 {
					t.Errorf("%s -> %s by %s skipped a step", from, to, actor)
				}
				if e.AwaitingConfirmation != e.Status.AwaitsConfirmation() {
					t.Errorf("%s -> %s: awaiting=%v", from, to, e.AwaitingConfirmation)
				}
			}
		}
	}
}

func TestNextAdvance(t *testing.T) {
	tests := []struct {
		from Status
		want Status
		ok   bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusAssigned, StatusEnroute, true},
		{StatusEnroute, StatusArrivedAtScene, true},
		{StatusArrivedAtScene, "", false},
		{StatusPatientLoaded, StatusEnrouteToHospital, true},
		{StatusEnrouteToHospital, StatusArrivedAtHospital, true},
		{StatusArrivedAtHospital, "", false},
		{StatusCompleted, "", false},
	}
	for _, tt := range tests {
		got, ok := NextAdvance(tt.from)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NextAdvance(%s) = %q,%v want %q,%v", tt.from, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConfirmTarget(t *testing.T) {
	if to, ok := ConfirmTarget(StatusArrivedAtScene); !ok || to != StatusPatientLoaded {
		t.Errorf("scene confirm = %s,%v", to, ok)
	}
	if to, ok := ConfirmTarget(StatusArrivedAtHospital); !ok || to != StatusCompleted {
		t.Errorf("hospital confirm = %s,%v", to, ok)
	}
	if _, ok := ConfirmTarget(StatusEnroute); ok {
		t.Error("enroute is not awaiting confirmation")
	}
}
