package emergency

import (
	"fmt"
	"time"
)

// Status is one value of the closed emergency lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAssigned          Status = "assigned"
	StatusEnroute           Status = "enroute"
	StatusArrivedAtScene    Status = "arrived_at_scene"
	StatusPatientLoaded     Status = "patient_loaded"
	StatusEnrouteToHospital Status = "enroute_to_hospital"
	StatusArrivedAtHospital Status = "arrived_at_hospital"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// StatusOrder is the linear progression every emergency follows.
// Cancelled is a side branch and is not part of the order.
var StatusOrder = []Status{
	StatusPending,
	StatusAssigned,
	StatusEnroute,
	StatusArrivedAtScene,
	StatusPatientLoaded,
	StatusEnrouteToHospital,
	StatusArrivedAtHospital,
	StatusCompleted,
}

// Index returns the position of s in StatusOrder, or -1.
func (s Status) Index() int {
	for i, o := range StatusOrder {
		if o == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool {
	return s == StatusCancelled || s.Index() >= 0
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AwaitsConfirmation reports whether s pauses for a patient acknowledgment.
func (s Status) AwaitsConfirmation() bool {
	return s == StatusArrivedAtScene || s == StatusArrivedAtHospital
}

// Actor identifies who drives a transition.
type Actor string

const (
	ActorPatient   Actor = "patient"
	ActorAmbulance Actor = "ambulance"
	ActorHospital  Actor = "hospital"
	ActorTimeout   Actor = "timeout"
	ActorAdmin     Actor = "admin"
)

type transition struct {
	from   Status
	to     Status
	actors []Actor
	apply  func(e *Emergency, actor Actor, now time.Time)
}

func (t transition) allows(a Actor) bool {
	if a == ActorAdmin {
		return true
	}
	for _, x := range t.actors {
		if x == a {
			return true
		}
	}
	return false
}

var confirmers = []Actor{ActorPatient, ActorHospital, ActorTimeout}

var transitions = []transition{
	{StatusPending, StatusAssigned, []Actor{ActorAmbulance}, func(e *Emergency, _ Actor, now time.Time) {
		e.AssignedAt = &now
	}},
	{StatusPending, StatusCancelled, []Actor{ActorPatient}, func(e *Emergency, _ Actor, now time.Time) {
		e.CancelledAt = &now
	}},
	{StatusAssigned, StatusEnroute, []Actor{ActorAmbulance}, func(e *Emergency, _ Actor, now time.Time) {
		e.EnrouteAt = &now
	}},
	{StatusEnroute, StatusArrivedAtScene, []Actor{ActorAmbulance}, func(e *Emergency, _ Actor, now time.Time) {
		e.ArrivedAtSceneAt = &now
		e.AwaitingConfirmation = true
	}},
	{StatusArrivedAtScene, StatusPatientLoaded, confirmers, func(e *Emergency, actor Actor, now time.Time) {
		e.PatientLoadedAt = &now
		e.AwaitingConfirmation = false
		e.PatientConfirmedArrival = true
		e.PatientConfirmedArrivalAt = &now
		e.ConfirmedBy = &actor
	}},
	{StatusPatientLoaded, StatusEnrouteToHospital, []Actor{ActorAmbulance}, func(e *Emergency, _ Actor, now time.Time) {
		e.EnrouteToHospitalAt = &now
	}},
	{StatusEnrouteToHospital, StatusArrivedAtHospital, []Actor{ActorAmbulance}, func(e *Emergency, _ Actor, now time.Time) {
		e.ArrivedAtHospitalAt = &now
		e.AwaitingConfirmation = true
	}},
	{StatusArrivedAtHospital, StatusCompleted, confirmers, func(e *Emergency, actor Actor, now time.Time) {
		e.CompletedAt = &now
		e.AwaitingConfirmation = false
		e.PatientConfirmedCompletion = true
		e.PatientConfirmedCompletionAt = &now
		e.ConfirmedBy = &actor
	}},
}

func lookup(from, to Status) (transition, bool) {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return t, true
		}
	}
	return transition{}, false
}

// CanTransition reports whether actor may move an emergency from one status
// to another.
func CanTransition(from, to Status, actor Actor) bool {
	t, ok := lookup(from, to)
	return ok && t.allows(actor)
}

// Transition validates the move of e to the given status and applies its
// side effects. The record is left untouched when an error is returned.
func Transition(e *Emergency, to Status, actor Actor, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	t, ok := lookup(e.Status, to)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	if !t.allows(actor) {
		return fmt.Errorf("%w: %s may not move %s -> %s", ErrForbiddenActor, actor, e.Status, to)
	}
	t.apply(e, actor, now)
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// NextAdvance returns the ambulance-driven step that follows s.
func NextAdvance(s Status) (Status, bool) {
	for _, t := range transitions {
		if t.from == s && t.to != StatusCancelled && len(t.actors) == 1 && t.actors[0] == ActorAmbulance {
			return t.to, true
		}
	}
	return "", false
}

// ConfirmTarget returns the status a confirmation moves s to.
func ConfirmTarget(s Status) (Status, bool) {
	switch s {
	case StatusArrivedAtScene:
		return StatusPatientLoaded, true
	case StatusArrivedAtHospital:
		return StatusCompleted, true
	}
	return "", false
}
