package emergency

import (
	"time"

	"github.com/google/uuid"

	"github.com/resqlink/resqlink/internal/platform/geo"
)

// Priority is advisory only; it does not affect dispatch ordering.
type Priority string

const (
	PriorityStandard Priority = "standard"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityStandard, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// Emergency maps to the emergency table.
type Emergency struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	PatientID        string     `db:"patient_id" json:"patient_id"`
	PatientName      string     `db:"patient_name" json:"patient_name"`
	PatientPhone     *string    `db:"patient_phone" json:"patient_phone,omitempty"`
	PatientPushToken *string    `db:"patient_push_token" json:"-"`
	AmbulanceID      *uuid.UUID `db:"ambulance_id" json:"ambulance_id,omitempty"`
	HospitalID       *uuid.UUID `db:"hospital_id" json:"hospital_id,omitempty"`
	Latitude         float64    `db:"latitude" json:"latitude"`
	Longitude        float64    `db:"longitude" json:"longitude"`
	HospitalLat      *float64   `db:"hospital_latitude" json:"hospital_latitude,omitempty"`
	HospitalLng      *float64   `db:"hospital_longitude" json:"hospital_longitude,omitempty"`
	Description      *string    `db:"description" json:"description,omitempty"`
	Priority         Priority   `db:"priority" json:"priority"`
	Status           Status     `db:"status" json:"status"`

	AwaitingConfirmation         bool       `db:"awaiting_confirmation" json:"awaiting_confirmation"`
	PatientConfirmedArrival      bool       `db:"patient_confirmed_arrival" json:"patient_confirmed_arrival"`
	PatientConfirmedArrivalAt    *time.Time `db:"patient_confirmed_arrival_at" json:"patient_confirmed_arrival_at,omitempty"`
	PatientConfirmedCompletion   bool       `db:"patient_confirmed_completion" json:"patient_confirmed_completion"`
	PatientConfirmedCompletionAt *time.Time `db:"patient_confirmed_completion_at" json:"patient_confirmed_completion_at,omitempty"`
	ConfirmedBy                  *Actor     `db:"confirmed_by" json:"confirmed_by,omitempty"`

	AssignedAt          *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	EnrouteAt           *time.Time `db:"enroute_at" json:"enroute_at,omitempty"`
	ArrivedAtSceneAt    *time.Time `db:"arrived_at_scene_at" json:"arrived_at_scene_at,omitempty"`
	PatientLoadedAt     *time.Time `db:"patient_loaded_at" json:"patient_loaded_at,omitempty"`
	EnrouteToHospitalAt *time.Time `db:"enroute_to_hospital_at" json:"enroute_to_hospital_at,omitempty"`
	ArrivedAtHospitalAt *time.Time `db:"arrived_at_hospital_at" json:"arrived_at_hospital_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt         *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	// DistanceKm is filled in for proximity listings only.
	DistanceKm *float64 `db:"-" json:"distance_km,omitempty"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Location returns the patient's position.
func (e *Emergency) Location() geo.Point {
	return geo.Point{Lat: e.Latitude, Lng: e.Longitude}
}

// HospitalLocation returns the destination hospital position, if known.
func (e *Emergency) HospitalLocation() (geo.Point, bool) {
	if e.HospitalLat == nil || e.HospitalLng == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *e.HospitalLat, Lng: *e.HospitalLng}, true
}

// Active reports whether the emergency still needs work.
func (e *Emergency) Active() bool {
	return !e.Status.Terminal()
}

// StatusHistory maps to the emergency_status_history table.
type StatusHistory struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EmergencyID uuid.UUID `db:"emergency_id" json:"emergency_id"`
	FromStatus  Status    `db:"from_status" json:"from_status"`
	ToStatus    Status    `db:"to_status" json:"to_status"`
	Actor       Actor     `db:"actor" json:"actor"`
	ActorID     *string   `db:"actor_id" json:"actor_id,omitempty"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
	Note        *string   `db:"note" json:"note,omitempty"`
}

// Hospital is the subset of a fleet hospital the dispatcher needs.
type Hospital struct {
	ID       uuid.UUID
	Location geo.Point
}
