package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/resqlink/resqlink/internal/platform/geo"
)

type Repository interface {
	Create(ctx context.Context, e *Emergency) error
	GetByID(ctx context.Context, id uuid.UUID) (*Emergency, error)
	// Update persists e only if the stored version still equals
	// expectedVersion; on success e.Version is incremented.
	Update(ctx context.Context, e *Emergency, expectedVersion int) error
	GetActiveByPatient(ctx context.Context, patientID string) (*Emergency, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Emergency, int, error)
	ListByAmbulance(ctx context.Context, ambulanceID uuid.UUID, limit, offset int) ([]*Emergency, int, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Emergency, int, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Emergency, int, error)
	// ListPendingNear orders pending emergencies by distance from near.
	ListPendingNear(ctx context.Context, near geo.Point, limit, offset int) ([]*Emergency, int, error)
	// ListAwaitingSince returns emergencies awaiting confirmation whose last
	// update is at or before cutoff.
	ListAwaitingSince(ctx context.Context, cutoff time.Time, limit int) ([]*Emergency, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Emergency, int, error)
	// Status History
	AddStatusHistory(ctx context.Context, h *StatusHistory) error
	GetStatusHistory(ctx context.Context, emergencyID uuid.UUID) ([]*StatusHistory, error)
}

// HospitalLocator resolves destination hospitals during dispatch.
type HospitalLocator interface {
	GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error)
	NearestHospital(ctx context.Context, from geo.Point) (*Hospital, error)
}

// AmbulanceRoster tracks ambulance availability as emergencies are accepted
// and finished.
type AmbulanceRoster interface {
	// Claim marks an available ambulance busy. It fails with
	// ErrAmbulanceBusy when the ambulance is already busy.
	Claim(ctx context.Context, ambulanceID uuid.UUID) error
	SetAvailable(ctx context.Context, ambulanceID uuid.UUID, available bool) error
}

// ActiveIndex caches the active emergency per patient.
type ActiveIndex interface {
	SetActive(ctx context.Context, patientID string, emergencyID uuid.UUID) error
	GetActive(ctx context.Context, patientID string) (uuid.UUID, bool, error)
	ClearActive(ctx context.Context, patientID string) error
}

// TxRunner groups repository writes so that they commit together.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ChangeListener is notified after every persisted change.
type ChangeListener interface {
	OnEmergencyChange(ctx context.Context, change Change)
}

// Change describes one persisted write.
type Change struct {
	Type       string
	Emergency  *Emergency
	FromStatus Status
	Actor      Actor
}

const (
	ChangeCreated = "emergency.created"
	ChangeUpdated = "emergency.updated"
)
