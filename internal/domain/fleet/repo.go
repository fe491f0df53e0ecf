package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type HospitalRepository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	Update(ctx context.Context, h *Hospital) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Hospital, int, error)
	// ListActive returns every active hospital for proximity lookups.
	ListActive(ctx context.Context) ([]*Hospital, error)
}

type AmbulanceRepository interface {
	Create(ctx context.Context, a *Ambulance) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ambulance, error)
	List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Ambulance, int, error)
	SetAvailable(ctx context.Context, id uuid.UUID, available bool, at time.Time) error
	// Claim atomically flips an available ambulance to busy. It returns
	// ErrBusy when the ambulance is already busy.
	Claim(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateLocation(ctx context.Context, id uuid.UUID, lat, lng float64, at time.Time) error
}
