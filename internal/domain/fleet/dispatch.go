package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/resqlink/resqlink/internal/domain/emergency"
	"github.com/resqlink/resqlink/internal/platform/geo"
)

// DispatchAdapter exposes the fleet to the emergency service as its
// hospital locator and ambulance roster.
type DispatchAdapter struct {
	svc *Service
}

var (
	_ emergency.HospitalLocator = (*DispatchAdapter)(nil)
	_ emergency.AmbulanceRoster = (*DispatchAdapter)(nil)
)

func NewDispatchAdapter(svc *Service) *DispatchAdapter {
	return &DispatchAdapter{svc: svc}
}

// GetHospital resolves an explicitly chosen destination. Inactive hospitals
// are reported as not found.
func (d *DispatchAdapter) GetHospital(ctx context.Context, id uuid.UUID) (*emergency.Hospital, error) {
	h, err := d.svc.GetHospital(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.Active {
		return nil, fmt.Errorf("%w: hospital %s is inactive", ErrNotFound, id)
	}
	return &emergency.Hospital{ID: h.ID, Location: h.Location()}, nil
}

func (d *DispatchAdapter) NearestHospital(ctx context.Context, from geo.Point) (*emergency.Hospital, error) {
	h, err := d.svc.NearestHospital(ctx, from)
	if err != nil {
		return nil, err
	}
	return &emergency.Hospital{ID: h.ID, Location: h.Location()}, nil
}

// Claim reserves an ambulance for dispatch, translating fleet errors into
// the emergency domain.
func (d *DispatchAdapter) Claim(ctx context.Context, ambulanceID uuid.UUID) error {
	err := d.svc.ClaimAmbulance(ctx, ambulanceID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBusy):
		return fmt.Errorf("%w: %s", emergency.ErrAmbulanceBusy, ambulanceID)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: unknown ambulance %s", emergency.ErrValidation, ambulanceID)
	}
	return err
}

func (d *DispatchAdapter) SetAvailable(ctx context.Context, ambulanceID uuid.UUID, available bool) error {
	return d.svc.SetAmbulanceAvailable(ctx, ambulanceID, available)
}
