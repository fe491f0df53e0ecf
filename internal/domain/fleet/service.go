package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/resqlink/resqlink/internal/platform/geo"
)

type Service struct {
	hospitals  HospitalRepository
	ambulances AmbulanceRepository
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(hospitals HospitalRepository, ambulances AmbulanceRepository) *Service {
	return &Service{
		hospitals:  hospitals,
		ambulances: ambulances,
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// -- Hospital --

func validateHospital(h *Hospital) error {
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !h.Location().Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}
	if h.AvailableBeds < 0 {
		return fmt.Errorf("%w: available_beds must not be negative", ErrValidation)
	}
	return nil
}

func (s *Service) CreateHospital(ctx context.Context, h *Hospital) error {
	if err := validateHospital(h); err != nil {
		return err
	}
	now := s.now()
	h.CreatedAt, h.UpdatedAt = now, now
	return s.hospitals.Create(ctx, h)
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return s.hospitals.GetByID(ctx, id)
}

func (s *Service) UpdateHospital(ctx context.Context, h *Hospital) error {
	if err := validateHospital(h); err != nil {
		return err
	}
	h.UpdatedAt = s.now()
	return s.hospitals.Update(ctx, h)
}

func (s *Service) ListHospitals(ctx context.Context, activeOnly bool, limit, offset int) ([]*Hospital, int, error) {
	return s.hospitals.List(ctx, activeOnly, limit, offset)
}

// NearestHospital returns the closest active hospital to from with its
// distance filled in. ErrNotFound means no hospital is active.
func (s *Service) NearestHospital(ctx context.Context, from geo.Point) (*Hospital, error) {
	if !from.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}
	items, err := s.hospitals.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]geo.Point, len(items))
	for i, h := range items {
		points[i] = h.Location()
	}
	idx := geo.Nearest(from, points)
	if idx < 0 {
		return nil, ErrNotFound
	}
	best := items[idx]
	d := geo.Distance(from, points[idx])
	best.DistanceKm = &d
	return best, nil
}

// -- Ambulance --

func (s *Service) CreateAmbulance(ctx context.Context, a *Ambulance) error {
	a.CallSign = strings.TrimSpace(a.CallSign)
	if a.CallSign == "" {
		return fmt.Errorf("%w: call_sign is required", ErrValidation)
	}
	if (a.Latitude == nil) != (a.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude go together", ErrValidation)
	}
	now := s.now()
	if p, ok := a.Location(); ok {
		if !p.Valid() {
			return fmt.Errorf("%w: coordinates out of range", ErrValidation)
		}
		a.LocationUpdatedAt = &now
	}
	a.Available = true
	a.CreatedAt, a.UpdatedAt = now, now
	return s.ambulances.Create(ctx, a)
}

func (s *Service) GetAmbulance(ctx context.Context, id uuid.UUID) (*Ambulance, error) {
	return s.ambulances.GetByID(ctx, id)
}

func (s *Service) ListAmbulances(ctx context.Context, availableOnly bool, limit, offset int) ([]*Ambulance, int, error) {
	return s.ambulances.List(ctx, availableOnly, limit, offset)
}

func (s *Service) UpdateAmbulanceLocation(ctx context.Context, id uuid.UUID, at geo.Point) (*Ambulance, error) {
	if !at.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}
	if err := s.ambulances.UpdateLocation(ctx, id, at.Lat, at.Lng, s.now()); err != nil {
		return nil, err
	}
	return s.ambulances.GetByID(ctx, id)
}

// ClaimAmbulance marks an available ambulance busy for a new emergency.
func (s *Service) ClaimAmbulance(ctx context.Context, id uuid.UUID) error {
	if err := s.ambulances.Claim(ctx, id, s.now()); err != nil {
		return err
	}
	s.logger.Debug().Str("ambulance_id", id.String()).Msg("ambulance claimed")
	return nil
}

func (s *Service) SetAmbulanceAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	if err := s.ambulances.SetAvailable(ctx, id, available, s.now()); err != nil {
		return err
	}
	s.logger.Debug().Str("ambulance_id", id.String()).Bool("available", available).Msg("ambulance availability changed")
	return nil
}
