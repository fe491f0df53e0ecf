package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/resqlink/resqlink/internal/platform/geo"
)

// DefaultConfirmationTimeout is how long an arrival waits for the patient
// before the timeout actor confirms it.
const DefaultConfirmationTimeout = 5 * time.Minute

// sweepBatchSize bounds the number of records one AutoAdvanceDue call touches.
const sweepBatchSize = 100

type Service struct {
	repo      Repository
	hospitals HospitalLocator
	roster    AmbulanceRoster
	active    ActiveIndex
	tx        TxRunner
	listeners []ChangeListener
	logger    zerolog.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewService(repo Repository, hospitals HospitalLocator, roster AmbulanceRoster) *Service {
	return &Service{
		repo:      repo,
		hospitals: hospitals,
		roster:    roster,
		active:    nopIndex{},
		tx:        directTx{},
		logger:    zerolog.Nop(),
		timeout:   DefaultConfirmationTimeout,
		now:       time.Now,
	}
}

// SetActiveIndex attaches a cache for the patient -> active emergency lookup.
func (s *Service) SetActiveIndex(idx ActiveIndex) {
	if idx == nil {
		idx = nopIndex{}
	}
	s.active = idx
}

// SetTxRunner makes each status write and its history row atomic.
func (s *Service) SetTxRunner(tx TxRunner) {
	if tx == nil {
		tx = directTx{}
	}
	s.tx = tx
}

// AddListener registers a listener that is called after every change.
func (s *Service) AddListener(l ChangeListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetConfirmationTimeout overrides DefaultConfirmationTimeout.
func (s *Service) SetConfirmationTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

func (s *Service) ConfirmationTimeout() time.Duration {
	return s.timeout
}

// -- Creation and reads --

func (s *Service) Create(ctx context.Context, e *Emergency) error {
	e.PatientID = strings.TrimSpace(e.PatientID)
	e.PatientName = strings.TrimSpace(e.PatientName)
	if e.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if e.PatientName == "" {
		return fmt.Errorf("%w: patient_name is required", ErrValidation)
	}
	if !e.Location().Valid() {
		return fmt.Errorf("%w: latitude/longitude out of range", ErrValidation)
	}
	if e.Priority == "" {
		e.Priority = PriorityStandard
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, e.Priority)
	}

	existing, err := s.repo.GetActiveByPatient(ctx, e.PatientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrActiveEmergencyExists, existing.ID)
	}

	now := s.now()
	e.Status = StatusPending
	e.AwaitingConfirmation = false
	e.AmbulanceID = nil
	e.HospitalID = nil
	e.CreatedAt = now
	e.UpdatedAt = now
	actorID := e.PatientID
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, e); err != nil {
			return err
		}
		return s.repo.AddStatusHistory(ctx, &StatusHistory{
			EmergencyID: e.ID,
			ToStatus:    StatusPending,
			Actor:       ActorPatient,
			ActorID:     &actorID,
			ChangedAt:   now,
		})
	})
	if err != nil {
		return err
	}
	if err := s.active.SetActive(ctx, e.PatientID, e.ID); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", e.PatientID).Msg("failed to cache active emergency")
	}
	s.notify(ctx, Change{Type: ChangeCreated, Emergency: e, Actor: ActorPatient})
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Emergency, error) {
	return s.repo.GetByID(ctx, id)
}

// GetActiveForPatient returns the patient's non-terminal emergency. The cache
// is consulted first and repaired from the store on a miss or stale entry.
func (s *Service) GetActiveForPatient(ctx context.Context, patientID string) (*Emergency, error) {
	if id, ok, err := s.active.GetActive(ctx, patientID); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("active emergency cache lookup failed")
	} else if ok {
		e, err := s.repo.GetByID(ctx, id)
		if err == nil && e.Active() && e.PatientID == patientID {
			return e, nil
		}
		_ = s.active.ClearActive(ctx, patientID)
	}

	e, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := s.active.SetActive(ctx, patientID, e.ID); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("failed to cache active emergency")
	}
	return e, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Emergency, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByAmbulance(ctx context.Context, ambulanceID uuid.UUID, limit, offset int) ([]*Emergency, int, error) {
	return s.repo.ListByAmbulance(ctx, ambulanceID, limit, offset)
}

func (s *Service) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Emergency, int, error) {
	return s.repo.ListByHospital(ctx, hospitalID, limit, offset)
}

// ListPending returns unassigned emergencies, nearest first when near is set.
func (s *Service) ListPending(ctx context.Context, near *geo.Point, limit, offset int) ([]*Emergency, int, error) {
	if near == nil {
		return s.repo.ListByStatus(ctx, StatusPending, limit, offset)
	}
	if !near.Valid() {
		return nil, 0, fmt.Errorf("%w: lat/lng out of range", ErrValidation)
	}
	items, total, err := s.repo.ListPendingNear(ctx, *near, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range items {
		d := geo.Distance(*near, e.Location())
		e.DistanceKm = &d
	}
	return items, total, nil
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Emergency, int, error) {
	if st, ok := params["status"]; ok && !Status(st).Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, st)
	}
	normalized := make(map[string]string, len(params))
	for k, v := range params {
		normalized[k] = v
	}
	for _, key := range []string{"ambulance_id", "hospital_id"} {
		v, ok := normalized[key]
		if !ok || v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s must be a uuid", ErrValidation, key)
		}
		normalized[key] = id.String()
	}
	return s.repo.Search(ctx, normalized, limit, offset)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*StatusHistory, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, id)
}

// -- Transitions --

// Accept assigns a pending emergency to an ambulance. Without an explicit
// hospital the nearest one to the patient is chosen.
func (s *Service) Accept(ctx context.Context, id, ambulanceID uuid.UUID, hospitalID *uuid.UUID) (*Emergency, error) {
	if ambulanceID == uuid.Nil {
		return nil, fmt.Errorf("%w: ambulance_id is required", ErrValidation)
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusAssigned)
	}

	hospital, err := s.resolveHospital(ctx, e, hospitalID)
	if err != nil {
		return nil, err
	}

	expected, from := e.Version, e.Status
	if err := Transition(e, StatusAssigned, ActorAmbulance, s.now()); err != nil {
		return nil, err
	}
	e.AmbulanceID = &ambulanceID
	if hospital != nil {
		lat, lng := hospital.Location.Lat, hospital.Location.Lng
		e.HospitalID = &hospital.ID
		e.HospitalLat = &lat
		e.HospitalLng = &lng
	}

	if s.roster != nil {
		if err := s.roster.Claim(ctx, ambulanceID); err != nil {
			return nil, err
		}
	}
	if err := s.commit(ctx, e, from, expected, ActorAmbulance, ambulanceID.String(), nil); err != nil {
		if s.roster != nil {
			if rerr := s.roster.SetAvailable(ctx, ambulanceID, true); rerr != nil {
				s.logger.Warn().Err(rerr).Str("ambulance_id", ambulanceID.String()).Msg("failed to release ambulance after rejected accept")
			}
		}
		return nil, err
	}
	return e, nil
}

// releaseAmbulance makes an ambulance available again once it has no
// active emergency left.
func (s *Service) releaseAmbulance(ctx context.Context, ambulanceID uuid.UUID) {
	if s.roster == nil {
		return
	}
	_, active, err := s.repo.Search(ctx, map[string]string{"ambulance_id": ambulanceID.String(), "active": "true"}, 1, 0)
	if err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", ambulanceID.String()).Msg("failed to check ambulance workload")
		return
	}
	if active > 0 {
		s.logger.Warn().Str("ambulance_id", ambulanceID.String()).Int("active", active).Msg("ambulance still has active emergencies, keeping it busy")
		return
	}
	if err := s.roster.SetAvailable(ctx, ambulanceID, true); err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", ambulanceID.String()).Msg("failed to release ambulance")
	}
}

func (s *Service) resolveHospital(ctx context.Context, e *Emergency, hospitalID *uuid.UUID) (*Hospital, error) {
	if s.hospitals == nil {
		if hospitalID != nil {
			return nil, fmt.Errorf("%w: hospital lookup unavailable", ErrNoHospital)
		}
		return nil, nil
	}
	if hospitalID != nil {
		h, err := s.hospitals.GetHospital(ctx, *hospitalID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoHospital, *hospitalID)
		}
		return h, nil
	}
	h, err := s.hospitals.NearestHospital(ctx, e.Location())
	if err != nil {
		// Dispatch proceeds; a hospital can be chosen once the patient is loaded.
		s.logger.Warn().Err(err).Str("emergency_id", e.ID.String()).Msg("no hospital found for emergency")
		return nil, nil
	}
	return h, nil
}

// Advance performs an ambulance-driven transition. An empty target means
// "the next step".
func (s *Service) Advance(ctx context.Context, id, ambulanceID uuid.UUID, to Status) (*Emergency, error) {
	return s.transition(ctx, id, ActorAmbulance, ambulanceID.String(), func(e *Emergency) (Status, error) {
		if e.AmbulanceID == nil || *e.AmbulanceID != ambulanceID {
			return "", ErrNotAssigned
		}
		if to != "" {
			return to, nil
		}
		next, ok := NextAdvance(e.Status)
		if !ok {
			return "", fmt.Errorf("%w: no ambulance step after %s", ErrInvalidTransition, e.Status)
		}
		return next, nil
	})
}

// Confirm acknowledges an arrival on behalf of the patient who raised it.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, patientID string) (*Emergency, error) {
	return s.transition(ctx, id, ActorPatient, patientID, func(e *Emergency) (Status, error) {
		if e.PatientID != patientID {
			return "", ErrNotAssigned
		}
		return confirmTarget(e)
	})
}

// HospitalOverride confirms an arrival on the patient's behalf. Only the
// hospital the emergency is routed to may do so.
func (s *Service) HospitalOverride(ctx context.Context, id, hospitalID uuid.UUID) (*Emergency, error) {
	return s.transition(ctx, id, ActorHospital, hospitalID.String(), func(e *Emergency) (Status, error) {
		if e.HospitalID == nil || *e.HospitalID != hospitalID {
			return "", ErrNotAssigned
		}
		return confirmTarget(e)
	})
}

// Cancel withdraws a pending emergency.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, patientID string) (*Emergency, error) {
	return s.transition(ctx, id, ActorPatient, patientID, func(e *Emergency) (Status, error) {
		if e.PatientID != patientID {
			return "", ErrNotAssigned
		}
		return StatusCancelled, nil
	})
}

// AdminTransition performs any legal transition without party checks.
func (s *Service) AdminTransition(ctx context.Context, id uuid.UUID, to Status, adminID string) (*Emergency, error) {
	return s.transition(ctx, id, ActorAdmin, adminID, func(*Emergency) (Status, error) {
		return to, nil
	})
}

func confirmTarget(e *Emergency) (Status, error) {
	to, ok := ConfirmTarget(e.Status)
	if !ok || !e.AwaitingConfirmation {
		return "", fmt.Errorf("%w: %s is not awaiting confirmation", ErrInvalidTransition, e.Status)
	}
	return to, nil
}

// AutoAdvance confirms e with the timeout actor when it has been awaiting
// confirmation for at least the configured timeout. It reports whether a
// transition happened.
func (s *Service) AutoAdvance(ctx context.Context, e *Emergency, now time.Time) (bool, error) {
	if !e.AwaitingConfirmation {
		return false, nil
	}
	if now.Sub(e.UpdatedAt) < s.timeout {
		return false, nil
	}
	to, err := confirmTarget(e)
	if err != nil {
		return false, err
	}
	expected, from := e.Version, e.Status
	if err := Transition(e, to, ActorTimeout, now); err != nil {
		return false, err
	}
	note := fmt.Sprintf("no confirmation within %s", s.timeout)
	if err := s.commit(ctx, e, from, expected, ActorTimeout, "", &note); err != nil {
		return false, err
	}
	return true, nil
}

// AutoAdvanceDue runs AutoAdvance over every emergency whose confirmation
// window has elapsed. Records confirmed concurrently by another actor are
// skipped.
func (s *Service) AutoAdvanceDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListAwaitingSince(ctx, now.Add(-s.timeout), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list awaiting emergencies: %w", err)
	}
	advanced := 0
	for _, e := range due {
		ok, err := s.AutoAdvance(ctx, e, now)
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition) {
				s.logger.Debug().Str("emergency_id", e.ID.String()).Msg("auto-advance lost race, skipping")
				continue
			}
			return advanced, err
		}
		if ok {
			advanced++
		}
	}
	return advanced, nil
}

// transition loads the record, lets decide pick the target (and veto the
// caller), validates the move and commits it.
func (s *Service) transition(ctx context.Context, id uuid.UUID, actor Actor, actorID string, decide func(e *Emergency) (Status, error)) (*Emergency, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := decide(e)
	if err != nil {
		return nil, err
	}
	expected, from := e.Version, e.Status
	if err := Transition(e, to, actor, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, e, from, expected, actor, actorID, nil); err != nil {
		return nil, err
	}
	return e, nil
}

// commit persists an already transitioned record together with its history
// row, then runs cache upkeep, ambulance release and listeners.
func (s *Service) commit(ctx context.Context, e *Emergency, from Status, expected int, actor Actor, actorID string, note *string) error {
	h := &StatusHistory{
		EmergencyID: e.ID,
		FromStatus:  from,
		ToStatus:    e.Status,
		Actor:       actor,
		ChangedAt:   e.UpdatedAt,
		Note:        note,
	}
	if actorID != "" {
		h.ActorID = &actorID
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, e, expected); err != nil {
			return err
		}
		return s.repo.AddStatusHistory(ctx, h)
	})
	if err != nil {
		e.Version = expected
		return err
	}

	if e.Status.Terminal() {
		if err := s.active.ClearActive(ctx, e.PatientID); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", e.PatientID).Msg("failed to clear active emergency")
		}
	}
	if e.Status == StatusCompleted && e.AmbulanceID != nil {
		s.releaseAmbulance(ctx, *e.AmbulanceID)
	}

	s.logger.Info().
		Str("emergency_id", e.ID.String()).
		Str("from", string(from)).
		Str("to", string(e.Status)).
		Str("actor", string(actor)).
		Int("version", e.Version).
		Msg("emergency status changed")

	s.notify(ctx, Change{Type: ChangeUpdated, Emergency: e, FromStatus: from, Actor: actor})
	return nil
}

func (s *Service) notify(ctx context.Context, c Change) {
	for _, l := range s.listeners {
		l.OnEmergencyChange(ctx, c)
	}
}

type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type nopIndex struct{}

func (nopIndex) SetActive(context.Context, string, uuid.UUID) error { return nil }
func (nopIndex) GetActive(context.Context, string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}
func (nopIndex) ClearActive(context.Context, string) error { return nil }
