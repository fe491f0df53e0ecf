package emergency

import "errors"

var (
	ErrNotFound              = errors.New("emergency not found")
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrForbiddenActor        = errors.New("actor not allowed")
	ErrNotAssigned           = errors.New("not assigned to this emergency")
	ErrConflict              = errors.New("emergency was modified concurrently")
	ErrActiveEmergencyExists = errors.New("patient already has an active emergency")
	ErrNoHospital            = errors.New("no hospital available")
	ErrAmbulanceBusy         = errors.New("ambulance is already on an emergency")
)
