package emergency

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the sweeper looks for expired
// confirmation windows.
const DefaultSweepInterval = 30 * time.Second

// Sweeper applies the timeout auto-advance on a fixed interval. Only one
// instance needs to run it; concurrent sweepers are safe because every write
// is version checked.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger, now: time.Now}
}

// Start blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Dur("timeout", s.svc.ConfirmationTimeout()).Msg("confirmation sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of emergencies
// advanced. Errors are logged; the next tick retries.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.svc.AutoAdvanceDue(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Int("advanced", n).Msg("confirmation sweep failed")
		return n
	}
	if n > 0 {
		s.logger.Info().Int("advanced", n).Msg("auto-advanced emergencies after confirmation timeout")
	}
	return n
}
