package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically force-releases reservations older than MaxAge. No
// reservation should outlive the request that created it; the sweeper is the
// backstop for requests that died between Reserve and resolution.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper. interval defaults to one minute, maxAge to
// ten minutes.
func NewSweeper(l Ledger, interval, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{ledger: l, interval: interval, maxAge: maxAge, logger: logger}
}

// Run sweeps until ctx is cancelled. Intended to be started in its own
// goroutine at process startup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := s.ledger.SweepExpired(ctx, s.maxAge)
			if err != nil {
				s.logger.Error("reservation sweep failed", zap.Error(err))
				continue
			}
			if released > 0 {
				s.logger.Warn("force-released stale reservations",
					zap.Int("count", released),
					zap.Duration("max_age", s.maxAge),
				)
			}
		}
	}
}
