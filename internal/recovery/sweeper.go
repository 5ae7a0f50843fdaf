package recovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// lockCleaner is the slice of lock.Service the Sweeper depends on.
type lockCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// workerCleaner is the slice of lifecycle.Service the Sweeper depends on.
type workerCleaner interface {
	CleanupStaleWorkers(ctx context.Context, threshold time.Duration) (int, error)
}

// Sweeper runs the periodic stale-lock/stale-worker cleanup pass of spec
// §4.10. It may run in any worker process; both underlying cleanup calls
// are row-level, conditional operations, so running it concurrently from
// many workers is safe and idempotent.
type Sweeper struct {
	locks          lockCleaner
	workers        workerCleaner
	staleThreshold time.Duration
	logger         *logrus.Logger
}

// NewSweeper constructs a Sweeper. staleThreshold is the worker-lifecycle
// staleness window (spec recommends 3x the heartbeat interval).
func NewSweeper(locks lockCleaner, workers workerCleaner, staleThreshold time.Duration, logger *logrus.Logger) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{locks: locks, workers: workers, staleThreshold: staleThreshold, logger: logger}
}

// RunOnce performs one cleanup pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if n, err := s.locks.CleanupExpired(ctx); err != nil {
		s.logger.WithError(err).Error("recovery: sweeper: cleanup_expired locks failed")
	} else if n > 0 {
		s.logger.WithField("count", n).Info("recovery: sweeper: released expired locks")
	}

	if n, err := s.workers.CleanupStaleWorkers(ctx, s.staleThreshold); err != nil {
		s.logger.WithError(err).Error("recovery: sweeper: cleanup_stale_workers failed")
	} else if n > 0 {
		s.logger.WithField("count", n).Info("recovery: sweeper: terminated stale workers")
	}
}

// Run loops RunOnce on interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
