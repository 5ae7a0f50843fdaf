// Package lifecycle implements the Worker Lifecycle Service: registering
// worker processes, enforcing the orchestrator's status graph, heartbeating,
// and reaping workers whose heartbeat has gone stale.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/lock"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/store"
)

// Service is the Worker Lifecycle Service of spec §4.4.
type Service struct {
	store  store.Store
	locks  *lock.Service
	clock  clock.Clock
	logger *logrus.Logger
}

// New constructs a Lifecycle Service. locks is used by CleanupStaleWorkers to
// release locks owned by a worker being reaped; it may be nil only in tests
// that never exercise that path.
func New(st store.Store, locks *lock.Service, clk clock.Clock, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{store: st, locks: locks, clock: clk, logger: logger}
}

// Start registers workerID in status IDLE. A row left TERMINATED by a prior
// run may be overwritten; a row in any other non-terminal status is a
// conflict (the worker_id is still considered live).
func (s *Service) Start(ctx context.Context, workerID string) (*models.WorkerProcess, error) {
	existing, err := s.Get(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: start read %s: %w", workerID, err)
	}
	now := s.clock.Now()
	if existing != nil && existing.Status != models.WorkerStatusTerminated {
		return nil, apperrors.Wrap(apperrors.ErrWorkerConflict, "lifecycle: %s already registered as %s", workerID, existing.Status)
	}

	w := &models.WorkerProcess{
		WorkerID:        workerID,
		Status:          models.WorkerStatusIdle,
		StartedAt:       now,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing == nil {
		_, err = s.store.Exec(ctx, `
			INSERT INTO worker_processes (worker_id, status, current_symbol, started_at, last_heartbeat_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.WorkerID, w.Status, "", w.StartedAt, w.LastHeartbeatAt, w.CreatedAt, w.UpdatedAt)
	} else {
		_, err = s.store.Exec(ctx, `
			UPDATE worker_processes SET status = ?, current_symbol = ?, started_at = ?, last_heartbeat_at = ?, updated_at = ?
			WHERE worker_id = ?`,
			w.Status, "", w.StartedAt, w.LastHeartbeatAt, w.UpdatedAt, w.WorkerID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: start write %s: %w", workerID, apperrors.ErrStore)
	}
	return w, nil
}

// Transition moves workerID to newStatus under condition, enforcing the
// state graph of models.WorkerTransitions. symbol is required (and must be
// non-empty) transitioning into HOLDING, and is cleared transitioning out of
// it regardless of what's passed.
func (s *Service) Transition(ctx context.Context, workerID string, newStatus models.WorkerStatus, condition, symbol string) (*models.WorkerProcess, error) {
	w, err := s.Get(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: transition read %s: %w", workerID, err)
	}
	if w == nil {
		return nil, apperrors.Wrap(apperrors.ErrWorkerNotFound, "lifecycle: %s not found", workerID)
	}
	if err := models.ValidateWorkerTransition(w.Status, newStatus, condition); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIllegalTransition, "lifecycle: %s: %s", workerID, err)
	}
	if newStatus == models.WorkerStatusHolding && symbol == "" {
		return nil, apperrors.Wrap(apperrors.ErrIllegalTransition, "lifecycle: %s: transition to HOLDING requires a symbol", workerID)
	}
	if newStatus != models.WorkerStatusHolding {
		symbol = ""
	}

	now := s.clock.Now()
	_, err = s.store.Exec(ctx, `
		UPDATE worker_processes SET status = ?, current_symbol = ?, updated_at = ?
		WHERE worker_id = ?`,
		newStatus, symbol, now, workerID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: transition write %s: %w", workerID, apperrors.ErrStore)
	}
	w.Status = newStatus
	w.CurrentSymbol = symbol
	w.UpdatedAt = now
	return w, nil
}

// Heartbeat updates last_heartbeat_at only; it has no effect on status.
func (s *Service) Heartbeat(ctx context.Context, workerID string) error {
	n, err := s.store.Exec(ctx, `
		UPDATE worker_processes SET last_heartbeat_at = ?, updated_at = ?
		WHERE worker_id = ? AND status != ?`,
		s.clock.Now(), s.clock.Now(), workerID, models.WorkerStatusTerminated)
	if err != nil {
		return fmt.Errorf("lifecycle: heartbeat %s: %w", workerID, apperrors.ErrStore)
	}
	if n == 0 {
		return apperrors.Wrap(apperrors.ErrWorkerNotFound, "lifecycle: heartbeat: %s not found or terminated", workerID)
	}
	return nil
}

// Stop transitions workerID directly to TERMINATED and clears current_symbol,
// regardless of its current status (the caller is expected to have already
// executed any forced-exit sequence while still HOLDING).
func (s *Service) Stop(ctx context.Context, workerID string) error {
	now := s.clock.Now()
	n, err := s.store.Exec(ctx, `
		UPDATE worker_processes SET status = ?, current_symbol = ?, updated_at = ?
		WHERE worker_id = ? AND status != ?`,
		models.WorkerStatusTerminated, "", now, workerID, models.WorkerStatusTerminated)
	if err != nil {
		return fmt.Errorf("lifecycle: stop %s: %w", workerID, apperrors.ErrStore)
	}
	if n == 0 {
		s.logger.WithField("worker_id", workerID).Warn("lifecycle: stop on already-terminated or unknown worker")
	}
	return nil
}

// CleanupStaleWorkers terminates every worker whose heartbeat is older than
// threshold and releases any lock it owns first, so no symbol is left
// exclusively held by a dead process.
func (s *Service) CleanupStaleWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	workers, err := s.listNonTerminated(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: cleanup_stale_workers list: %w", err)
	}
	now := s.clock.Now()
	var reaped int
	for _, w := range workers {
		if !w.IsStale(now, threshold) {
			continue
		}
		if s.locks != nil {
			if w.CurrentSymbol != "" {
				if _, relErr := s.locks.Release(ctx, w.CurrentSymbol, w.WorkerID); relErr != nil {
					s.logger.WithError(relErr).WithFields(logrus.Fields{"worker_id": w.WorkerID, "symbol": w.CurrentSymbol}).
						Warn("lifecycle: cleanup_stale_workers: failed to release lock, will retry on next sweep")
					continue
				}
			}
		}
		if _, err := s.store.Exec(ctx, `
			UPDATE worker_processes SET status = ?, current_symbol = ?, updated_at = ?
			WHERE worker_id = ?`,
			models.WorkerStatusTerminated, "", now, w.WorkerID); err != nil {
			s.logger.WithError(err).WithField("worker_id", w.WorkerID).Warn("lifecycle: cleanup_stale_workers: failed to mark terminated")
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Get returns the WorkerProcess row for workerID, or nil if none exists.
func (s *Service) Get(ctx context.Context, workerID string) (*models.WorkerProcess, error) {
	row := s.store.QueryOne(ctx, `
		SELECT worker_id, status, current_symbol, started_at, last_heartbeat_at, created_at, updated_at
		FROM worker_processes WHERE worker_id = ?`, workerID)
	var w models.WorkerProcess
	err := row.Scan(&w.WorkerID, &w.Status, &w.CurrentSymbol, &w.StartedAt, &w.LastHeartbeatAt, &w.CreatedAt, &w.UpdatedAt)
	if err == store.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get %s: %w", workerID, apperrors.ErrStore)
	}
	return &w, nil
}

func (s *Service) listNonTerminated(ctx context.Context) ([]*models.WorkerProcess, error) {
	rows, err := s.store.QueryAll(ctx, `
		SELECT worker_id, status, current_symbol, started_at, last_heartbeat_at, created_at, updated_at
		FROM worker_processes WHERE status != ?`, models.WorkerStatusTerminated)
	if err != nil {
		return nil, fmt.Errorf("%w", apperrors.ErrStore)
	}
	defer rows.Close()

	var out []*models.WorkerProcess
	for rows.Next() {
		var w models.WorkerProcess
		if err := rows.Scan(&w.WorkerID, &w.Status, &w.CurrentSymbol, &w.StartedAt, &w.LastHeartbeatAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", apperrors.ErrStore)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ListAll returns every worker_processes row regardless of status, ordered
// by worker_id. Used by the dashboard, which needs terminated workers too.
func (s *Service) ListAll(ctx context.Context) ([]*models.WorkerProcess, error) {
	rows, err := s.store.QueryAll(ctx, `
		SELECT worker_id, status, current_symbol, started_at, last_heartbeat_at, created_at, updated_at
		FROM worker_processes ORDER BY worker_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w", apperrors.ErrStore)
	}
	defer rows.Close()

	var out []*models.WorkerProcess
	for rows.Next() {
		var w models.WorkerProcess
		if err := rows.Scan(&w.WorkerID, &w.Status, &w.CurrentSymbol, &w.StartedAt, &w.LastHeartbeatAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", apperrors.ErrStore)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
