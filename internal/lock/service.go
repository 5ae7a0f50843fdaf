// Package lock implements the distributed symbol-lock service: atomic
// acquire/release/renew/heartbeat/expire of per-symbol worker ownership,
// backed entirely by the store's conditional-insert primitive. No
// in-process mutex is a substitute for this; correctness depends on the
// store's atomicity across worker processes.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/metrics"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/store"
)

// Service is the Lock Service of spec §4.3.
type Service struct {
	store  store.Store
	clock  clock.Clock
	logger *logrus.Logger
}

// New constructs a Lock Service.
func New(st store.Store, clk clock.Clock, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{store: st, clock: clk, logger: logger}
}

// Acquire attempts to take exclusive ownership of symbol for ttl. A
// same-worker re-acquire renews the TTL (idempotent). Returns
// apperrors.ErrLockAcquisition if another worker already owns the symbol.
func (s *Service) Acquire(ctx context.Context, symbol, workerID string, ttl time.Duration) (*models.StockLock, error) {
	if _, err := s.CleanupExpired(ctx); err != nil {
		// Best-effort: cleanup failure must not block acquisition.
		s.logger.WithError(err).WithField("symbol", symbol).Warn("lock cleanup_expired failed before acquire")
	}

	now := s.clock.Now()
	id := uuid.NewString()
	expiresAt := now.Add(ttl)

	inserted, err := s.store.InsertIfAbsent(ctx, `
		INSERT INTO stock_locks (id, symbol, worker_id, acquired_at, expires_at, heartbeat_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO NOTHING`,
		id, symbol, workerID, now, expiresAt, now, models.LockStatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire insert for %s: %w", symbol, apperrors.ErrStore)
	}

	current, err := s.GetLock(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("lock: reading current lock for %s: %w", symbol, apperrors.ErrStore)
	}
	if current == nil || current.Status != models.LockStatusActive || current.WorkerID != workerID {
		owner := "none"
		if current != nil {
			owner = current.WorkerID
		}
		metrics.LockConflicts.WithLabelValues(symbol).Inc()
		return nil, apperrors.Wrap(apperrors.ErrLockAcquisition, "lock: %s already held by %s", symbol, owner)
	}
	metrics.LockAcquisitions.WithLabelValues(symbol).Inc()
	if inserted {
		// Our insert won the race; the row already carries the requested TTL.
		return current, nil
	}
	// Idempotent re-acquire by the same owner of an existing ACTIVE row: renew it.
	return s.renewLocked(ctx, current, ttl, now)
}

// Release transitions the ACTIVE row for symbol to EXPIRED iff owned by
// workerID. A foreign release is silently ignored (logged at warn) and
// returns false, not an error.
func (s *Service) Release(ctx context.Context, symbol, workerID string) (bool, error) {
	n, err := s.store.Exec(ctx, `
		UPDATE stock_locks SET status = ?, updated_at = ?
		WHERE symbol = ? AND worker_id = ? AND status = ?`,
		models.LockStatusExpired, s.clock.Now(), symbol, workerID, models.LockStatusActive)
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", symbol, apperrors.ErrStore)
	}
	if n == 0 {
		s.logger.WithFields(logrus.Fields{"symbol": symbol, "worker_id": workerID}).
			Warn("lock: release attempted by non-owner or on non-active lock; ignored")
		return false, nil
	}
	return true, nil
}

// Renew extends expires_at by ttl and bumps heartbeat_at, only if the lock
// is still ACTIVE and owned by workerID.
func (s *Service) Renew(ctx context.Context, symbol, workerID string, ttl time.Duration) (*models.StockLock, error) {
	current, err := s.GetLock(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("lock: renew read %s: %w", symbol, apperrors.ErrStore)
	}
	if current == nil {
		return nil, apperrors.Wrap(apperrors.ErrLockNotFound, "lock: %s not found", symbol)
	}
	now := s.clock.Now()
	if current.Status != models.LockStatusActive || !current.OwnedBy(workerID) {
		return nil, apperrors.Wrap(apperrors.ErrLockNotFound, "lock: %s not held by %s", symbol, workerID)
	}
	if now.After(current.ExpiresAt) {
		return nil, apperrors.Wrap(apperrors.ErrLockExpired, "lock: %s expired at %s", symbol, current.ExpiresAt)
	}
	return s.renewLocked(ctx, current, ttl, now)
}

func (s *Service) renewLocked(ctx context.Context, l *models.StockLock, ttl time.Duration, now time.Time) (*models.StockLock, error) {
	newExpiry := l.ExpiresAt.Add(ttl)
	if now.Add(ttl).After(newExpiry) {
		newExpiry = now.Add(ttl)
	}
	_, err := s.store.Exec(ctx, `
		UPDATE stock_locks SET expires_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE symbol = ? AND worker_id = ? AND status = ?`,
		newExpiry, now, now, l.Symbol, l.WorkerID, models.LockStatusActive)
	if err != nil {
		return nil, fmt.Errorf("lock: renew update %s: %w", l.Symbol, apperrors.ErrStore)
	}
	l.ExpiresAt = newExpiry
	l.HeartbeatAt = now
	l.UpdatedAt = now
	return l, nil
}

// Heartbeat updates heartbeat_at only; it does not extend the TTL. Returns
// false if the lock isn't held (ACTIVE + owned) by workerID.
func (s *Service) Heartbeat(ctx context.Context, symbol, workerID string) (bool, error) {
	n, err := s.store.Exec(ctx, `
		UPDATE stock_locks SET heartbeat_at = ?, updated_at = ?
		WHERE symbol = ? AND worker_id = ? AND status = ?`,
		s.clock.Now(), s.clock.Now(), symbol, workerID, models.LockStatusActive)
	if err != nil {
		return false, fmt.Errorf("lock: heartbeat %s: %w", symbol, apperrors.ErrStore)
	}
	return n > 0, nil
}

// CleanupExpired marks all ACTIVE rows whose expires_at has elapsed as
// EXPIRED in a single UPDATE, safe to call concurrently from many workers.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.store.Exec(ctx, `
		UPDATE stock_locks SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at < ?`,
		models.LockStatusExpired, s.clock.Now(), models.LockStatusActive, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("lock: cleanup_expired: %w", apperrors.ErrStore)
	}
	return int(n), nil
}

// GetLock returns the current row for symbol regardless of status, or nil
// if none exists.
func (s *Service) GetLock(ctx context.Context, symbol string) (*models.StockLock, error) {
	row := s.store.QueryOne(ctx, `
		SELECT id, symbol, worker_id, acquired_at, expires_at, heartbeat_at, status, created_at, updated_at
		FROM stock_locks WHERE symbol = ?`, symbol)
	var l models.StockLock
	err := row.Scan(&l.ID, &l.Symbol, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err == store.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: get_lock %s: %w", symbol, apperrors.ErrStore)
	}
	return &l, nil
}

// ListActiveLocks returns every row currently in ACTIVE status.
func (s *Service) ListActiveLocks(ctx context.Context) ([]*models.StockLock, error) {
	rows, err := s.store.QueryAll(ctx, `
		SELECT id, symbol, worker_id, acquired_at, expires_at, heartbeat_at, status, created_at, updated_at
		FROM stock_locks WHERE status = ?`, models.LockStatusActive)
	if err != nil {
		return nil, fmt.Errorf("lock: list_active_locks: %w", apperrors.ErrStore)
	}
	defer rows.Close()

	var out []*models.StockLock
	for rows.Next() {
		var l models.StockLock
		if err := rows.Scan(&l.ID, &l.Symbol, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("lock: scan active lock: %w", apperrors.ErrStore)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
