package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/store/sqlstore"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *clock.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fc := clock.NewFake(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	st := sqlstore.Wrap(db, "sqlmock")
	logger := logrus.New()
	logger.SetOutput(noopWriter{})
	return New(st, fc, logger), mock, fc
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAcquireWinnerGetsLock(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectExec(`UPDATE stock_locks SET status`).
		WithArgs(models.LockStatusExpired, now, models.LockStatusActive, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`INSERT INTO stock_locks`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery(`SELECT id, symbol, worker_id, acquired_at, expires_at, heartbeat_at, status, created_at, updated_at\s+FROM stock_locks WHERE symbol`).
		WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "worker_id", "acquired_at", "expires_at", "heartbeat_at", "status", "created_at", "updated_at"}).
			AddRow("lid1", "AAPL", "w1", now, now.Add(5*time.Minute), now, models.LockStatusActive, now, now))

	got, err := svc.Acquire(ctx, "AAPL", "w1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.WorkerID != "w1" {
		t.Errorf("WorkerID = %q, want w1", got.WorkerID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAcquireLoserGetsLockAcquisitionError(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectExec(`UPDATE stock_locks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO stock_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // lost the race, 0 rows affected

	mock.ExpectQuery(`SELECT id, symbol, worker_id`).
		WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "worker_id", "acquired_at", "expires_at", "heartbeat_at", "status", "created_at", "updated_at"}).
			AddRow("lid0", "AAPL", "w-other", now.Add(-time.Minute), now.Add(4*time.Minute), now, models.LockStatusActive, now, now))

	_, err := svc.Acquire(ctx, "AAPL", "w2", 5*time.Minute)
	if !errors.Is(err, apperrors.ErrLockAcquisition) {
		t.Errorf("expected ErrLockAcquisition, got %v", err)
	}
}

func TestRenewExpiredReturnsLockExpiredError(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT id, symbol, worker_id`).
		WithArgs("MSFT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "worker_id", "acquired_at", "expires_at", "heartbeat_at", "status", "created_at", "updated_at"}).
			AddRow("lid2", "MSFT", "w1", now.Add(-10*time.Minute), now.Add(-time.Second), now.Add(-time.Minute), models.LockStatusActive, now, now))

	_, err := svc.Renew(ctx, "MSFT", "w1", 5*time.Minute)
	if !errors.Is(err, apperrors.ErrLockExpired) {
		t.Errorf("expected ErrLockExpired, got %v", err)
	}
}

func TestReleaseByNonOwnerIsIgnored(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE stock_locks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	released, err := svc.Release(ctx, "AAPL", "w-not-owner")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Error("expected Release by non-owner to report false")
	}
}

func TestCleanupExpiredCountsRows(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE stock_locks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 3 {
		t.Errorf("CleanupExpired = %d, want 3", n)
	}
}
