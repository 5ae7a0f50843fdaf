package lifecycle

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

	fc := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := sqlstore.Wrap(db, "sqlmock")
	logger := logrus.New()
	logger.SetOutput(noopWriter{})
	return New(st, nil, fc, logger), mock, fc
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestStartFreshWorker(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT worker_id, status, current_symbol`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"worker_id", "status", "current_symbol", "started_at", "last_heartbeat_at", "created_at", "updated_at"}))
	mock.ExpectExec(`INSERT INTO worker_processes`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w, err := svc.Start(ctx, "w1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.Status != models.WorkerStatusIdle {
		t.Errorf("Status = %s, want IDLE", w.Status)
	}
	if !w.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %s, want %s", w.StartedAt, now)
	}
}

func TestStartConflictWhileNonTerminated(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT worker_id, status, current_symbol`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"worker_id", "status", "current_symbol", "started_at", "last_heartbeat_at", "created_at", "updated_at"}).
			AddRow("w1", models.WorkerStatusScanning, "", now, now, now, now))

	_, err := svc.Start(ctx, "w1")
	if !errors.Is(err, apperrors.ErrWorkerConflict) {
		t.Errorf("expected ErrWorkerConflict, got %v", err)
	}
}

func TestTransitionIllegalEdgeRejected(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT worker_id, status, current_symbol`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"worker_id", "status", "current_symbol", "started_at", "last_heartbeat_at", "created_at", "updated_at"}).
			AddRow("w1", models.WorkerStatusIdle, "", now, now, now, now))

	_, err := svc.Transition(ctx, "w1", models.WorkerStatusHolding, "buy_signal_locked", "AAPL")
	if !errors.Is(err, apperrors.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTransitionToHoldingRequiresSymbol(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT worker_id, status, current_symbol`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"worker_id", "status", "current_symbol", "started_at", "last_heartbeat_at", "created_at", "updated_at"}).
			AddRow("w1", models.WorkerStatusScanning, "", now, now, now, now))

	_, err := svc.Transition(ctx, "w1", models.WorkerStatusHolding, "buy_signal_locked", "")
	if !errors.Is(err, apperrors.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition for missing symbol, got %v", err)
	}
}

func TestTransitionOutOfHoldingClearsSymbol(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT worker_id, status, current_symbol`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"worker_id", "status", "current_symbol", "started_at", "last_heartbeat_at", "created_at", "updated_at"}).
			AddRow("w1", models.WorkerStatusHolding, "AAPL", now, now, now, now))
	mock.ExpectExec(`UPDATE worker_processes SET status`).
		WithArgs(models.WorkerStatusScanning, "", now, "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w, err := svc.Transition(ctx, "w1", models.WorkerStatusScanning, "position_closed", "ignored")
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if w.CurrentSymbol != "" {
		t.Errorf("CurrentSymbol = %q, want empty after leaving HOLDING", w.CurrentSymbol)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE worker_processes SET last_heartbeat_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.Heartbeat(ctx, "ghost")
	if !errors.Is(err, apperrors.ErrWorkerNotFound) {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestCleanupStaleWorkersSkipsFresh(t *testing.T) {
	svc, mock, fc := newTestService(t)
	ctx := context.Background()
	now := fc.Now()

	mock.ExpectQuery(`SELECT worker_id, status, current_symbol`).
		WillReturnRows(sqlmock.NewRows([]string{"worker_id", "status", "current_symbol", "started_at", "last_heartbeat_at", "created_at", "updated_at"}).
			AddRow("w1", models.WorkerStatusScanning, "", now.Add(-time.Hour), now.Add(-time.Second), now.Add(-time.Hour), now.Add(-time.Second)))

	n, err := svc.CleanupStaleWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("CleanupStaleWorkers: %v", err)
	}
	if n != 0 {
		t.Errorf("CleanupStaleWorkers reaped %d, want 0 (heartbeat within threshold)", n)
	}
}
