package models

import (
	"testing"
	"time"
)

func TestCanTransitionWorker(t *testing.T) {
	tests := []struct {
		name      string
		from      WorkerStatus
		to        WorkerStatus
		condition string
		want      bool
	}{
		{"idle to scanning", WorkerStatusIdle, WorkerStatusScanning, "start", true},
		{"scanning to holding", WorkerStatusScanning, WorkerStatusHolding, "buy_signal_locked", true},
		{"holding to scanning", WorkerStatusHolding, WorkerStatusScanning, "position_closed", true},
		{"holding to exiting", WorkerStatusHolding, WorkerStatusExiting, "stop", true},
		{"exiting to terminated", WorkerStatusExiting, WorkerStatusTerminated, "terminate", true},
		{"wrong condition", WorkerStatusIdle, WorkerStatusScanning, "stop", false},
		{"idle cannot go straight to holding", WorkerStatusIdle, WorkerStatusHolding, "buy_signal_locked", false},
		{"unknown from state", WorkerStatusTerminated, WorkerStatusScanning, "start", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionWorker(tt.from, tt.to, tt.condition); got != tt.want {
				t.Errorf("CanTransitionWorker(%s, %s, %s) = %v, want %v", tt.from, tt.to, tt.condition, got, tt.want)
			}
		})
	}
}

func TestValidateWorkerTransitionTerminalIsFinal(t *testing.T) {
	if err := ValidateWorkerTransition(WorkerStatusTerminated, WorkerStatusScanning, "start"); err == nil {
		t.Error("expected TERMINATED to reject further transitions")
	}
}

func TestWorkerIsStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	w := &WorkerProcess{Status: WorkerStatusScanning, LastHeartbeatAt: now.Add(-time.Minute)}
	if !w.IsStale(now, 30*time.Second) {
		t.Error("expected worker with 1m-old heartbeat to be stale at a 30s threshold")
	}
	if w.IsStale(now, 2*time.Minute) {
		t.Error("expected worker with 1m-old heartbeat not to be stale at a 2m threshold")
	}
	w.Status = WorkerStatusTerminated
	if w.IsStale(now, time.Nanosecond) {
		t.Error("expected a TERMINATED worker never to be reported stale")
	}
}
