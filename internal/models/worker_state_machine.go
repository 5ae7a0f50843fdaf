package models

import "fmt"

// WorkerTransition defines one legal edge in the worker status graph.
type WorkerTransition struct {
	From        WorkerStatus
	To          WorkerStatus
	Condition   string
	Description string
}

// WorkerTransitions enumerates the orchestrator state graph of spec §4.9:
//
//	IDLE --start--> SCANNING --buy-signal+lock--> HOLDING --sell-signal/forced-exit--> SCANNING
//	any state --stop--> EXITING --terminate--> TERMINATED
var WorkerTransitions = []WorkerTransition{
	{WorkerStatusIdle, WorkerStatusScanning, "start", "Bootstrap into the scan loop"},
	{WorkerStatusScanning, WorkerStatusHolding, "buy_signal_locked", "Candidate locked and buy order submitted"},
	{WorkerStatusHolding, WorkerStatusScanning, "position_closed", "Sell filled or forced exit completed"},
	{WorkerStatusIdle, WorkerStatusExiting, "stop", "Shutdown requested while idle"},
	{WorkerStatusScanning, WorkerStatusExiting, "stop", "Shutdown requested while scanning"},
	{WorkerStatusHolding, WorkerStatusExiting, "stop", "Shutdown requested while holding a position"},
	{WorkerStatusExiting, WorkerStatusTerminated, "terminate", "Forced exit and summary complete"},
}

var workerTransitionLookup map[WorkerStatus]map[WorkerStatus]map[string]bool

func init() {
	workerTransitionLookup = make(map[WorkerStatus]map[WorkerStatus]map[string]bool)
	for _, t := range WorkerTransitions {
		if workerTransitionLookup[t.From] == nil {
			workerTransitionLookup[t.From] = make(map[WorkerStatus]map[string]bool)
		}
		if workerTransitionLookup[t.From][t.To] == nil {
			workerTransitionLookup[t.From][t.To] = make(map[string]bool)
		}
		workerTransitionLookup[t.From][t.To][t.Condition] = true
	}
}

// CanTransitionWorker reports whether moving a worker from `from` to `to`
// under `condition` is a legal edge in WorkerTransitions.
func CanTransitionWorker(from, to WorkerStatus, condition string) bool {
	toMap, ok := workerTransitionLookup[from]
	if !ok {
		return false
	}
	conds, ok := toMap[to]
	if !ok {
		return false
	}
	return conds[condition]
}

// ValidateWorkerTransition returns an error describing why the transition is
// illegal, or nil if it is legal. TERMINATED never transitions again.
func ValidateWorkerTransition(from, to WorkerStatus, condition string) error {
	if from == WorkerStatusTerminated {
		return fmt.Errorf("worker status %s is terminal, cannot transition to %s", from, to)
	}
	if !CanTransitionWorker(from, to, condition) {
		return fmt.Errorf("invalid worker transition from %s to %s on condition %q", from, to, condition)
	}
	return nil
}
