// Package worker implements the Worker Main orchestrator (spec §4.9): the
// single event-loop task that scans for candidates, holds one symbol at a
// time, and manages its own lifecycle/lock/order bookkeeping, plus the
// heartbeat and fill-consumer background tasks that run alongside it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/lifecycle"
	"github.com/bracketrun/equityfleet/internal/lock"
	"github.com/bracketrun/equityfleet/internal/marketdata"
	"github.com/bracketrun/equityfleet/internal/metrics"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/orders"
	"github.com/bracketrun/equityfleet/internal/pnl"
	"github.com/bracketrun/equityfleet/internal/strategy"
)

// Notifier sends an operational alert; a no-op implementation is fine when
// no alerting channel is configured (spec §9's "capability, no-op when
// absent" guidance).
type Notifier interface {
	Notify(ctx context.Context, level, message string)
}

// Config wires every dependency the orchestrator needs. No service holds a
// back-reference to Worker.
type Config struct {
	WorkerID  string
	AccountID string

	Broker    broker.Broker
	Lock      *lock.Service
	Lifecycle *lifecycle.Service
	Orders    *orders.Service
	Poller    *marketdata.Poller
	Strategy  *strategy.Executor
	Summaries *pnl.DailySummaryService
	Clock     clock.Clock
	Logger    *logrus.Logger
	Notifier  Notifier

	Universe      []string
	Filters       marketdata.Filters
	MaxCandidates int
	BuyQty        int64

	LockTTL              time.Duration
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	LockRenewalThreshold time.Duration
	FillTimeout          time.Duration
	ShutdownDeadline     time.Duration

	// ForcedExitWindow reports whether now falls inside the end-of-day
	// liquidation window; nil means the window never opens (tests only).
	ForcedExitWindow func(now time.Time) bool
}

// Worker is the Worker Main orchestrator of spec §4.9.
type Worker struct {
	cfg Config

	mu               sync.Mutex
	currentSymbol    string
	position         models.Position
	positionOpenedAt time.Time
	book             *pnl.FIFOBook

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Worker. Panics if a required dependency is nil, matching
// the rest of the core's fail-fast constructor discipline.
func New(cfg Config) *Worker {
	switch {
	case cfg.Broker == nil:
		panic("worker.New: Broker must not be nil")
	case cfg.Lock == nil:
		panic("worker.New: Lock must not be nil")
	case cfg.Lifecycle == nil:
		panic("worker.New: Lifecycle must not be nil")
	case cfg.Orders == nil:
		panic("worker.New: Orders must not be nil")
	case cfg.Poller == nil:
		panic("worker.New: Poller must not be nil")
	case cfg.Strategy == nil:
		panic("worker.New: Strategy must not be nil")
	case cfg.Clock == nil:
		panic("worker.New: Clock must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.ForcedExitWindow == nil {
		cfg.ForcedExitWindow = func(time.Time) bool { return false }
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.LockRenewalThreshold <= 0 {
		cfg.LockRenewalThreshold = cfg.LockTTL / 3
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 60 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		book:   pnl.NewFIFOBook(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run registers the worker, starts its background tasks, and blocks on the
// event loop until Stop is called or ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.cfg.Lifecycle.Start(ctx, w.cfg.WorkerID); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}

	if err := w.cfg.Poller.Start(ctx, w.cfg.Universe); err != nil {
		w.cfg.Logger.WithError(err).Warn("worker: failed to start quote subscription, candidates will be empty until retried")
	}
	if err := w.cfg.Broker.SubscribeExecutions(ctx, w.onFill); err != nil {
		w.cfg.Logger.WithError(err).Warn("worker: failed to subscribe to executions")
	}

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.heartbeatLoop(ctx)
	}()

	if err := w.transition(ctx, models.WorkerStatusScanning, "start", ""); err != nil {
		return fmt.Errorf("worker: bootstrap transition: %w", err)
	}

	ticker := w.cfg.Clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-w.stopCh:
			break loop
		case <-ticker.C():
			w.tick(ctx)
		}
	}

	w.shutdown(ctx)
	bg.Wait()
	close(w.doneCh)
	return nil
}

// Stop requests a graceful shutdown: the event loop finishes its current
// tick, executes a forced exit if HOLDING, persists the daily summary, and
// transitions to TERMINATED.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done reports when Run has fully returned.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

func (w *Worker) tick(ctx context.Context) {
	wp, err := w.cfg.Lifecycle.Get(ctx, w.cfg.WorkerID)
	if err != nil || wp == nil {
		w.cfg.Logger.WithError(err).Error("worker: failed to read own lifecycle status")
		return
	}
	switch wp.Status {
	case models.WorkerStatusScanning:
		w.scan(ctx)
	case models.WorkerStatusHolding:
		w.manageHolding(ctx)
	}
}

func (w *Worker) transition(ctx context.Context, to models.WorkerStatus, condition, symbol string) error {
	_, err := w.cfg.Lifecycle.Transition(ctx, w.cfg.WorkerID, to, condition, symbol)
	if err == nil {
		metrics.SetWorkerStatus(w.cfg.WorkerID, string(to), allWorkerStatuses)
	}
	return err
}

var allWorkerStatuses = []string{
	string(models.WorkerStatusIdle),
	string(models.WorkerStatusScanning),
	string(models.WorkerStatusHolding),
	string(models.WorkerStatusExiting),
	string(models.WorkerStatusTerminated),
}

// scan implements the SCANNING branch of the event loop: discover
// candidates, try each highest-score-first until one both passes the
// strategy's buy gate and yields an acquired lock.
func (w *Worker) scan(ctx context.Context) {
	candidates, err := w.cfg.Poller.DiscoverCandidates(ctx, w.cfg.Universe, w.cfg.Filters, w.cfg.MaxCandidates)
	if err != nil {
		w.cfg.Logger.WithError(err).Warn("worker: discover_candidates failed, retrying next tick")
		return
	}
	cash, err := w.cfg.Broker.GetCash(ctx, w.cfg.AccountID)
	if err != nil {
		w.cfg.Logger.WithError(err).Warn("worker: get_cash failed, using zero buying power for this tick")
		cash = decimal.Zero
	}
	now := w.cfg.Clock.Now()

	for _, c := range candidates {
		sig := w.cfg.Strategy.ShouldBuy(c, strategy.Context{Now: now, AccountCash: cash})
		if sig == nil {
			continue
		}
		if _, err := w.cfg.Lock.Acquire(ctx, c.Symbol, w.cfg.WorkerID, w.cfg.LockTTL); err != nil {
			if errors.Is(err, apperrors.ErrLockAcquisition) {
				continue
			}
			w.cfg.Logger.WithError(err).WithField("symbol", c.Symbol).Warn("worker: lock acquire failed")
			continue
		}

		qty := sig.Qty
		if qty == 0 {
			qty = w.cfg.BuyQty
		}
		orderType := models.OrderTypeMarket
		if !sig.Price.IsZero() {
			orderType = models.OrderTypeLimit
		}
		order, err := w.cfg.Orders.CreateOrder(ctx, orders.CreateOrderRequest{
			IdempotencyKey: fmt.Sprintf("%s:%s:buy:%d", w.cfg.WorkerID, c.Symbol, now.UnixNano()),
			WorkerID:       w.cfg.WorkerID,
			Symbol:         c.Symbol,
			Side:           models.SideBuy,
			OrderType:      orderType,
			Qty:            qty,
			Price:          sig.Price,
			AccountID:      w.cfg.AccountID,
		})
		if err != nil {
			w.cfg.Logger.WithError(err).WithField("symbol", c.Symbol).Error("worker: create_order (buy) failed")
			_, _ = w.cfg.Lock.Release(ctx, c.Symbol, w.cfg.WorkerID)
			continue
		}
		if _, err := w.cfg.Orders.SendOrder(ctx, order.OrderID, w.cfg.AccountID); err != nil {
			w.cfg.Logger.WithError(err).WithField("order_id", order.OrderID).Error("worker: send_order (buy) failed")
			_, _ = w.cfg.Lock.Release(ctx, c.Symbol, w.cfg.WorkerID)
			continue
		}

		w.mu.Lock()
		w.currentSymbol = c.Symbol
		w.positionOpenedAt = now
		w.mu.Unlock()

		if err := w.transition(ctx, models.WorkerStatusHolding, "buy_signal_locked", c.Symbol); err != nil {
			w.cfg.Logger.WithError(err).Error("worker: transition to HOLDING failed")
		}
		return
	}
}

// manageHolding implements the HOLDING branch: forced-exit window check,
// then the strategy's sell gate.
func (w *Worker) manageHolding(ctx context.Context) {
	symbol := w.getCurrentSymbol()
	if symbol == "" {
		return
	}
	price, ok := w.currentPrice(ctx, symbol)
	if !ok {
		return
	}
	w.cfg.Strategy.ObservePrice(price)

	now := w.cfg.Clock.Now()
	w.mu.Lock()
	pos := w.position
	opened := w.positionOpenedAt
	w.mu.Unlock()

	var sig *strategy.SellSignal
	if w.cfg.ForcedExitWindow(now) {
		sig = &strategy.SellSignal{Confidence: 1, Price: price, Reason: strategy.SellReasonForced}
	} else {
		sig = w.cfg.Strategy.ShouldSell(symbol, pos, price, strategy.Context{Now: now, PositionOpened: opened})
		if sig == nil {
			return
		}
	}

	w.executeSell(ctx, symbol, pos.NetQty, sig, w.cfg.ForcedExitWindow(now))
}

// currentPrice reads the poller's quote cache via a zero-filter discovery
// call scoped to symbol; falling back to a spot poll is not available on
// the Broker Port (only subscribe_quotes exists), so a stale/missing quote
// simply defers the sell check to the next tick.
func (w *Worker) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	candidates, err := w.cfg.Poller.DiscoverCandidates(ctx, []string{symbol}, marketdata.Filters{}, 1)
	if err != nil || len(candidates) == 0 {
		return decimal.Zero, false
	}
	return candidates[0].Price, true
}

// executeSell submits the sell, waits for a terminal fill, and on anything
// but a clean FILLED retries with a MARKET order up to maxRetries times,
// per spec §4.9's HOLDING step 6. forceRetry bypasses the clock-based
// forced-exit-window check so a shutdown-triggered liquidation still
// retries inline even when called outside the exchange's own EOD window.
func (w *Worker) executeSell(ctx context.Context, symbol string, qty int64, sig *strategy.SellSignal, forceRetry bool) {
	const maxRetries = 3
	price := sig.Price
	orderType := models.OrderTypeLimit
	if price.IsZero() {
		orderType = models.OrderTypeMarket
	}

	var prevOrderID string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if prevOrderID != "" {
			if _, err := w.cfg.Orders.CancelOrder(ctx, prevOrderID, w.cfg.AccountID); err != nil {
				w.cfg.Logger.WithError(err).WithField("order_id", prevOrderID).
					Warn("worker: cancel_order (sell retry) failed, replacement order may double-fill the resting one")
			}
		}

		now := w.cfg.Clock.Now()
		order, err := w.cfg.Orders.CreateOrder(ctx, orders.CreateOrderRequest{
			IdempotencyKey: fmt.Sprintf("%s:%s:sell:%d:%d", w.cfg.WorkerID, symbol, now.UnixNano(), attempt),
			WorkerID:       w.cfg.WorkerID,
			Symbol:         symbol,
			Side:           models.SideSell,
			OrderType:      orderType,
			Qty:            qty,
			Price:          price,
			AccountID:      w.cfg.AccountID,
		})
		if err != nil {
			w.cfg.Logger.WithError(err).WithField("symbol", symbol).Error("worker: create_order (sell) failed")
			return
		}
		if _, err := w.cfg.Orders.SendOrder(ctx, order.OrderID, w.cfg.AccountID); err != nil {
			w.cfg.Logger.WithError(err).WithField("order_id", order.OrderID).Error("worker: send_order (sell) failed")
			return
		}

		status := w.waitForTerminal(ctx, order.OrderID, w.cfg.FillTimeout)
		if status == models.OrderStatusFilled {
			w.onPositionClosed(ctx, symbol, sig.Reason)
			return
		}

		forced := forceRetry || w.cfg.ForcedExitWindow(w.cfg.Clock.Now())
		if !forced {
			// Outside the forced-exit window: stay HOLDING, retry next tick
			// rather than spinning inline.
			w.cfg.Logger.WithFields(logrus.Fields{"symbol": symbol, "order_id": order.OrderID, "status": status}).
				Warn("worker: sell did not fill, deferring retry to next tick")
			return
		}

		// Inside the forced-exit window: retry immediately with a MARKET
		// order, per spec. The current order is still resting at the
		// broker; cancel it at the top of the next iteration before
		// sending its replacement so the two can't both fill.
		prevOrderID = order.OrderID
		orderType = models.OrderTypeMarket
		price = decimal.Zero
	}

	if w.cfg.Notifier != nil {
		w.cfg.Notifier.Notify(ctx, "ERROR", fmt.Sprintf(
			"worker %s: exhausted forced-exit sell retries for %s; lock held, manual intervention required",
			w.cfg.WorkerID, symbol))
	}
	w.cfg.Logger.WithField("symbol", symbol).Error("worker: exhausted forced-exit sell retries, remaining HOLDING with lock held")
}

// waitForTerminal polls the order until it reaches a terminal status or
// timeout elapses, returning whatever status it last observed.
func (w *Worker) waitForTerminal(ctx context.Context, orderID string, timeout time.Duration) models.OrderStatus {
	const pollInterval = 250 * time.Millisecond
	deadline := w.cfg.Clock.Now().Add(timeout)
	last := models.OrderStatusSent
	for {
		o, err := w.cfg.Orders.GetOrder(ctx, orderID)
		if err == nil && o != nil {
			last = o.Status
			if o.Status.IsTerminal() {
				return o.Status
			}
		}
		if w.cfg.Clock.Now().After(deadline) {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-w.cfg.Clock.After(pollInterval):
		}
	}
}

func (w *Worker) onPositionClosed(ctx context.Context, symbol string, reason strategy.SellReason) {
	_, _ = w.cfg.Lock.Release(ctx, symbol, w.cfg.WorkerID)
	w.mu.Lock()
	w.currentSymbol = ""
	w.position = models.Position{}
	w.mu.Unlock()
	if err := w.transition(ctx, models.WorkerStatusScanning, "position_closed", ""); err != nil {
		w.cfg.Logger.WithError(err).Error("worker: transition out of HOLDING failed")
	}
	w.cfg.Logger.WithFields(logrus.Fields{"symbol": symbol, "reason": reason}).Info("worker: position closed")
}

// onFill is the fill-consumer task: it resolves the broker_order_id the
// execution stream carries back to a local order_id and forwards to the
// Order Service, then updates the in-memory position/FIFO book used for
// should_sell and the end-of-day summary. The Fill dedup key inside
// ProcessFill guarantees idempotence across a reconnect-and-replay.
func (w *Worker) onFill(fill models.Fill) {
	ctx := context.Background()
	if err := w.cfg.Orders.ProcessFillByBrokerOrderID(ctx, fill); err != nil {
		w.cfg.Logger.WithError(err).WithField("broker_fill_id", fill.BrokerFillID).Error("worker: process_fill failed")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch fill.Side {
	case models.SideBuy:
		w.book.RecordBuy(fill.Symbol, fill.Qty, fill.Price)
		w.position.Symbol = fill.Symbol
		w.position.NetQty += fill.Qty
		w.position.AvgCost = weightedAvgCost(w.position.NetQty-fill.Qty, w.position.AvgCost, fill.Qty, fill.Price)
		w.cfg.Strategy.ObserveFill(w.position.AvgCost)
	case models.SideSell:
		w.book.RecordSell(fill.Symbol, fill.Qty, fill.Price)
		w.position.NetQty -= fill.Qty
		if w.position.NetQty <= 0 {
			w.position.NetQty = 0
			w.position.AvgCost = decimal.Zero
		}
	}
}

func weightedAvgCost(prevQty int64, prevAvg decimal.Decimal, addQty int64, addPrice decimal.Decimal) decimal.Decimal {
	totalQty := prevQty + addQty
	if totalQty == 0 {
		return decimal.Zero
	}
	prevNotional := prevAvg.Mul(decimal.NewFromInt(prevQty))
	addNotional := addPrice.Mul(decimal.NewFromInt(addQty))
	return prevNotional.Add(addNotional).Div(decimal.NewFromInt(totalQty))
}

func (w *Worker) getCurrentSymbol() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSymbol
}

// heartbeatLoop is the background task that keeps this worker's lifecycle
// row (and its lock, if HOLDING) from being reaped by the stale sweeper.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := w.cfg.Clock.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C():
			w.heartbeatOnce(ctx)
		}
	}
}

func (w *Worker) heartbeatOnce(ctx context.Context) {
	if wp, err := w.cfg.Lifecycle.Get(ctx, w.cfg.WorkerID); err == nil && wp != nil {
		metrics.HeartbeatAge.Observe(w.cfg.Clock.Now().Sub(wp.LastHeartbeatAt).Seconds())
	}
	if err := w.cfg.Lifecycle.Heartbeat(ctx, w.cfg.WorkerID); err != nil {
		w.cfg.Logger.WithError(err).Warn("worker: lifecycle heartbeat failed, retrying next interval")
	}

	symbol := w.getCurrentSymbol()
	if symbol == "" {
		return
	}
	if _, err := w.cfg.Lock.Heartbeat(ctx, symbol, w.cfg.WorkerID); err != nil {
		w.cfg.Logger.WithError(err).WithField("symbol", symbol).Warn("worker: lock heartbeat failed, retrying next interval")
	}

	l, err := w.cfg.Lock.GetLock(ctx, symbol)
	if err != nil || l == nil {
		return
	}
	if time.Until(l.ExpiresAt) < w.cfg.LockRenewalThreshold {
		if _, err := w.cfg.Lock.Renew(ctx, symbol, w.cfg.WorkerID, w.cfg.LockTTL); err != nil {
			w.cfg.Logger.WithError(err).WithField("symbol", symbol).Warn("worker: lock renew failed, retrying next interval")
		}
	}
}

// shutdown executes the EXITING branch: forced exit if still HOLDING,
// release any held lock, persist the day's summary, then TERMINATED.
func (w *Worker) shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownDeadline)
	defer cancel()

	wp, err := w.cfg.Lifecycle.Get(shutdownCtx, w.cfg.WorkerID)
	if err == nil && wp != nil && wp.Status == models.WorkerStatusHolding {
		if err := w.transition(shutdownCtx, models.WorkerStatusExiting, "stop", wp.CurrentSymbol); err != nil {
			w.cfg.Logger.WithError(err).Error("worker: transition to EXITING (from HOLDING) failed")
		}
		symbol := w.getCurrentSymbol()
		if _, ok := w.currentPrice(shutdownCtx, symbol); ok {
			w.executeSell(shutdownCtx, symbol, w.currentPositionQty(), &strategy.SellSignal{Confidence: 1, Price: decimal.Zero, Reason: strategy.SellReasonForced}, true)
		}
	} else if err == nil && wp != nil {
		if err := w.transition(shutdownCtx, models.WorkerStatusExiting, "stop", ""); err != nil {
			w.cfg.Logger.WithError(err).Error("worker: transition to EXITING failed")
		}
	}

	if symbol := w.getCurrentSymbol(); symbol != "" {
		_, _ = w.cfg.Lock.Release(shutdownCtx, symbol, w.cfg.WorkerID)
	}

	if w.cfg.Summaries != nil {
		if _, err := w.cfg.Summaries.GenerateSummary(shutdownCtx, w.cfg.WorkerID, w.cfg.Clock.Now(), nil); err != nil {
			w.cfg.Logger.WithError(err).Error("worker: failed to generate daily summary at shutdown")
		}
	}

	if err := w.transition(shutdownCtx, models.WorkerStatusTerminated, "terminate", ""); err != nil {
		if !errors.Is(err, apperrors.ErrIllegalTransition) {
			w.cfg.Logger.WithError(err).Error("worker: final transition to TERMINATED failed")
		}
	}
}

func (w *Worker) currentPositionQty() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position.NetQty
}
