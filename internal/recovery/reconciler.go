// Package recovery implements startup reconciliation and the stale-lock/
// stale-worker sweeper (spec §4.10), generalizing the teacher's
// cmd/bot/reconciler.go cold-start/phantom-order detection from option
// strangle positions to plain equity orders and broker-truth positions.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/models"
)

// orderStore is the slice of orders.Service the Reconciler depends on; kept
// as a narrow interface so tests can stub it without a database.
type orderStore interface {
	ListNonTerminalOrdersForWorker(ctx context.Context, workerID string) ([]*models.Order, error)
	ReconcileInsert(ctx context.Context, o *models.Order) (bool, error)
	MarkRejected(ctx context.Context, orderID, reason string) error
}

// RecoveryReport counts the actions a reconciliation pass took, used by
// tests and surfaced on the dashboard.
type RecoveryReport struct {
	BrokerOrdersInserted int
	LocalOrdersMarkedLost int
	PositionsAdopted      int
}

// Reconciler runs the startup reconciliation pass of spec §4.10.
type Reconciler struct {
	broker           broker.Broker
	orders           orderStore
	clock            clock.Clock
	logger           *logrus.Logger
	lostOrderTimeout time.Duration
}

// NewReconciler constructs a Reconciler. lostOrderTimeout is the age past
// which a local non-terminal order absent from the broker is presumed lost
// and marked REJECTED with reason "LOST".
func NewReconciler(b broker.Broker, ord orderStore, clk clock.Clock, logger *logrus.Logger, lostOrderTimeout time.Duration) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{broker: b, orders: ord, clock: clk, logger: logger, lostOrderTimeout: lostOrderTimeout}
}

// Reconcile runs the three-way diff of spec §4.10 for one worker/account
// and returns the broker's positions, which are authoritative and must
// overwrite whatever derived position cache the caller was holding.
func (r *Reconciler) Reconcile(ctx context.Context, workerID, accountID string) (*RecoveryReport, map[string]models.Position, error) {
	brokerPositions, err := r.broker.GetPositions(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("recovery: get_positions: %w", err)
	}
	brokerOrders, err := r.broker.GetOrders(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("recovery: get_orders: %w", err)
	}
	localOrders, err := r.orders.ListNonTerminalOrdersForWorker(ctx, workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("recovery: list_non_terminal_orders: %w", err)
	}

	report := &RecoveryReport{}
	now := r.clock.Now()

	localByBrokerID := make(map[string]*models.Order, len(localOrders))
	for _, lo := range localOrders {
		if lo.BrokerOrderID != "" {
			localByBrokerID[lo.BrokerOrderID] = lo
		}
	}

	for _, bo := range brokerOrders {
		if bo.BrokerOrderID == "" {
			continue
		}
		if _, known := localByBrokerID[bo.BrokerOrderID]; known {
			continue
		}
		reconciled := &models.Order{
			OrderID:        uuid.NewString(),
			BrokerOrderID:  bo.BrokerOrderID,
			IdempotencyKey: "reconciled:" + bo.BrokerOrderID,
			WorkerID:       workerID,
			Symbol:         bo.Symbol,
			Side:           bo.Side,
			OrderType:      bo.OrderType,
			Qty:            bo.Qty,
			Price:          bo.Price,
			Status:         bo.Status,
			FilledQty:      bo.FilledQty,
			AvgFillPrice:   bo.AvgFillPrice,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := r.orders.ReconcileInsert(ctx, reconciled)
		if err != nil {
			r.logger.WithError(err).WithField("broker_order_id", bo.BrokerOrderID).
				Error("recovery: failed to insert order found in broker but missing locally")
			continue
		}
		if inserted {
			report.BrokerOrdersInserted++
			r.logger.WithField("broker_order_id", bo.BrokerOrderID).
				Warn("recovery: adopted broker order missing from local store")
		}
	}

	brokerByID := make(map[string]*models.Order, len(brokerOrders))
	for _, bo := range brokerOrders {
		if bo.BrokerOrderID != "" {
			brokerByID[bo.BrokerOrderID] = bo
		}
	}
	for _, lo := range localOrders {
		if lo.BrokerOrderID != "" {
			if _, stillAtBroker := brokerByID[lo.BrokerOrderID]; stillAtBroker {
				continue
			}
		}
		age := now.Sub(lo.UpdatedAt)
		if age < r.lostOrderTimeout {
			// Too young to declare lost; leave as-is for the next poll.
			continue
		}
		if err := r.orders.MarkRejected(ctx, lo.OrderID, "LOST"); err != nil {
			r.logger.WithError(err).WithField("order_id", lo.OrderID).
				Error("recovery: failed to mark lost order REJECTED")
			continue
		}
		report.LocalOrdersMarkedLost++
		r.logger.WithField("order_id", lo.OrderID).WithField("age", age).
			Warn("recovery: local order absent from broker beyond lost_order_timeout, marked REJECTED/LOST")
	}

	positions := make(map[string]models.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		positions[bp.Symbol] = models.Position{Symbol: bp.Symbol, NetQty: bp.Qty, AvgCost: bp.AvgPrice}
	}
	report.PositionsAdopted = len(positions)

	return report, positions, nil
}
