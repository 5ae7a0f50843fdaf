// Package orders implements the Order Service (spec §4.5): idempotent
// order creation/placement/cancellation and fill ingestion, the sole writer
// of the orders and fills tables.
package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/metrics"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/store"
)

// Service is the Order Service of spec §4.5.
type Service struct {
	broker broker.Broker
	store  store.Store
	clock  clock.Clock
	logger *logrus.Logger
}

// New constructs an Order Service. Panics if broker or st is nil, matching
// the teacher's fail-fast constructor discipline.
func New(b broker.Broker, st store.Store, clk clock.Clock, logger *logrus.Logger) *Service {
	if b == nil {
		panic("orders.New: broker must not be nil")
	}
	if st == nil {
		panic("orders.New: store must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{broker: b, store: st, clock: clk, logger: logger}
}

// CreateOrderRequest is the input to CreateOrder.
type CreateOrderRequest struct {
	IdempotencyKey string
	WorkerID       string
	Symbol         string
	Side           models.Side
	OrderType      models.OrderType
	Qty            int64
	Price          decimal.Decimal
	AccountID      string
}

// CreateOrder assigns an order_id and persists a PENDING row keyed on
// IdempotencyKey. A retried call with the same key returns the existing
// record rather than creating a duplicate.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if existing, err := s.getByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if req.OrderType == models.OrderTypeLimit && req.Price.IsZero() {
		return nil, apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: create_order: LIMIT order for %s requires a price", req.Symbol)
	}

	now := s.clock.Now()
	o := &models.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		WorkerID:       req.WorkerID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Qty:            req.Qty,
		Price:          req.Price,
		Status:         models.OrderStatusPending,
		AvgFillPrice:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.store.InsertIfAbsent(ctx, `
		INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side, order_type, qty, price, status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.OrderID, o.BrokerOrderID, o.IdempotencyKey, o.WorkerID, o.Symbol, o.Side, o.OrderType, o.Qty, o.Price, o.Status, o.FilledQty, o.AvgFillPrice, o.RejectReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("orders: create_order %s: %w", req.Symbol, apperrors.ErrStore)
	}
	return s.getByIdempotencyKey(ctx, req.IdempotencyKey)
}

// SendOrder reads the PENDING row and places it at the broker, using
// account as the broker account id.
func (s *Service) SendOrder(ctx context.Context, orderID, accountID string) (*models.Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: send_order: %s not found", orderID)
	}
	if o.Status != models.OrderStatusPending {
		return nil, apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: send_order: %s is %s, not PENDING", orderID, o.Status)
	}

	brokerOrderID, sendErr := s.broker.PlaceOrder(ctx, broker.OrderRequest{
		IdempotencyKey: o.IdempotencyKey,
		Symbol:         o.Symbol,
		Side:           o.Side,
		OrderType:      o.OrderType,
		Qty:            o.Qty,
		Price:          o.Price,
		AccountID:      accountID,
	})

	now := s.clock.Now()
	if sendErr != nil {
		if apperrors.Transient(sendErr) {
			// Unknown outcome: leave PENDING for reconciliation (spec §4.10)
			// rather than guessing REJECTED.
			s.logger.WithError(sendErr).WithField("order_id", orderID).
				Warn("orders: send_order: transient failure, leaving PENDING for reconciliation")
			return o, nil
		}
		if _, err := s.store.Exec(ctx, `
			UPDATE orders SET status = ?, reject_reason = ?, updated_at = ?
			WHERE order_id = ? AND status = ?`,
			models.OrderStatusRejected, sendErr.Error(), now, orderID, models.OrderStatusPending); err != nil {
			return nil, fmt.Errorf("orders: send_order reject write %s: %w", orderID, apperrors.ErrStore)
		}
		o.Status = models.OrderStatusRejected
		o.RejectReason = sendErr.Error()
		o.UpdatedAt = now
		metrics.OrdersRejected.WithLabelValues(o.Symbol, string(o.Side)).Inc()
		return o, nil
	}

	if err := models.ValidateOrderTransition(o.Status, models.OrderStatusSent, "send_ok"); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: %s", err)
	}
	if _, err := s.store.Exec(ctx, `
		UPDATE orders SET broker_order_id = ?, status = ?, updated_at = ?
		WHERE order_id = ? AND status = ?`,
		brokerOrderID, models.OrderStatusSent, now, orderID, models.OrderStatusPending); err != nil {
		return nil, fmt.Errorf("orders: send_order write %s: %w", orderID, apperrors.ErrStore)
	}
	o.BrokerOrderID = brokerOrderID
	o.Status = models.OrderStatusSent
	o.UpdatedAt = now
	metrics.OrdersPlaced.WithLabelValues(o.Symbol, string(o.Side)).Inc()
	return o, nil
}

// CancelOrder is legal only for SENT/PARTIAL orders. It is optimistic: the
// CANCELED status is set only when a terminal broker event arrives via
// ProcessFill/reconciliation, not by this call.
func (s *Service) CancelOrder(ctx context.Context, orderID, accountID string) (bool, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o == nil {
		return false, apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: cancel_order: %s not found", orderID)
	}
	if !o.IsOpen() {
		return false, apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: cancel_order: %s is %s, not cancelable", orderID, o.Status)
	}
	accepted, err := s.broker.CancelOrder(ctx, o.BrokerOrderID, accountID)
	if err != nil {
		return false, fmt.Errorf("orders: cancel_order broker call %s: %w", orderID, err)
	}
	return accepted, nil
}

// ProcessFill ingests one execution report inside a single store
// transaction: dedup by BrokerFillID, insert the Fill row, and update the
// parent Order's filled_qty/avg_fill_price/status.
func (s *Service) ProcessFill(ctx context.Context, orderID string, fill models.Fill) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("orders: process_fill begin: %w", apperrors.ErrStore)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	inserted, err := tx.InsertIfAbsent(ctx, `
		INSERT INTO fills (fill_id, broker_fill_id, order_id, symbol, side, qty, price, fill_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_fill_id) DO NOTHING`,
		fill.FillID, fill.BrokerFillID, orderID, fill.Symbol, fill.Side, fill.Qty, fill.Price, fill.FillTime)
	if err != nil {
		return fmt.Errorf("orders: process_fill insert: %w", apperrors.ErrStore)
	}
	if !inserted {
		// Already ingested this broker_fill_id; the stream replayed it.
		return tx.Commit()
	}

	row := tx.QueryOne(ctx, `SELECT qty, filled_qty, status FROM orders WHERE order_id = ?`, orderID)
	var qty, filledQty int64
	var status models.OrderStatus
	if err := row.Scan(&qty, &filledQty, &status); err != nil {
		if err == store.ErrNoRows {
			return apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: process_fill: order %s not found", orderID)
		}
		return fmt.Errorf("orders: process_fill read order: %w", apperrors.ErrStore)
	}

	newFilled := filledQty + fill.Qty
	if newFilled > qty {
		s.logger.WithFields(logrus.Fields{"order_id": orderID, "filled_qty": filledQty, "fill_qty": fill.Qty, "qty": qty}).
			Error("orders: process_fill: fill would exceed order quantity, dropping")
		return apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: process_fill: fill exceeds order %s quantity", orderID)
	}

	var newStatus models.OrderStatus
	condition := "partial_fill"
	if newFilled == qty {
		newStatus = models.OrderStatusFilled
		condition = "full_fill"
		if filledQty > 0 {
			condition = "more_fills"
		}
	} else {
		newStatus = models.OrderStatusPartial
	}
	if err := models.ValidateOrderTransition(status, newStatus, condition); err != nil {
		return apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: process_fill: %s", err)
	}

	newAvgPrice := weightedAvgPrice(filledQty, s.priceOf(ctx, tx, orderID), fill.Qty, fill.Price)
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET filled_qty = ?, avg_fill_price = ?, status = ?, updated_at = ?
		WHERE order_id = ?`,
		newFilled, newAvgPrice, newStatus, fill.FillTime, orderID); err != nil {
		return fmt.Errorf("orders: process_fill update order: %w", apperrors.ErrStore)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("orders: process_fill commit: %w", apperrors.ErrStore)
	}
	committed = true
	if newStatus == models.OrderStatusFilled {
		metrics.OrdersFilled.WithLabelValues(fill.Symbol, string(fill.Side)).Inc()
	}
	return nil
}

// ProcessFillByBrokerOrderID resolves fill.OrderID (which the fill consumer
// populates with the broker_order_id, the only identifier the execution
// stream carries) to the local order_id before delegating to ProcessFill.
// This is the entry point the Worker's fill-consumer goroutine calls.
func (s *Service) ProcessFillByBrokerOrderID(ctx context.Context, fill models.Fill) error {
	brokerOrderID := fill.OrderID
	row := s.store.QueryOne(ctx, `SELECT order_id FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	var orderID string
	if err := row.Scan(&orderID); err != nil {
		if err == store.ErrNoRows {
			return apperrors.Wrap(apperrors.ErrInvariantViolation, "orders: process_fill: no local order for broker_order_id %s", brokerOrderID)
		}
		return fmt.Errorf("orders: process_fill resolve broker_order_id: %w", apperrors.ErrStore)
	}
	fill.OrderID = orderID
	return s.ProcessFill(ctx, orderID, fill)
}

// priceOf reads the order's current avg_fill_price inside tx, used only to
// compute the new weighted average; a read error degrades to zero, which
// simply weights the running average toward the new fill.
func (s *Service) priceOf(ctx context.Context, tx store.Tx, orderID string) decimal.Decimal {
	row := tx.QueryOne(ctx, `SELECT avg_fill_price FROM orders WHERE order_id = ?`, orderID)
	var p decimal.Decimal
	if err := row.Scan(&p); err != nil {
		return decimal.Zero
	}
	return p
}

func weightedAvgPrice(prevQty int64, prevAvg decimal.Decimal, addQty int64, addPrice decimal.Decimal) decimal.Decimal {
	totalQty := prevQty + addQty
	if totalQty == 0 {
		return decimal.Zero
	}
	prevNotional := prevAvg.Mul(decimal.NewFromInt(prevQty))
	addNotional := addPrice.Mul(decimal.NewFromInt(addQty))
	return prevNotional.Add(addNotional).Div(decimal.NewFromInt(totalQty))
}

// GetOrder returns the order row, or nil if none exists.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.store.QueryOne(ctx, `
		SELECT order_id, broker_order_id, idempotency_key, worker_id, symbol, side, order_type, qty, price, status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID)
	return scanOrder(row)
}

func (s *Service) getByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	row := s.store.QueryOne(ctx, `
		SELECT order_id, broker_order_id, idempotency_key, worker_id, symbol, side, order_type, qty, price, status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at
		FROM orders WHERE idempotency_key = ?`, key)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("orders: lookup by idempotency_key: %w", apperrors.ErrStore)
	}
	return o, nil
}

func scanOrder(row store.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.OrderID, &o.BrokerOrderID, &o.IdempotencyKey, &o.WorkerID, &o.Symbol, &o.Side, &o.OrderType, &o.Qty, &o.Price, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt)
	if err == store.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOpenOrdersForWorker returns SENT/PARTIAL orders owned by workerID,
// used by the Reconciler at startup.
func (s *Service) ListOpenOrdersForWorker(ctx context.Context, workerID string) ([]*models.Order, error) {
	return s.listByStatus(ctx, workerID, models.OrderStatusSent, models.OrderStatusPartial)
}

// ListNonTerminalOrdersForWorker returns PENDING/SENT/PARTIAL orders owned by
// workerID, used by the Reconciler to find orders that may have been lost.
func (s *Service) ListNonTerminalOrdersForWorker(ctx context.Context, workerID string) ([]*models.Order, error) {
	return s.listByStatus(ctx, workerID, models.OrderStatusPending, models.OrderStatusSent, models.OrderStatusPartial)
}

func (s *Service) listByStatus(ctx context.Context, workerID string, statuses ...models.OrderStatus) ([]*models.Order, error) {
	args := make([]any, 0, len(statuses)+1)
	args = append(args, workerID)
	placeholders := ""
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, st)
	}
	rows, err := s.store.QueryAll(ctx, `
		SELECT order_id, broker_order_id, idempotency_key, worker_id, symbol, side, order_type, qty, price, status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at
		FROM orders WHERE worker_id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("orders: list_by_status: %w", apperrors.ErrStore)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.OrderID, &o.BrokerOrderID, &o.IdempotencyKey, &o.WorkerID, &o.Symbol, &o.Side, &o.OrderType, &o.Qty, &o.Price, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("orders: scan order: %w", apperrors.ErrStore)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// MarkRejected force-sets a non-terminal order to REJECTED with reason,
// used by the Reconciler when a local order is older than lost_order_timeout
// and absent from the broker's open-order list (presumed LOST).
func (s *Service) MarkRejected(ctx context.Context, orderID, reason string) error {
	now := s.clock.Now()
	if _, err := s.store.Exec(ctx, `
		UPDATE orders SET status = ?, reject_reason = ?, updated_at = ?
		WHERE order_id = ? AND status NOT IN (?, ?, ?)`,
		models.OrderStatusRejected, reason, now, orderID, models.OrderStatusFilled, models.OrderStatusCanceled, models.OrderStatusRejected); err != nil {
		return fmt.Errorf("orders: mark_rejected %s: %w", orderID, apperrors.ErrStore)
	}
	return nil
}

// ReconcileInsert inserts a reconciled order discovered from the broker's
// open-order list but absent from the local store, deduped on
// IdempotencyKey (expected to be "reconciled:"+broker_order_id). A retried
// reconciliation pass is therefore idempotent.
func (s *Service) ReconcileInsert(ctx context.Context, o *models.Order) (bool, error) {
	inserted, err := s.store.InsertIfAbsent(ctx, `
		INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side, order_type, qty, price, status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.OrderID, o.BrokerOrderID, o.IdempotencyKey, o.WorkerID, o.Symbol, o.Side, o.OrderType, o.Qty, o.Price, o.Status, o.FilledQty, o.AvgFillPrice, o.RejectReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("orders: reconcile_insert %s: %w", o.Symbol, apperrors.ErrStore)
	}
	return inserted, nil
}
