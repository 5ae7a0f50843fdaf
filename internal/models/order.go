// Package models provides the core data structures shared by every worker
// component: orders, fills, symbol locks, worker processes, candidates,
// derived positions, and daily summaries.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

// Sides.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects the broker order type.
type OrderType string

// Order types.
const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle status of an Order. See OrderStateMachine for
// the legal transition graph.
type OrderStatus string

// Order statuses.
const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusSent     OrderStatus = "SENT"
	OrderStatusPartial  OrderStatus = "PARTIAL"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a requested trade, owned and mutated only by the Order Service.
type Order struct {
	OrderID        string          `json:"order_id"`
	BrokerOrderID  string          `json:"broker_order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	WorkerID       string          `json:"worker_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"order_type"`
	Qty            int64           `json:"qty"`
	Price          decimal.Decimal `json:"price"` // zero value when MARKET
	Status         OrderStatus     `json:"status"`
	FilledQty      int64           `json:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// IsOpen reports whether the order can still receive fills or be canceled.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusSent || o.Status == OrderStatusPartial
}

// Fill is a single execution report. Fills are appended only, never mutated.
type Fill struct {
	FillID       string          `json:"fill_id"`
	BrokerFillID string          `json:"broker_fill_id"`
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Qty          int64           `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	FillTime     time.Time       `json:"fill_time"`
}
