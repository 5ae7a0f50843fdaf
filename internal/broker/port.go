// Package broker defines the Broker Port (spec §4.1): the external contract
// the core consumes for authentication, order placement, and streaming
// quote/execution data, plus the concrete adapters that compose around a
// production client (paper simulation, circuit breaker, rate limiting).
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/models"
)

// Token is a bearer credential returned by Authenticate; the adapter is
// responsible for refreshing it before ExpiresAt and hiding 401-retry from
// callers.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// OrderRequest is what the core asks the broker to place.
type OrderRequest struct {
	IdempotencyKey string
	Symbol         string
	Side           models.Side
	OrderType      models.OrderType
	Qty            int64
	Price          decimal.Decimal // required iff OrderType == LIMIT
	AccountID      string
}

// BrokerPosition is the broker's view of a held position, independent of the
// core's own Position rollup (which is derived from local fills).
type BrokerPosition struct {
	Symbol   string
	Qty      int64
	AvgPrice decimal.Decimal
}

// Quote is a single top-of-book snapshot delivered to a quote subscriber.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	Volume int64
	AsOf   time.Time
}

// QuoteCallback receives quote ticks. Implementations must not block;
// slow consumers should hand off to a buffered channel themselves.
type QuoteCallback func(Quote)

// ExecutionCallback receives fill reports as they arrive from the broker's
// execution stream. Implementations must not block.
type ExecutionCallback func(models.Fill)

// Broker is the Broker Port of spec §4.1. The broker is the source of truth
// for positions and fills; any local cache must be reconciled against it.
type Broker interface {
	// Authenticate returns a bearer token, refreshing internally as needed.
	Authenticate(ctx context.Context) (Token, error)

	// PlaceOrder is idempotent with respect to req.IdempotencyKey: a
	// caller retrying after a timeout must not cause a duplicate order at
	// the broker.
	PlaceOrder(ctx context.Context, req OrderRequest) (brokerOrderID string, err error)

	// CancelOrder reports whether the broker accepted the cancel request;
	// true does not mean the order is already canceled.
	CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error)

	GetOrders(ctx context.Context, accountID string) ([]*models.Order, error)
	GetCash(ctx context.Context, accountID string) (decimal.Decimal, error)
	GetPositions(ctx context.Context, accountID string) ([]BrokerPosition, error)

	// SubscribeQuotes and SubscribeExecutions are single-threaded
	// cooperative subscriptions: the adapter owns reconnect-with-backoff
	// and re-subscribing previously registered symbols.
	SubscribeQuotes(ctx context.Context, symbols []string, cb QuoteCallback) error
	SubscribeExecutions(ctx context.Context, cb ExecutionCallback) error
}
