package broker

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/bracketrun/equityfleet/internal/models"
)

// RateLimitedBroker wraps a Broker with a shared token bucket, blocking on
// WaitN before every RPC. One bucket is shared across all goroutines in a
// worker process (not per-endpoint): the broker's published rate limit is
// per-account, not per-call-type.
type RateLimitedBroker struct {
	broker  Broker
	limiter *rate.Limiter
}

// NewRateLimitedBroker wraps broker with a limiter allowing ratePerSec
// requests/second and a burst of the same size.
func NewRateLimitedBroker(broker Broker, ratePerSec float64) *RateLimitedBroker {
	return &RateLimitedBroker{
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
	}
}

func (r *RateLimitedBroker) wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimitedBroker) Authenticate(ctx context.Context) (Token, error) {
	if err := r.wait(ctx); err != nil {
		return Token{}, err
	}
	return r.broker.Authenticate(ctx)
}

func (r *RateLimitedBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.broker.PlaceOrder(ctx, req)
}

func (r *RateLimitedBroker) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	if err := r.wait(ctx); err != nil {
		return false, err
	}
	return r.broker.CancelOrder(ctx, brokerOrderID, accountID)
}

func (r *RateLimitedBroker) GetOrders(ctx context.Context, accountID string) ([]*models.Order, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetOrders(ctx, accountID)
}

func (r *RateLimitedBroker) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := r.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return r.broker.GetCash(ctx, accountID)
}

func (r *RateLimitedBroker) GetPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetPositions(ctx, accountID)
}

// SubscribeQuotes and SubscribeExecutions establish a long-lived stream, not
// a discrete request, so they bypass the token bucket.
func (r *RateLimitedBroker) SubscribeQuotes(ctx context.Context, symbols []string, cb QuoteCallback) error {
	return r.broker.SubscribeQuotes(ctx, symbols, cb)
}

func (r *RateLimitedBroker) SubscribeExecutions(ctx context.Context, cb ExecutionCallback) error {
	return r.broker.SubscribeExecutions(ctx, cb)
}

var _ Broker = (*RateLimitedBroker)(nil)
