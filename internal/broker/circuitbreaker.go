package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/models"
)

// CircuitBreakerSettings configures the gobreaker.CircuitBreaker wrapping a
// Broker. Zero value is not usable directly; use DefaultCircuitBreakerSettings.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after at least 5 requests in a 60s
// window see a majority of failures, and probes again after 30s open.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// CircuitBreakerBroker wraps a Broker with github.com/sony/gobreaker, opening
// the circuit after a run of transient failures and failing fast while open
// so one sick broker endpoint isn't hammered by every worker in the fleet
// simultaneously.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings())
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= settings.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{broker: broker, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (c *CircuitBreakerBroker) execute(fn func() (any, error)) (any, error) {
	result, err := c.breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("broker circuit open: %w: %w", apperrors.ErrTransientBroker, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *CircuitBreakerBroker) Authenticate(ctx context.Context) (Token, error) {
	result, err := c.execute(func() (any, error) { return c.broker.Authenticate(ctx) })
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	result, err := c.execute(func() (any, error) { return c.broker.PlaceOrder(ctx, req) })
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	result, err := c.execute(func() (any, error) { return c.broker.CancelOrder(ctx, brokerOrderID, accountID) })
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (c *CircuitBreakerBroker) GetOrders(ctx context.Context, accountID string) ([]*models.Order, error) {
	result, err := c.execute(func() (any, error) { return c.broker.GetOrders(ctx, accountID) })
	if err != nil {
		return nil, err
	}
	return result.([]*models.Order), nil
}

func (c *CircuitBreakerBroker) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	result, err := c.execute(func() (any, error) { return c.broker.GetCash(ctx, accountID) })
	if err != nil {
		return decimal.Zero, err
	}
	return result.(decimal.Decimal), nil
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	result, err := c.execute(func() (any, error) { return c.broker.GetPositions(ctx, accountID) })
	if err != nil {
		return nil, err
	}
	return result.([]BrokerPosition), nil
}

// SubscribeQuotes and SubscribeExecutions are long-lived calls, not
// individual RPCs, and pass through without breaker accounting: tripping
// the breaker on a subscription's eventual disconnect would also close
// every in-flight order RPC, which is not the failure it's meant to guard.
func (c *CircuitBreakerBroker) SubscribeQuotes(ctx context.Context, symbols []string, cb QuoteCallback) error {
	return c.broker.SubscribeQuotes(ctx, symbols, cb)
}

func (c *CircuitBreakerBroker) SubscribeExecutions(ctx context.Context, cb ExecutionCallback) error {
	return c.broker.SubscribeExecutions(ctx, cb)
}

var _ Broker = (*CircuitBreakerBroker)(nil)
