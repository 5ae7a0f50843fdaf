package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/models"
)

// PaperBroker is a deterministic in-memory simulation of the Broker Port,
// used by TRADING_MODE=PAPER and by every test in this repo that doesn't
// specifically exercise a wrapper (CircuitBreakerBroker, RateLimitedBroker).
// It fills MARKET orders immediately at the last injected quote and LIMIT
// orders only when the injected quote crosses the limit price.
//
// Not goroutine-safe beyond its own mutex: callers share one instance per
// account, matching how a single worker uses one broker client.
type PaperBroker struct {
	mu sync.Mutex

	clock clock.Clock
	cash  decimal.Decimal

	lastQuote map[string]decimal.Decimal
	orders    map[string]*models.Order // keyed by broker_order_id
	byIdemKey map[string]string        // idempotency_key -> broker_order_id
	positions map[string]*BrokerPosition

	quoteSubs     []quoteSub
	executionSubs []ExecutionCallback

	// RejectSymbols causes PlaceOrder to return apperrors.ErrBrokerReject
	// for any order on a listed symbol, for table-driven rejection tests.
	RejectSymbols map[string]bool
}

type quoteSub struct {
	symbols map[string]bool
	cb      QuoteCallback
}

// NewPaperBroker constructs a PaperBroker seeded with startingCash.
func NewPaperBroker(clk clock.Clock, startingCash decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		clock:         clk,
		cash:          startingCash,
		lastQuote:     make(map[string]decimal.Decimal),
		orders:        make(map[string]*models.Order),
		byIdemKey:     make(map[string]string),
		positions:     make(map[string]*BrokerPosition),
		RejectSymbols: make(map[string]bool),
	}
}

// SetQuote injects the last-traded price for symbol and fires it to any
// matching quote subscriber, then attempts to fill any resting LIMIT order
// it crosses.
func (p *PaperBroker) SetQuote(symbol string, price decimal.Decimal, volume int64) {
	p.mu.Lock()
	p.lastQuote[symbol] = price
	now := p.clock.Now()
	subs := append([]quoteSub(nil), p.quoteSubs...)
	var toFill []*models.Order
	for _, o := range p.orders {
		if o.Symbol != symbol || !o.IsOpen() {
			continue
		}
		if o.OrderType == models.OrderTypeLimit {
			crosses := (o.Side == models.SideBuy && price.LessThanOrEqual(o.Price)) ||
				(o.Side == models.SideSell && price.GreaterThanOrEqual(o.Price))
			if !crosses {
				continue
			}
		}
		toFill = append(toFill, o)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if sub.symbols[symbol] || len(sub.symbols) == 0 {
			sub.cb(Quote{Symbol: symbol, Price: price, Volume: volume, AsOf: now})
		}
	}
	for _, o := range toFill {
		p.simulateFill(o, price)
	}
}

// Authenticate always succeeds; paper trading has no real credential.
func (p *PaperBroker) Authenticate(ctx context.Context) (Token, error) {
	return Token{Value: "paper", ExpiresAt: p.clock.Now().Add(24 * time.Hour)}, nil
}

// PlaceOrder is idempotent on req.IdempotencyKey and fills MARKET orders
// immediately against the last injected quote.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	if existing, ok := p.byIdemKey[req.IdempotencyKey]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	if p.RejectSymbols[req.Symbol] {
		p.mu.Unlock()
		return "", apperrors.Wrap(apperrors.ErrBrokerReject, "paper broker: %s is on the reject list", req.Symbol)
	}

	brokerOrderID := "po-" + uuid.NewString()
	now := p.clock.Now()
	order := &models.Order{
		OrderID:        uuid.NewString(),
		BrokerOrderID:  brokerOrderID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Qty:            req.Qty,
		Price:          req.Price,
		Status:         models.OrderStatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.orders[brokerOrderID] = order
	p.byIdemKey[req.IdempotencyKey] = brokerOrderID
	quote, haveQuote := p.lastQuote[req.Symbol]
	p.mu.Unlock()

	if req.OrderType == models.OrderTypeMarket && haveQuote {
		p.simulateFill(order, quote)
	}
	return brokerOrderID, nil
}

// simulateFill books a full fill for o at price and fires the execution
// callbacks. It intentionally only ever produces one fill per order,
// matching a liquid-market simplification appropriate for paper trading.
func (p *PaperBroker) simulateFill(o *models.Order, price decimal.Decimal) {
	p.mu.Lock()
	if !o.IsOpen() {
		p.mu.Unlock()
		return
	}
	fill := models.Fill{
		FillID:       uuid.NewString(),
		BrokerFillID: "pf-" + uuid.NewString(),
		// OrderID here carries the broker_order_id: it's the only handle
		// the execution stream gives a subscriber, which resolves it back
		// to its own local order_id (orders.Service.ProcessFillByBrokerOrderID).
		OrderID:  o.BrokerOrderID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Qty:      o.Qty - o.FilledQty,
		Price:    price,
		FillTime: p.clock.Now(),
	}
	o.FilledQty = o.Qty
	o.AvgFillPrice = price
	o.Status = models.OrderStatusFilled
	o.UpdatedAt = fill.FillTime

	pos := p.positions[o.Symbol]
	if pos == nil {
		pos = &BrokerPosition{Symbol: o.Symbol}
		p.positions[o.Symbol] = pos
	}
	signed := fill.Qty
	if o.Side == models.SideSell {
		signed = -signed
	}
	notional := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Qty)).Add(price.Mul(decimal.NewFromInt(signed)))
	pos.Qty += signed
	if pos.Qty == 0 {
		pos.AvgPrice = decimal.Zero
	} else {
		pos.AvgPrice = notional.Div(decimal.NewFromInt(pos.Qty))
	}
	subs := append([]ExecutionCallback(nil), p.executionSubs...)
	p.mu.Unlock()

	for _, cb := range subs {
		cb(fill)
	}
}

// CancelOrder marks an open order CANCELED and reports true; a non-open or
// unknown order reports false with no error.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok || !o.IsOpen() {
		return false, nil
	}
	o.Status = models.OrderStatusCanceled
	o.UpdatedAt = p.clock.Now()
	return true, nil
}

// GetOrders returns a snapshot of every order placed, regardless of account.
func (p *PaperBroker) GetOrders(ctx context.Context, accountID string) ([]*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

// GetCash returns the simulated cash balance.
func (p *PaperBroker) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// GetPositions returns the simulated net position per symbol.
func (p *PaperBroker) GetPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Qty != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// SubscribeQuotes registers cb for ticks on symbols (all symbols if empty)
// injected via SetQuote. There is no real network connection to reconnect.
func (p *PaperBroker) SubscribeQuotes(ctx context.Context, symbols []string, cb QuoteCallback) error {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	p.mu.Lock()
	p.quoteSubs = append(p.quoteSubs, quoteSub{symbols: set, cb: cb})
	p.mu.Unlock()
	return nil
}

// SubscribeExecutions registers cb for every simulated fill.
func (p *PaperBroker) SubscribeExecutions(ctx context.Context, cb ExecutionCallback) error {
	p.mu.Lock()
	p.executionSubs = append(p.executionSubs, cb)
	p.mu.Unlock()
	return nil
}

var _ Broker = (*PaperBroker)(nil)
