// Package strategy implements the Strategy Executor (spec §4.7): a thin,
// confidence-gated dispatcher over a pluggable, registry-selected strategy.
// The core never imports a concrete strategy outside the registry.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/models"
)

// SellReason categorizes why a SellSignal was raised.
type SellReason string

// Sell reasons.
const (
	SellReasonStopLoss   SellReason = "STOP_LOSS"
	SellReasonTakeProfit SellReason = "TAKE_PROFIT"
	SellReasonTrendBreak SellReason = "TREND_BREAK"
	SellReasonTimeExit   SellReason = "TIME_EXIT"
	SellReasonForced     SellReason = "FORCED"
)

// BuySignal is returned by Strategy.ShouldBuy when confidence clears the
// gate; Qty/Price are optional overrides of the caller's defaults.
type BuySignal struct {
	Confidence float64
	Qty        int64
	Price      decimal.Decimal
	Reason     string
}

// SellSignal is returned by Strategy.ShouldSell when confidence clears the
// gate.
type SellSignal struct {
	Confidence float64
	Price      decimal.Decimal
	Reason     SellReason
}

// Context carries whatever ambient information a strategy needs beyond its
// direct arguments (e.g. time-of-day, account buying power).
type Context struct {
	Now            time.Time
	AccountCash    decimal.Decimal
	PositionOpened time.Time // zero unless a position is already open
}

// Strategy is the pluggable interface every concrete strategy implements.
// Implementations must apply their own internal confidence gate and never
// return a non-nil signal that hasn't cleared it.
//
// ObserveFill and ObservePrice let a strategy track state a pure
// ShouldBuy/ShouldSell signature can't carry — a trailing stop's high-water
// mark, for instance — without the orchestrator having to thread that state
// through every call itself. A strategy with nothing to track may implement
// them as no-ops.
type Strategy interface {
	Name() string
	ShouldBuy(candidate models.Candidate, ctx Context) *BuySignal
	ShouldSell(symbol string, position models.Position, currentPrice decimal.Decimal, ctx Context) *SellSignal

	// ObserveFill is called once a BUY fill updates the held position's
	// average cost, so the strategy can reset any state (e.g. a trailing
	// high-water mark) that should track from the new entry price.
	ObserveFill(entryPrice decimal.Decimal)
	// ObservePrice is called on every HOLDING tick with the latest quote,
	// ahead of ShouldSell, so a trailing calculation sees intra-tick price
	// movement rather than just the price passed to ShouldSell itself.
	ObservePrice(price decimal.Decimal)
}

// Executor wraps a registry-selected Strategy and enforces the confidence
// gate at the boundary, so a buggy strategy can never leak a sub-threshold
// signal into the orchestrator.
type Executor struct {
	strategy      Strategy
	minConfidence float64
}

// NewExecutor constructs an Executor around strategy, gating every signal at
// minConfidence regardless of what the strategy itself enforces internally.
func NewExecutor(strategy Strategy, minConfidence float64) *Executor {
	return &Executor{strategy: strategy, minConfidence: minConfidence}
}

// ShouldBuy returns a BuySignal only if the strategy emitted one and its
// confidence is at least minConfidence.
func (e *Executor) ShouldBuy(candidate models.Candidate, ctx Context) *BuySignal {
	sig := e.strategy.ShouldBuy(candidate, ctx)
	if sig == nil || sig.Confidence < e.minConfidence {
		return nil
	}
	return sig
}

// ShouldSell returns a SellSignal only if the strategy emitted one and its
// confidence is at least minConfidence.
func (e *Executor) ShouldSell(symbol string, position models.Position, currentPrice decimal.Decimal, ctx Context) *SellSignal {
	sig := e.strategy.ShouldSell(symbol, position, currentPrice, ctx)
	if sig == nil || sig.Confidence < e.minConfidence {
		return nil
	}
	return sig
}

// Name returns the wrapped strategy's registry name.
func (e *Executor) Name() string { return e.strategy.Name() }

// ObserveFill forwards to the wrapped strategy.
func (e *Executor) ObserveFill(entryPrice decimal.Decimal) { e.strategy.ObserveFill(entryPrice) }

// ObservePrice forwards to the wrapped strategy.
func (e *Executor) ObservePrice(price decimal.Decimal) { e.strategy.ObservePrice(price) }

// Registry maps a strategy name (STRATEGY_NAME config value) to a
// constructor. Concrete strategies register themselves in an init() in
// their own file, keeping the core's import graph strategy-agnostic.
var registry = map[string]func() Strategy{}

// Register adds a strategy constructor under name. Call from an init().
func Register(name string, ctor func() Strategy) {
	registry[name] = ctor
}

// New looks up name in the registry and constructs it.
func New(name string) (Strategy, bool) {
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}
