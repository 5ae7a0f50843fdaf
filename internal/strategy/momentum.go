package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/util"
)

// equityTick is the minimum price increment for US equity orders.
const equityTick = 0.01

func init() {
	Register("momentum", func() Strategy { return NewMomentumStrategy(DefaultMomentumConfig()) })
}

// MomentumConfig parameterizes MomentumStrategy.
type MomentumConfig struct {
	MinScore        float64       // minimum poller-computed score to consider a buy
	MinVolume       int64         // minimum candidate volume to consider a buy
	BuyQty          int64         // default share quantity per entry
	StopLossPct     float64       // e.g. 0.02 for a 2% trailing stop from entry
	TakeProfitPct   float64       // e.g. 0.05 for a 5% take-profit from entry
	MaxHoldDuration time.Duration // TIME_EXIT threshold
}

// DefaultMomentumConfig mirrors conservative defaults: a 2% stop, 5% target,
// and a same-session max hold.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		MinScore:        0,
		MinVolume:       500_000,
		BuyQty:          10,
		StopLossPct:     0.02,
		TakeProfitPct:   0.05,
		MaxHoldDuration: 4 * time.Hour,
	}
}

// MomentumStrategy buys on a score/volume threshold crossing and sells on a
// trailing stop-loss, take-profit, or max holding duration.
type MomentumStrategy struct {
	cfg MomentumConfig

	entryPrice decimal.Decimal
	highWater  decimal.Decimal
}

// NewMomentumStrategy constructs a MomentumStrategy with the given config.
func NewMomentumStrategy(cfg MomentumConfig) *MomentumStrategy {
	return &MomentumStrategy{cfg: cfg}
}

// Name returns the strategy's registry name.
func (m *MomentumStrategy) Name() string { return "momentum" }

// ShouldBuy signals entry when the candidate clears both the volume floor
// and the poller-assigned score threshold.
func (m *MomentumStrategy) ShouldBuy(candidate models.Candidate, ctx Context) *BuySignal {
	if candidate.Volume < m.cfg.MinVolume {
		return nil
	}
	if candidate.Score < m.cfg.MinScore {
		return nil
	}
	confidence := 1.0
	if m.cfg.MinScore > 0 {
		confidence = candidate.Score / m.cfg.MinScore
		if confidence > 1 {
			confidence = 1
		}
	}
	return &BuySignal{
		Confidence: confidence,
		Qty:        m.cfg.BuyQty,
		Reason:     "momentum score/volume threshold crossed",
	}
}

// ShouldSell signals exit on a trailing stop from the position's high-water
// mark, a take-profit from entry, or a max holding duration (TIME_EXIT).
// Forced-exit handling lives in the orchestrator, which synthesizes its own
// FORCED signal rather than asking the strategy.
func (m *MomentumStrategy) ShouldSell(symbol string, position models.Position, currentPrice decimal.Decimal, ctx Context) *SellSignal {
	if position.IsFlat() {
		return nil
	}
	entry := position.AvgCost
	if entry.IsZero() {
		return nil
	}

	if !ctx.PositionOpened.IsZero() && ctx.Now.Sub(ctx.PositionOpened) >= m.cfg.MaxHoldDuration {
		return &SellSignal{Confidence: 1, Price: exitLimitPrice(currentPrice), Reason: SellReasonTimeExit}
	}

	gain := currentPrice.Sub(entry).Div(entry)
	if m.cfg.TakeProfitPct > 0 && gain.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.TakeProfitPct)) {
		return &SellSignal{Confidence: 1, Price: exitLimitPrice(currentPrice), Reason: SellReasonTakeProfit}
	}

	if m.cfg.StopLossPct > 0 {
		highWater := m.highWater
		if highWater.LessThan(currentPrice) {
			highWater = currentPrice
		}
		if highWater.IsZero() {
			highWater = entry
		}
		drawdown := highWater.Sub(currentPrice).Div(highWater)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.StopLossPct)) {
			return &SellSignal{Confidence: 1, Price: exitLimitPrice(currentPrice), Reason: SellReasonStopLoss}
		}
	}
	return nil
}

// exitLimitPrice floors the signal's limit price to the nearest tradable
// tick, the same rounding discipline options-strike snapping once applied,
// now against the plain equities cent increment. Flooring a sell's limit
// keeps it marketable rather than rounding away from the fill.
func exitLimitPrice(price decimal.Decimal) decimal.Decimal {
	f, _ := price.Float64()
	return decimal.NewFromFloat(util.FloorToTick(f, equityTick))
}

// ObserveFill lets the orchestrator tell the strategy about its own entry
// price and reset the trailing high-water mark on a fresh position.
func (m *MomentumStrategy) ObserveFill(entryPrice decimal.Decimal) {
	m.entryPrice = entryPrice
	m.highWater = entryPrice
}

// ObservePrice updates the trailing high-water mark used by the stop-loss.
func (m *MomentumStrategy) ObservePrice(price decimal.Decimal) {
	if m.highWater.IsZero() || price.GreaterThan(m.highWater) {
		m.highWater = price
	}
}
