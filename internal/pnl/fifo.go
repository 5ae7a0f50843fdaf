// Package pnl implements the PnL & Daily Summary component (spec §4.8):
// FIFO lot-consumption realized PnL per symbol, unrealized PnL against a
// current price, and the per-worker per-date aggregate rollup.
package pnl

import (
	"math"

	"github.com/shopspring/decimal"
)

// lot is one open BUY tranche awaiting FIFO consumption by a later SELL.
type lot struct {
	qty   int64
	price decimal.Decimal
}

// RoundTrip is one completed (fully or partially) sell against the FIFO
// queue, the unit the daily aggregate counts as "a trade".
type RoundTrip struct {
	Symbol      string
	Qty         int64
	RealizedPnL decimal.Decimal
}

// FIFOBook maintains the open-lot queue and realized-PnL history for one
// worker across all symbols it has traded.
type FIFOBook struct {
	lots       map[string][]lot
	roundTrips []RoundTrip
}

// NewFIFOBook constructs an empty book.
func NewFIFOBook() *FIFOBook {
	return &FIFOBook{lots: make(map[string][]lot)}
}

// RecordBuy appends a new open lot for symbol.
func (b *FIFOBook) RecordBuy(symbol string, qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	b.lots[symbol] = append(b.lots[symbol], lot{qty: qty, price: price})
}

// RecordSell consumes oldest-first lots for symbol up to qty, returning the
// realized PnL: sell_price*sold_qty − Σ lot_price*consumed_qty. A sell for
// more than the open quantity consumes everything available; the excess is
// simply not realized against any lot (the caller's fill-conservation
// invariant is enforced upstream in the Order Service, not here).
func (b *FIFOBook) RecordSell(symbol string, qty int64, price decimal.Decimal) decimal.Decimal {
	queue := b.lots[symbol]
	remaining := qty
	realized := decimal.Zero

	i := 0
	for i < len(queue) && remaining > 0 {
		l := &queue[i]
		consumed := l.qty
		if consumed > remaining {
			consumed = remaining
		}
		proceeds := price.Mul(decimal.NewFromInt(consumed))
		cost := l.price.Mul(decimal.NewFromInt(consumed))
		realized = realized.Add(proceeds.Sub(cost))

		l.qty -= consumed
		remaining -= consumed
		if l.qty == 0 {
			i++
		}
	}
	b.lots[symbol] = queue[i:]

	b.roundTrips = append(b.roundTrips, RoundTrip{Symbol: symbol, Qty: qty - remaining, RealizedPnL: realized})
	return realized
}

// OpenQty returns the total unconsumed lot quantity for symbol.
func (b *FIFOBook) OpenQty(symbol string) int64 {
	var total int64
	for _, l := range b.lots[symbol] {
		total += l.qty
	}
	return total
}

// UnrealizedPnL sums (currentPrice - lot_price) * lot_qty over every open
// lot for symbol.
func (b *FIFOBook) UnrealizedPnL(symbol string, currentPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots[symbol] {
		total = total.Add(currentPrice.Sub(l.price).Mul(decimal.NewFromInt(l.qty)))
	}
	return total
}

// RoundTrips returns every sell-side realization recorded so far, in order.
func (b *FIFOBook) RoundTrips() []RoundTrip {
	return append([]RoundTrip(nil), b.roundTrips...)
}

// Aggregates holds the derived per-day rollup metrics of spec §4.8,
// independent of persistence.
type Aggregates struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	GrossProfit   decimal.Decimal
	GrossLoss     decimal.Decimal
	NetPnL        decimal.Decimal
	WinRate       float64
	ProfitFactor  float64
	MaxDrawdown   decimal.Decimal
}

// ComputeAggregates derives the day's aggregates from a list of realized
// round-trip PnLs in chronological order, used for max_drawdown's running
// cumulative curve.
func ComputeAggregates(roundTrips []RoundTrip) Aggregates {
	var a Aggregates
	cumulative := decimal.Zero
	peak := decimal.Zero
	maxDrawdown := decimal.Zero

	for _, rt := range roundTrips {
		a.TotalTrades++
		if rt.RealizedPnL.IsPositive() {
			a.WinningTrades++
			a.GrossProfit = a.GrossProfit.Add(rt.RealizedPnL)
		} else if rt.RealizedPnL.IsNegative() {
			a.LosingTrades++
			a.GrossLoss = a.GrossLoss.Add(rt.RealizedPnL.Neg())
		}

		cumulative = cumulative.Add(rt.RealizedPnL)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		drawdown := peak.Sub(cumulative)
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}

	a.NetPnL = a.GrossProfit.Sub(a.GrossLoss)
	a.MaxDrawdown = maxDrawdown

	if a.TotalTrades > 0 {
		a.WinRate = float64(a.WinningTrades) / float64(a.TotalTrades)
	}
	switch {
	case a.GrossLoss.IsZero() && a.GrossProfit.IsPositive():
		a.ProfitFactor = math.Inf(1)
	case a.GrossLoss.IsZero():
		a.ProfitFactor = 0
	default:
		gp, _ := a.GrossProfit.Float64()
		gl, _ := a.GrossLoss.Float64()
		a.ProfitFactor = gp / gl
	}
	return a
}
