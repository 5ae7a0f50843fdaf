package pnl

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestRecordSellConsumesOldestLotsFirst(t *testing.T) {
	b := NewFIFOBook()
	b.RecordBuy("AAPL", 10, d(100))
	b.RecordBuy("AAPL", 10, d(110))

	realized := b.RecordSell("AAPL", 15, d(120))

	// 10 @ 100 + 5 @ 110 consumed: proceeds 15*120=1800, cost 10*100+5*110=1550
	want := d(1800 - 1550)
	if !realized.Equal(want) {
		t.Errorf("realized = %s, want %s", realized, want)
	}
	if got := b.OpenQty("AAPL"); got != 5 {
		t.Errorf("OpenQty = %d, want 5 (remainder of second lot)", got)
	}
}

func TestRecordSellPartialLotResidual(t *testing.T) {
	b := NewFIFOBook()
	b.RecordBuy("AAPL", 10, d(100))

	realized := b.RecordSell("AAPL", 4, d(105))

	want := d(4).Mul(d(105)).Sub(d(4).Mul(d(100)))
	if !realized.Equal(want) {
		t.Errorf("realized = %s, want %s", realized, want)
	}
	if got := b.OpenQty("AAPL"); got != 6 {
		t.Errorf("OpenQty = %d, want 6", got)
	}
}

func TestRecordSellExceedingOpenQtyConsumesWhatExists(t *testing.T) {
	b := NewFIFOBook()
	b.RecordBuy("AAPL", 5, d(100))

	b.RecordSell("AAPL", 20, d(110))

	if got := b.OpenQty("AAPL"); got != 0 {
		t.Errorf("OpenQty = %d, want 0", got)
	}
	rts := b.RoundTrips()
	if len(rts) != 1 || rts[0].Qty != 5 {
		t.Fatalf("RoundTrips = %+v, want a single round trip covering the 5 available shares", rts)
	}
}

func TestUnrealizedPnLSumsOpenLots(t *testing.T) {
	b := NewFIFOBook()
	b.RecordBuy("AAPL", 10, d(100))
	b.RecordBuy("AAPL", 5, d(120))

	got := b.UnrealizedPnL("AAPL", d(130))
	want := d(10).Mul(d(30)).Add(d(5).Mul(d(10)))
	if !got.Equal(want) {
		t.Errorf("UnrealizedPnL = %s, want %s", got, want)
	}
}

func TestComputeAggregatesEmptyIsZeroValued(t *testing.T) {
	agg := ComputeAggregates(nil)
	if agg.TotalTrades != 0 || agg.WinRate != 0 || agg.ProfitFactor != 0 {
		t.Errorf("expected zero-valued aggregates for no round trips, got %+v", agg)
	}
}

func TestComputeAggregatesWinRateAndProfitFactor(t *testing.T) {
	rts := []RoundTrip{
		{Symbol: "AAPL", Qty: 10, RealizedPnL: d(100)},
		{Symbol: "AAPL", Qty: 10, RealizedPnL: d(-40)},
		{Symbol: "MSFT", Qty: 5, RealizedPnL: d(20)},
	}
	agg := ComputeAggregates(rts)

	if agg.TotalTrades != 3 || agg.WinningTrades != 2 || agg.LosingTrades != 1 {
		t.Errorf("trade counts = %+v", agg)
	}
	if !agg.GrossProfit.Equal(d(120)) {
		t.Errorf("GrossProfit = %s, want 120", agg.GrossProfit)
	}
	if !agg.GrossLoss.Equal(d(40)) {
		t.Errorf("GrossLoss = %s, want 40 (positive magnitude)", agg.GrossLoss)
	}
	if !agg.NetPnL.Equal(d(80)) {
		t.Errorf("NetPnL = %s, want 80", agg.NetPnL)
	}
	if want := 2.0 / 3.0; math.Abs(agg.WinRate-want) > 1e-9 {
		t.Errorf("WinRate = %f, want %f", agg.WinRate, want)
	}
	if want := 3.0; math.Abs(agg.ProfitFactor-want) > 1e-9 {
		t.Errorf("ProfitFactor = %f, want %f", agg.ProfitFactor, want)
	}
}

func TestComputeAggregatesProfitFactorInfiniteWhenNoLosses(t *testing.T) {
	agg := ComputeAggregates([]RoundTrip{{RealizedPnL: d(50)}})
	if !math.IsInf(agg.ProfitFactor, 1) {
		t.Errorf("ProfitFactor = %f, want +Inf", agg.ProfitFactor)
	}
}

func TestComputeAggregatesProfitFactorZeroWhenFlat(t *testing.T) {
	agg := ComputeAggregates([]RoundTrip{{RealizedPnL: d(0)}})
	if agg.ProfitFactor != 0 {
		t.Errorf("ProfitFactor = %f, want 0 when both gross profit and loss are zero", agg.ProfitFactor)
	}
}

func TestComputeAggregatesMaxDrawdownTracksPeakToTrough(t *testing.T) {
	// cumulative curve: 100, 150 (peak), 90 (trough, dd=60), 110, 70 (dd=80, new max)
	rts := []RoundTrip{
		{RealizedPnL: d(100)},
		{RealizedPnL: d(50)},
		{RealizedPnL: d(-60)},
		{RealizedPnL: d(20)},
		{RealizedPnL: d(-40)},
	}
	agg := ComputeAggregates(rts)
	if !agg.MaxDrawdown.Equal(d(80)) {
		t.Errorf("MaxDrawdown = %s, want 80", agg.MaxDrawdown)
	}
}
