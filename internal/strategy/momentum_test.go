package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/models"
)

func TestMomentumShouldBuyRequiresVolumeAndScore(t *testing.T) {
	cfg := DefaultMomentumConfig()
	cfg.MinScore = 10
	s := NewMomentumStrategy(cfg)

	lowVolume := models.Candidate{Symbol: "AAPL", Volume: 100, Score: 20}
	if sig := s.ShouldBuy(lowVolume, Context{}); sig != nil {
		t.Error("expected low-volume candidate to be rejected")
	}

	lowScore := models.Candidate{Symbol: "AAPL", Volume: 1_000_000, Score: 5}
	if sig := s.ShouldBuy(lowScore, Context{}); sig != nil {
		t.Error("expected sub-threshold score to be rejected")
	}

	good := models.Candidate{Symbol: "AAPL", Volume: 1_000_000, Score: 20}
	sig := s.ShouldBuy(good, Context{})
	if sig == nil {
		t.Fatal("expected a buy signal for a qualifying candidate")
	}
	if sig.Qty != cfg.BuyQty {
		t.Errorf("Qty = %d, want %d", sig.Qty, cfg.BuyQty)
	}
}

func TestMomentumShouldSellTakeProfit(t *testing.T) {
	cfg := DefaultMomentumConfig()
	s := NewMomentumStrategy(cfg)
	pos := models.Position{Symbol: "AAPL", NetQty: 10, AvgCost: decimal.NewFromInt(100)}

	sig := s.ShouldSell("AAPL", pos, decimal.NewFromInt(106), Context{Now: time.Now(), PositionOpened: time.Now()})
	if sig == nil || sig.Reason != SellReasonTakeProfit {
		t.Fatalf("expected TAKE_PROFIT signal, got %+v", sig)
	}
}

func TestMomentumShouldSellStopLossFromHighWater(t *testing.T) {
	cfg := DefaultMomentumConfig()
	s := NewMomentumStrategy(cfg)
	pos := models.Position{Symbol: "AAPL", NetQty: 10, AvgCost: decimal.NewFromInt(100)}
	now := time.Now()

	s.ObserveFill(decimal.NewFromInt(100))
	s.ObservePrice(decimal.NewFromInt(103))

	sig := s.ShouldSell("AAPL", pos, decimal.NewFromInt(100), Context{Now: now, PositionOpened: now})
	if sig == nil || sig.Reason != SellReasonStopLoss {
		t.Fatalf("expected STOP_LOSS signal after a 3%% drawdown from high-water, got %+v", sig)
	}
}

func TestMomentumShouldSellTimeExit(t *testing.T) {
	cfg := DefaultMomentumConfig()
	cfg.MaxHoldDuration = time.Hour
	cfg.TakeProfitPct = 0
	cfg.StopLossPct = 0
	s := NewMomentumStrategy(cfg)
	pos := models.Position{Symbol: "AAPL", NetQty: 10, AvgCost: decimal.NewFromInt(100)}
	opened := time.Now().Add(-2 * time.Hour)

	sig := s.ShouldSell("AAPL", pos, decimal.NewFromInt(100), Context{Now: time.Now(), PositionOpened: opened})
	if sig == nil || sig.Reason != SellReasonTimeExit {
		t.Fatalf("expected TIME_EXIT signal after exceeding max hold duration, got %+v", sig)
	}
}

func TestExecutorGatesOnConfidence(t *testing.T) {
	exec := NewExecutor(&stubStrategy{buy: &BuySignal{Confidence: 0.3}}, 0.5)
	if sig := exec.ShouldBuy(models.Candidate{}, Context{}); sig != nil {
		t.Error("expected Executor to reject a signal below min_confidence")
	}
}

type stubStrategy struct {
	buy  *BuySignal
	sell *SellSignal
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) ShouldBuy(models.Candidate, Context) *BuySignal { return s.buy }
func (s *stubStrategy) ShouldSell(string, models.Position, decimal.Decimal, Context) *SellSignal {
	return s.sell
}
func (s *stubStrategy) ObserveFill(decimal.Decimal)  {}
func (s *stubStrategy) ObservePrice(decimal.Decimal) {}
