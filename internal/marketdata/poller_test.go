package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/models"
)

func TestDiscoverCandidatesFiltersAndSortsByScore(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	pb := broker.NewPaperBroker(fc, decimal.NewFromInt(100000))
	p := New(pb, fc, nil, func(c models.Candidate) float64 { return c.Price.InexactFloat64() })

	ctx := context.Background()
	if err := p.Start(ctx, []string{"AAPL", "MSFT", "PENNY"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pb.SetQuote("AAPL", decimal.NewFromFloat(190), 5_000_000)
	pb.SetQuote("MSFT", decimal.NewFromFloat(400), 3_000_000)
	pb.SetQuote("PENNY", decimal.NewFromFloat(0.50), 100)

	candidates, err := p.DiscoverCandidates(ctx, []string{"AAPL", "MSFT", "PENNY"}, Filters{MinVolume: 1_000_000, MinPrice: decimal.NewFromInt(1)}, 5)
	if err != nil {
		t.Fatalf("DiscoverCandidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates after filtering PENNY, got %d", len(candidates))
	}
	if candidates[0].Symbol != "MSFT" {
		t.Errorf("expected MSFT (higher price score) first, got %s", candidates[0].Symbol)
	}
}

func TestDiscoverCandidatesRespectsMaxN(t *testing.T) {
	fc := clock.NewFake(time.Now())
	pb := broker.NewPaperBroker(fc, decimal.NewFromInt(100000))
	p := New(pb, fc, nil, nil)
	ctx := context.Background()
	_ = p.Start(ctx, []string{"A", "B", "C"})
	pb.SetQuote("A", decimal.NewFromInt(10), 10000)
	pb.SetQuote("B", decimal.NewFromInt(20), 10000)
	pb.SetQuote("C", decimal.NewFromInt(30), 10000)

	candidates, err := p.DiscoverCandidates(ctx, []string{"A", "B", "C"}, Filters{}, 1)
	if err != nil {
		t.Fatalf("DiscoverCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("expected max_n=1 to cap results, got %d", len(candidates))
	}
}

func TestDiscoverCandidatesDropsStaleQuotes(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	pb := broker.NewPaperBroker(fc, decimal.NewFromInt(100000))
	p := New(pb, fc, nil, nil)
	ctx := context.Background()
	_ = p.Start(ctx, []string{"AAPL"})
	pb.SetQuote("AAPL", decimal.NewFromInt(190), 5_000_000)

	fc.Advance(time.Hour)
	candidates, err := p.DiscoverCandidates(ctx, []string{"AAPL"}, Filters{StaleAfter: time.Minute}, 5)
	if err != nil {
		t.Fatalf("DiscoverCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected stale quote to be dropped, got %d candidates", len(candidates))
	}
}
