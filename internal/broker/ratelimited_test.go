package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bracketrun/equityfleet/internal/clock"
)

func TestRateLimitedBrokerThrottlesBurst(t *testing.T) {
	fc := clock.NewFake(time.Now())
	pb := NewPaperBroker(fc, decimal.NewFromInt(1000))
	rl := NewRateLimitedBroker(pb, 1000) // generous limit, just exercising the wrapper path

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := rl.GetCash(ctx, "acct"); err != nil {
			t.Fatalf("GetCash call %d: %v", i, err)
		}
	}
}

func TestRateLimitedBrokerRespectsContextCancellation(t *testing.T) {
	fc := clock.NewFake(time.Now())
	pb := NewPaperBroker(fc, decimal.NewFromInt(1000))
	rl := NewRateLimitedBroker(pb, 0.001) // effectively one request per ~1000s

	// Drain the initial burst token.
	ctx := context.Background()
	if _, err := rl.GetCash(ctx, "acct"); err != nil {
		t.Fatalf("priming GetCash: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := rl.GetCash(cctx, "acct"); err == nil {
		t.Error("expected the limiter to block past the context deadline and return an error")
	}
}
