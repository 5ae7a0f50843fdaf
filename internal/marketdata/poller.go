// Package marketdata implements the Market Data Poller (spec §4.6):
// cadence-driven candidate discovery from the Broker Port, filtered and
// scored before being handed to the Strategy Executor.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/metrics"
	"github.com/bracketrun/equityfleet/internal/models"
)

// Filters gates which symbols make it into the candidate list.
type Filters struct {
	MinVolume     int64
	MinTurnover   decimal.Decimal // price * volume floor
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	StaleAfter    time.Duration
	CustomPredicate func(models.Candidate) bool
}

// ScoreFunc computes a strategy-supplied scalar for a candidate; higher is
// better. The poller never scores on its own.
type ScoreFunc func(models.Candidate) float64

// Poller is the Market Data Poller of spec §4.6.
type Poller struct {
	broker broker.Broker
	clock  clock.Clock
	logger *logrus.Logger
	score  ScoreFunc

	mu     chan struct{} // 1-buffered mutex-as-channel guarding lastQuote
	lastQuote map[string]broker.Quote
}

// New constructs a Poller. score may be nil, in which case every candidate
// scores 0 and DiscoverCandidates preserves broker return order.
func New(b broker.Broker, clk clock.Clock, logger *logrus.Logger, score ScoreFunc) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	if score == nil {
		score = func(models.Candidate) float64 { return 0 }
	}
	p := &Poller{broker: b, clock: clk, logger: logger, score: score, lastQuote: make(map[string]broker.Quote)}
	p.mu = make(chan struct{}, 1)
	p.mu <- struct{}{}
	return p
}

// ObserveQuote feeds a streamed quote into the poller's cache so
// DiscoverCandidates can use it instead of a fresh poll when fresh enough.
func (p *Poller) ObserveQuote(q broker.Quote) {
	<-p.mu
	p.lastQuote[q.Symbol] = q
	p.mu <- struct{}{}
}

// DiscoverCandidates returns up to maxN Candidates from universe passing
// filters, scored and sorted descending. A broker error propagates to the
// caller; it is the orchestrator's job to retry at the next tick.
func (p *Poller) DiscoverCandidates(ctx context.Context, universe []string, filters Filters, maxN int) ([]models.Candidate, error) {
	pollStart := time.Now()
	defer func() { metrics.PollLatency.Observe(time.Since(pollStart).Seconds()) }()

	now := p.clock.Now()
	<-p.mu
	snapshot := make(map[string]broker.Quote, len(p.lastQuote))
	for k, v := range p.lastQuote {
		snapshot[k] = v
	}
	p.mu <- struct{}{}

	var candidates []models.Candidate
	for _, symbol := range universe {
		q, ok := snapshot[symbol]
		if !ok || (filters.StaleAfter > 0 && now.Sub(q.AsOf) > filters.StaleAfter) {
			p.logger.WithField("symbol", symbol).Debug("marketdata: no fresh quote cached, skipping poll-time candidate")
			continue
		}
		c := models.Candidate{Symbol: symbol, Price: q.Price, Volume: q.Volume, ScannedAt: now}
		if !passesFilters(c, filters) {
			continue
		}
		c.Score = p.score(c)
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if maxN > 0 && len(candidates) > maxN {
		candidates = candidates[:maxN]
	}
	p.logger.WithFields(logrus.Fields{"universe_size": len(universe), "candidates": len(candidates)}).Debug("marketdata: poll complete")
	return candidates, nil
}

func passesFilters(c models.Candidate, f Filters) bool {
	if f.MinVolume > 0 && c.Volume < f.MinVolume {
		return false
	}
	if !f.MinPrice.IsZero() && c.Price.LessThan(f.MinPrice) {
		return false
	}
	if !f.MaxPrice.IsZero() && c.Price.GreaterThan(f.MaxPrice) {
		return false
	}
	if !f.MinTurnover.IsZero() {
		turnover := c.Price.Mul(decimal.NewFromInt(c.Volume))
		if turnover.LessThan(f.MinTurnover) {
			return false
		}
	}
	if f.CustomPredicate != nil && !f.CustomPredicate(c) {
		return false
	}
	return true
}

// Start subscribes to streamed quotes for universe and feeds every tick into
// the poller's cache via ObserveQuote, so DiscoverCandidates has fresh data
// without making a blocking broker call on every poll tick.
func (p *Poller) Start(ctx context.Context, universe []string) error {
	if err := p.broker.SubscribeQuotes(ctx, universe, p.ObserveQuote); err != nil {
		return fmt.Errorf("marketdata: start: %w", apperrors.ErrTransientBroker)
	}
	return nil
}
