package pnl

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/apperrors"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/store"
)

// DailySummaryService computes and persists the per-worker per-date rollup
// of spec §4.8.
type DailySummaryService struct {
	store  store.Store
	logger *logrus.Logger
}

// NewDailySummaryService constructs a DailySummaryService.
func NewDailySummaryService(st store.Store, logger *logrus.Logger) *DailySummaryService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DailySummaryService{store: st, logger: logger}
}

// GenerateSummary replays workerID's fills for summaryDate through a fresh
// FIFOBook, derives the day's aggregates, adds end-of-day unrealizedBySymbol,
// and upserts the daily_summaries row inside one transaction. Idempotent:
// regenerating the same day overwrites.
func (s *DailySummaryService) GenerateSummary(ctx context.Context, workerID string, summaryDate time.Time, unrealizedBySymbol map[string]decimal.Decimal) (*models.DailySummary, error) {
	dateStr := summaryDate.Format("2006-01-02")
	start := time.Date(summaryDate.Year(), summaryDate.Month(), summaryDate.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	fills, err := s.fillsForWorker(ctx, workerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("pnl: generate_summary: %w", err)
	}

	book := NewFIFOBook()
	for _, f := range fills {
		if f.Side == models.SideBuy {
			book.RecordBuy(f.Symbol, f.Qty, f.Price)
		} else {
			book.RecordSell(f.Symbol, f.Qty, f.Price)
		}
	}
	agg := ComputeAggregates(book.RoundTrips())

	unrealized := decimal.Zero
	for symbol, price := range unrealizedBySymbol {
		unrealized = unrealized.Add(book.UnrealizedPnL(symbol, price))
	}

	summary := &models.DailySummary{
		WorkerID:      workerID,
		SummaryDate:   dateStr,
		TotalTrades:   agg.TotalTrades,
		WinningTrades: agg.WinningTrades,
		LosingTrades:  agg.LosingTrades,
		GrossProfit:   agg.GrossProfit,
		GrossLoss:     agg.GrossLoss,
		NetPnL:        agg.NetPnL,
		UnrealizedPnL: unrealized,
		MaxDrawdown:   agg.MaxDrawdown,
		WinRate:       agg.WinRate,
		ProfitFactor:  agg.ProfitFactor,
	}

	if err := s.upsert(ctx, summary); err != nil {
		return nil, fmt.Errorf("pnl: generate_summary upsert: %w", err)
	}
	return summary, nil
}

func (s *DailySummaryService) fillsForWorker(ctx context.Context, workerID string, start, end time.Time) ([]models.Fill, error) {
	rows, err := s.store.QueryAll(ctx, `
		SELECT f.symbol, f.side, f.qty, f.price, f.fill_time
		FROM fills f JOIN orders o ON o.order_id = f.order_id
		WHERE o.worker_id = ? AND f.fill_time >= ? AND f.fill_time < ?
		ORDER BY f.fill_time ASC`,
		workerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w", apperrors.ErrStore)
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		var f models.Fill
		if err := rows.Scan(&f.Symbol, &f.Side, &f.Qty, &f.Price, &f.FillTime); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", apperrors.ErrStore)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetSummary returns the persisted daily_summaries row for (workerID, date),
// or nil if it hasn't been generated yet.
func (s *DailySummaryService) GetSummary(ctx context.Context, workerID string, date time.Time) (*models.DailySummary, error) {
	dateStr := date.Format("2006-01-02")
	row := s.store.QueryOne(ctx, `
		SELECT worker_id, summary_date, total_trades, winning_trades, losing_trades, gross_profit, gross_loss, net_pnl, unrealized_pnl, max_drawdown, win_rate, profit_factor
		FROM daily_summaries WHERE worker_id = ? AND summary_date = ?`, workerID, dateStr)
	var d models.DailySummary
	err := row.Scan(&d.WorkerID, &d.SummaryDate, &d.TotalTrades, &d.WinningTrades, &d.LosingTrades, &d.GrossProfit, &d.GrossLoss, &d.NetPnL, &d.UnrealizedPnL, &d.MaxDrawdown, &d.WinRate, &d.ProfitFactor)
	if err == store.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pnl: get_summary %s/%s: %w", workerID, dateStr, apperrors.ErrStore)
	}
	return &d, nil
}

// ListRecentSummaries returns the most recent n daily_summaries rows across
// all workers, newest first. Used by the dashboard's fleet-wide rollup view.
func (s *DailySummaryService) ListRecentSummaries(ctx context.Context, n int) ([]*models.DailySummary, error) {
	rows, err := s.store.QueryAll(ctx, `
		SELECT worker_id, summary_date, total_trades, winning_trades, losing_trades, gross_profit, gross_loss, net_pnl, unrealized_pnl, max_drawdown, win_rate, profit_factor
		FROM daily_summaries ORDER BY summary_date DESC, worker_id ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("%w", apperrors.ErrStore)
	}
	defer rows.Close()

	var out []*models.DailySummary
	for rows.Next() {
		var d models.DailySummary
		if err := rows.Scan(&d.WorkerID, &d.SummaryDate, &d.TotalTrades, &d.WinningTrades, &d.LosingTrades, &d.GrossProfit, &d.GrossLoss, &d.NetPnL, &d.UnrealizedPnL, &d.MaxDrawdown, &d.WinRate, &d.ProfitFactor); err != nil {
			return nil, fmt.Errorf("scanning daily summary row: %w", apperrors.ErrStore)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// upsert is a delete-then-insert wrapped in one transaction: the Store Port
// exposes INSERT-OR-NOTHING for the lock/order uniqueness constraints, but a
// daily summary is explicitly meant to be overwritten, so it doesn't need
// the conditional-insert primitive.
func (s *DailySummaryService) upsert(ctx context.Context, d *models.DailySummary) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w", apperrors.ErrStore)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM daily_summaries WHERE worker_id = ? AND summary_date = ?`, d.WorkerID, d.SummaryDate); err != nil {
		return fmt.Errorf("%w", apperrors.ErrStore)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO daily_summaries (worker_id, summary_date, total_trades, winning_trades, losing_trades, gross_profit, gross_loss, net_pnl, unrealized_pnl, max_drawdown, win_rate, profit_factor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.WorkerID, d.SummaryDate, d.TotalTrades, d.WinningTrades, d.LosingTrades, d.GrossProfit, d.GrossLoss, d.NetPnL, d.UnrealizedPnL, d.MaxDrawdown, d.WinRate, d.ProfitFactor); err != nil {
		return fmt.Errorf("%w", apperrors.ErrStore)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w", apperrors.ErrStore)
	}
	committed = true
	return nil
}
