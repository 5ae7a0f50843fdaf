package models

import "github.com/shopspring/decimal"

// DailySummary is a per-worker per-date performance rollup. Regenerating the
// same (WorkerID, SummaryDate) pair overwrites the row.
type DailySummary struct {
	WorkerID      string          `json:"worker_id"`
	SummaryDate   string          `json:"summary_date"` // YYYY-MM-DD
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	GrossProfit   decimal.Decimal `json:"gross_profit"`
	GrossLoss     decimal.Decimal `json:"gross_loss"` // stored as a positive magnitude
	NetPnL        decimal.Decimal `json:"net_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	WinRate       float64         `json:"win_rate"`
	ProfitFactor  float64         `json:"profit_factor"` // math.Inf(1) when GrossLoss == 0 && GrossProfit > 0
}
