package models

import "github.com/shopspring/decimal"

// Position is a derived, per-symbol net-share rollup computed from fill
// history. It is not independently authoritative; the broker's reported
// position is the source of truth (see internal/recovery).
type Position struct {
	Symbol        string          `json:"symbol"`
	NetQty        int64           `json:"net_qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // requires a current price
}

// IsFlat reports whether the position has no open shares.
func (p *Position) IsFlat() bool {
	return p.NetQty == 0
}
