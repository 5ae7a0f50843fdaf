package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is the ephemeral result of a market-data poll: a symbol that
// passed coarse filters and was scored for possible entry. Candidates are
// not persisted as a first-class entity.
type Candidate struct {
	Symbol     string                 `json:"symbol"`
	Price      decimal.Decimal        `json:"price"`
	Volume     int64                  `json:"volume"`
	Score      float64                `json:"score"`
	Indicators map[string]interface{} `json:"indicators,omitempty"`
	ScannedAt  time.Time              `json:"scanned_at"`
}
