package worker

import (
	"time"
)

// Schedule computes whether the current instant falls inside the forced
// end-of-day liquidation window. Grounded on the cached America/New_York
// location pattern used for every market-hours calculation in the original
// bot, with the same EST fallback if the tzdata lookup fails.
type Schedule struct {
	Location          *time.Location
	LiquidationHour   int
	LiquidationMinute int
	MarketCloseHour   int
	MarketCloseMinute int
}

// NewSchedule loads America/New_York (falling back to a fixed UTC-5 offset
// if the system has no tzdata installed) and returns a Schedule whose
// forced-exit window opens at liquidationHour:liquidationMinute NY time and
// closes at the market close.
func NewSchedule(liquidationHour, liquidationMinute, marketCloseHour, marketCloseMinute int) *Schedule {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &Schedule{
		Location:          loc,
		LiquidationHour:   liquidationHour,
		LiquidationMinute: liquidationMinute,
		MarketCloseHour:   marketCloseHour,
		MarketCloseMinute: marketCloseMinute,
	}
}

// InForcedExitWindow reports whether now, converted to the schedule's
// location, falls between the liquidation cutoff and market close on a
// weekday. Weekend instants never enter the window: nothing is open to
// liquidate against.
func (s *Schedule) InForcedExitWindow(now time.Time) bool {
	local := now.In(s.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), s.LiquidationHour, s.LiquidationMinute, 0, 0, s.Location)
	close := time.Date(local.Year(), local.Month(), local.Day(), s.MarketCloseHour, s.MarketCloseMinute, 0, 0, s.Location)
	return !local.Before(open) && local.Before(close)
}
