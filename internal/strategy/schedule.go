package strategy

import (
	"time"

	"mmtrader/internal/cfg"
)

// unboundedMinutes stands in for "no window end to count down to" when the
// schedule is disabled or malformed.
const unboundedMinutes = 1 << 30

// inWindow reports whether now falls inside the configured trading
// schedule and how many minutes remain until the window closes. A
// disabled or unparsable schedule is always open with an unbounded
// remainder, matching the teacher's fail-open posture for optional
// schedule gating.
func inWindow(params cfg.StrategyParams, now time.Time) (ok bool, minutesUntilEnd float64) {
	if !params.TradingScheduleEnabled {
		return true, unboundedMinutes
	}

	loc, err := time.LoadLocation(params.TradingTimezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if !params.TradeOnWeekends && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false, 0
	}

	start, okStart := parseHHMM(params.TradingStartTime)
	end, okEnd := parseHHMM(params.TradingEndTime)
	if !okStart || !okEnd {
		return true, unboundedMinutes
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	startAt := midnight.Add(start)
	endAt := midnight.Add(end)

	if start <= end {
		if local.Before(startAt) || !local.Before(endAt) {
			return false, 0
		}
		return true, endAt.Sub(local).Minutes()
	}

	// Overnight window: open from startAt through midnight, then from
	// midnight through endAt the next day.
	if !local.Before(startAt) {
		return true, endAt.Add(24 * time.Hour).Sub(local).Minutes()
	}
	if local.Before(endAt) {
		return true, endAt.Sub(local).Minutes()
	}
	return false, 0
}

func parseHHMM(s string) (time.Duration, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}
