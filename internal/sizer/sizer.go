// Package sizer splits a target order size into an execution plan sized to
// avoid moving a market-maker's quotes, replacing the teacher's
// Kelly-criterion position sizing with an MM-capacity-aware scheme.
package sizer

// Mode controls how aggressively the sizer spends the available MM
// capacity.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
)

// Plan is the sizer's output: how much to trade, in how many pieces, spaced
// how far apart.
type Plan struct {
	SafeSizeUSD   float64
	SplitCount    int
	SplitDelaySec float64
	RiskLevel     string
}

// Calculate derives an execution plan from a target size (typically the MM
// pattern's safe order size, or the configured default when no pattern is
// available) and a risk appetite.
func Calculate(targetSizeUSD float64, mode Mode) Plan {
	switch mode {
	case ModeAggressive:
		return Plan{
			SafeSizeUSD:   targetSizeUSD,
			SplitCount:    3,
			SplitDelaySec: 0.15,
			RiskLevel:     "high",
		}
	case ModeBalanced:
		return Plan{
			SafeSizeUSD:   targetSizeUSD * 0.9,
			SplitCount:    2,
			SplitDelaySec: 0.3,
			RiskLevel:     "medium",
		}
	default:
		return Plan{
			SafeSizeUSD:   targetSizeUSD * 0.8,
			SplitCount:    1,
			SplitDelaySec: 0.5,
			RiskLevel:     "low",
		}
	}
}
