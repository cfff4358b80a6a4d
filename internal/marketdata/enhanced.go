package marketdata

import (
	"math"
	"sync"
	"time"

	"mmtrader/internal/common"
)

type levelSighting struct {
	firstSeen time.Time
	lastSeen  time.Time
	updates   int
}

// EnhancedBookTracker watches per-symbol price-level arrivals and
// departures to estimate how much of the book's churn looks like spoofing
// (orders posted and pulled within a fraction of a second) versus a stable
// quoting presence.
type EnhancedBookTracker struct {
	mu      sync.Mutex
	symbols map[string]*enhancedState
}

type enhancedState struct {
	levels       map[float64]*levelSighting
	spreadSamples []float64
	spoofEvents  int
	totalEvents  int
	windowStart  time.Time
	lastSpread   float64
}

func NewEnhancedBookTracker() *EnhancedBookTracker {
	return &EnhancedBookTracker{symbols: make(map[string]*enhancedState)}
}

func (e *EnhancedBookTracker) state(symbol string) *enhancedState {
	st, ok := e.symbols[symbol]
	if !ok {
		st = &enhancedState{levels: make(map[float64]*levelSighting), windowStart: time.Now()}
		e.symbols[symbol] = st
	}
	return st
}

// Observe records one book tick: the set of currently-live price levels
// (levels are tracked by price alone, so bid and ask prices may be passed
// together), and the current spread.
func (e *EnhancedBookTracker) Observe(symbol string, livePrices []float64, spreadBps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(symbol)
	now := time.Now()
	seen := make(map[float64]bool, len(livePrices))

	for _, price := range livePrices {
		rounded := math.Round(price*1e8) / 1e8
		seen[rounded] = true
		ls, ok := st.levels[rounded]
		if !ok {
			st.levels[rounded] = &levelSighting{firstSeen: now, lastSeen: now, updates: 1}
			continue
		}
		ls.updates++
		ls.lastSeen = now
	}

	for price, ls := range st.levels {
		if seen[price] {
			continue
		}
		lifetime := ls.lastSeen.Sub(ls.firstSeen).Seconds()
		rate := float64(ls.updates) / math.Max(lifetime, 0.001)
		st.totalEvents++
		if lifetime < common.SpoofLifetimeMaxSec || rate > common.SpoofUpdateRateMinHz {
			st.spoofEvents++
		}
		delete(st.levels, price)
	}

	st.spreadSamples = append(st.spreadSamples, spreadBps)
	if len(st.spreadSamples) > 300 {
		st.spreadSamples = st.spreadSamples[1:]
	}
	st.lastSpread = spreadBps
}

// EnhancedStats is the derived spoof/stability signal read by the strategy
// loop to discount entry quality.
type EnhancedStats struct {
	SpoofingScore        float64
	SpreadStabilityScore float64
	AvgOrderLifetimeSec  float64
	BookRefreshRateHz    float64
}

func (e *EnhancedBookTracker) Stats(symbol string) EnhancedStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(symbol)
	var out EnhancedStats

	if st.totalEvents > 0 {
		out.SpoofingScore = float64(st.spoofEvents) / float64(st.totalEvents)
	}

	if len(st.spreadSamples) > 0 {
		mean, std := meanStd(st.spreadSamples)
		if mean > 0 {
			out.SpreadStabilityScore = clamp01(1 - std/mean)
		} else {
			out.SpreadStabilityScore = 1
		}
	}

	var totalLifetime float64
	var count int
	for _, ls := range st.levels {
		totalLifetime += ls.lastSeen.Sub(ls.firstSeen).Seconds()
		count++
	}
	if count > 0 {
		out.AvgOrderLifetimeSec = totalLifetime / float64(count)
	}

	elapsed := time.Since(st.windowStart).Seconds()
	if elapsed > 0 {
		out.BookRefreshRateHz = float64(st.totalEvents) / elapsed
	}

	return out
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	std = math.Sqrt(variance)
	return mean, std
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
