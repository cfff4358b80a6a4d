// Package mm infers market-maker presence from book behavior: where an MM
// quotes (boundaries), how large its orders are, how often it refreshes,
// and whether it still appears to be there at all.
package mm

import (
	"math"
	"sort"
	"sync"
	"time"

	"mmtrader/internal/common"
)

// Pattern is a detected market-maker behavior profile for one symbol.
type Pattern struct {
	Symbol           string
	LowerBound       float64
	HasLowerBound    bool
	UpperBound       float64
	HasUpperBound    bool
	AvgOrderSizeUSD  float64
	RefreshRateHz    float64
	AvgSpreadBps     float64
	Confidence       float64
	SamplesCount     int
	BestEntry        float64
	BestExit         float64
	SafeOrderSizeUSD float64
	LastUpdated      time.Time
}

type bookSnapshot struct {
	bid, ask, bidQty, askQty, mid, spreadBps float64
	ts                                       time.Time
}

// TapePressure is the subset of tape-tracker stats the confidence boost
// consults, passed in by the caller rather than imported directly (the
// detector has no dependency on the tape tracker's concrete type).
type TapePressure struct {
	BuyPressure float64
	LargeTrades int
	TotalTrades int
}

type symbolState struct {
	mu         sync.Mutex
	snapshots  []bookSnapshot
	bidLevels  map[float64]int
	askLevels  map[float64]int
	cached     *Pattern
}

// Detector tracks per-symbol book snapshots and price-level frequency to
// infer MM boundaries, capacity, and refresh cadence.
type Detector struct {
	windowSec     float64
	minSamples    int
	minConfidence float64

	mu      sync.Mutex
	symbols map[string]*symbolState
}

func NewDetector() *Detector {
	return &Detector{
		windowSec:     float64(common.BookSnapshotWindowSec),
		minSamples:    common.MMMinSamples,
		minConfidence: common.MMMinConfidence,
		symbols:       make(map[string]*symbolState),
	}
}

func (d *Detector) state(symbol string) *symbolState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.symbols[symbol]
	if !ok {
		st = &symbolState{
			bidLevels: make(map[float64]int),
			askLevels: make(map[float64]int),
		}
		d.symbols[symbol] = st
	}
	return st
}

// OnBookUpdate appends one book observation and increments the price-level
// counters used for boundary inference.
func (d *Detector) OnBookUpdate(symbol string, bid, ask, bidQty, askQty float64, ts time.Time) {
	if bid <= 0 || ask <= 0 {
		return
	}
	mid := (bid + ask) / 2
	spreadBps := (ask - bid) / mid * 10000

	st := d.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.snapshots = append(st.snapshots, bookSnapshot{
		bid: bid, ask: ask, bidQty: bidQty, askQty: askQty,
		mid: mid, spreadBps: spreadBps, ts: ts,
	})
	if len(st.snapshots) > common.BookSnapshotCapacity {
		st.snapshots = st.snapshots[len(st.snapshots)-common.BookSnapshotCapacity:]
	}

	st.bidLevels[roundPrice(bid)]++
	st.askLevels[roundPrice(ask)]++

	d.cleanOldSnapshots(st)
}

func roundPrice(price float64) float64 {
	return math.Round(price*1e8) / 1e8
}

func (d *Detector) cleanOldSnapshots(st *symbolState) {
	cutoff := time.Now().Add(-time.Duration(d.windowSec) * time.Second)
	idx := 0
	for idx < len(st.snapshots) && st.snapshots[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		st.snapshots = st.snapshots[idx:]
	}
}

// DetectPattern recomputes a pattern from the current window, applying an
// optional tape-pressure confidence boost.
func (d *Detector) DetectPattern(symbol string, tape TapePressure) *Pattern {
	st := d.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	d.cleanOldSnapshots(st)
	snapshots := st.snapshots
	if len(snapshots) < d.minSamples {
		return nil
	}

	lowerBound, lowerHas, lowerConf := findBoundary(st.bidLevels)
	upperBound, upperHas, upperConf := findBoundary(st.askLevels)

	var sumBidQty, sumAskQty, sumMid, sumSpread float64
	for _, s := range snapshots {
		sumBidQty += s.bidQty
		sumAskQty += s.askQty
		sumMid += s.mid
		sumSpread += s.spreadBps
	}
	n := float64(len(snapshots))
	avgOrderSize := (sumBidQty/n + sumAskQty/n) / 2
	avgMid := sumMid / n
	avgOrderSizeUSD := avgOrderSize * avgMid
	avgSpreadBps := sumSpread / n

	refreshRate := calculateRefreshRate(snapshots)
	confidence := calculateConfidence(len(snapshots), lowerConf, upperConf, refreshRate, tape)

	if confidence < d.minConfidence {
		return nil
	}

	bestEntry := snapshots[len(snapshots)-1].bid
	if lowerHas {
		bestEntry = lowerBound
	}
	bestExit := snapshots[len(snapshots)-1].ask
	if upperHas {
		bestExit = upperBound
	}

	pattern := &Pattern{
		Symbol:           symbol,
		LowerBound:       lowerBound,
		HasLowerBound:    lowerHas,
		UpperBound:       upperBound,
		HasUpperBound:    upperHas,
		AvgOrderSizeUSD:  avgOrderSizeUSD,
		RefreshRateHz:    refreshRate,
		AvgSpreadBps:     avgSpreadBps,
		Confidence:       confidence,
		SamplesCount:     len(snapshots),
		BestEntry:        bestEntry,
		BestExit:         bestExit,
		SafeOrderSizeUSD: avgOrderSizeUSD * 0.8,
		LastUpdated:      time.Now(),
	}
	st.cached = pattern
	return pattern
}

func findBoundary(levels map[float64]int) (price float64, found bool, confidence float64) {
	if len(levels) == 0 {
		return 0, false, 0
	}
	var maxPrice float64
	var maxCount, total int
	prices := make([]float64, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	sort.Float64s(prices)
	for _, p := range prices {
		count := levels[p]
		total += count
		if count > maxCount {
			maxCount = count
			maxPrice = p
		}
	}
	if total == 0 {
		return 0, false, 0
	}
	return maxPrice, true, float64(maxCount) / float64(total)
}

func calculateRefreshRate(snapshots []bookSnapshot) float64 {
	if len(snapshots) < 2 {
		return 0
	}
	changes := 0
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i].bid != snapshots[i-1].bid || snapshots[i].ask != snapshots[i-1].ask {
			changes++
		}
	}
	span := snapshots[len(snapshots)-1].ts.Sub(snapshots[0].ts).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(changes) / span
}

func calculateConfidence(sampleCount int, lowerConf, upperConf, refreshRate float64, tape TapePressure) float64 {
	sampleConf := math.Min(1.0, float64(sampleCount)/50.0)
	boundaryConf := (lowerConf + upperConf) / 2

	var refreshConf float64
	switch {
	case refreshRate >= 0.5 && refreshRate <= 5.0:
		refreshConf = 1.0
	case refreshRate < 0.5:
		refreshConf = refreshRate / 0.5
	default:
		refreshConf = math.Max(0.0, 1.0-(refreshRate-5.0)/10.0)
	}

	confidence := sampleConf*0.3 + boundaryConf*0.5 + refreshConf*0.2

	if tape.TotalTrades > 5 {
		if tape.BuyPressure > 0.65 {
			boost := (tape.BuyPressure - 0.5) * 0.2
			confidence *= 1.0 + boost
		}
		if tape.LargeTrades > 0 {
			confidence *= 1.05
		}
	}

	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

// GetPattern returns the cached pattern if it is less than the TTL old,
// otherwise recomputes it.
func (d *Detector) GetPattern(symbol string, tape TapePressure) *Pattern {
	st := d.state(symbol)
	st.mu.Lock()
	cached := st.cached
	st.mu.Unlock()

	if cached != nil && time.Since(cached.LastUpdated) < time.Duration(common.MMPatternTTLSec)*time.Second {
		return cached
	}
	return d.DetectPattern(symbol, tape)
}

// IsMMGone returns whether the market maker appears to have withdrawn, with
// the reason checked in priority order.
func (d *Detector) IsMMGone(symbol string, spreadBps float64, tape TapePressure) (bool, string) {
	if spreadBps > 30 {
		return true, "spread_gt_30bps"
	}

	pattern := d.GetPattern(symbol, tape)
	if pattern == nil {
		return true, "no_pattern"
	}
	if pattern.Confidence < 0.5 {
		return true, "low_confidence"
	}
	if pattern.AvgSpreadBps > 0 && spreadBps > pattern.AvgSpreadBps*3 {
		return true, "3x_spread"
	}
	return false, "ok"
}
