// Package candles keeps a rolling 1-minute kline cache per symbol,
// REST-refreshed on an interval, and derives the ATR% reading the dynamic
// stop-loss calculation needs. It never blocks the strategy loop: a failed
// refresh simply leaves the previous bars and ATR reading in place.
package candles

import (
	"context"
	"sync"
	"time"

	"mmtrader/internal/common"

	"github.com/rs/zerolog/log"
)

// Bar is one OHLCV kline, independent of any single exchange's wire shape.
type Bar struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Source fetches the most recent klines for a symbol. An exchange REST
// client satisfies this once adapted to return Bar instead of its own
// kline type, keeping the cache free of a direct exchange dependency.
type Source interface {
	GetKlines(symbol string, limit int) ([]Bar, error)
}

type symbolCache struct {
	mu     sync.RWMutex
	bars   []Bar
	atrPct float64
}

// Cache is the process-wide rolling kline store, one ring per symbol,
// refreshed on its own ticker independent of the 50ms strategy poll.
type Cache struct {
	source Source
	period time.Duration
	retain int

	mu      sync.RWMutex
	symbols map[string]*symbolCache
}

func NewCache(source Source, refreshInterval time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = time.Duration(common.DefaultCandleRefreshSec) * time.Second
	}
	return &Cache{
		source:  source,
		period:  refreshInterval,
		retain:  common.CandleRetainBars,
		symbols: make(map[string]*symbolCache),
	}
}

func (c *Cache) entry(symbol string) *symbolCache {
	c.mu.RLock()
	sc, ok := c.symbols[symbol]
	c.mu.RUnlock()
	if ok {
		return sc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok = c.symbols[symbol]; ok {
		return sc
	}
	sc = &symbolCache{}
	c.symbols[symbol] = sc
	return sc
}

// Run refreshes every tracked symbol on the configured interval until ctx
// is cancelled. It fetches once immediately so ATRPct has data as soon as
// possible after startup.
func (c *Cache) Run(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		c.refresh(sym)
	}

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				c.refresh(sym)
			}
		}
	}
}

func (c *Cache) refresh(symbol string) {
	bars, err := c.source.GetKlines(symbol, c.retain)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("kline refresh failed, reusing stale candles")
		return
	}
	if len(bars) == 0 {
		return
	}
	if len(bars) > c.retain {
		bars = bars[len(bars)-c.retain:]
	}

	sc := c.entry(symbol)
	sc.mu.Lock()
	sc.bars = bars
	sc.atrPct = computeATRPct(bars)
	sc.mu.Unlock()
}

// ATRPct returns the cached ATR reading as a percentage of the last close.
// It satisfies the strategy engine's ATRSource interface. Zero means no
// data has been fetched yet.
func (c *Cache) ATRPct(symbol string) float64 {
	sc := c.entry(symbol)
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.atrPct
}

// computeATRPct derives a simple moving-average true range over the last
// CandleATRPeriodBars bars, expressed as a percentage of the most recent
// close.
func computeATRPct(bars []Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	period := common.CandleATRPeriodBars
	if period > len(bars)-1 {
		period = len(bars) - 1
	}
	start := len(bars) - period

	var sumTR float64
	for i := start; i < len(bars); i++ {
		sumTR += trueRange(bars[i], bars[i-1])
	}
	atr := sumTR / float64(period)

	lastClose := bars[len(bars)-1].Close
	if lastClose == 0 {
		return 0
	}
	return atr / lastClose * 100
}

func trueRange(cur, prev Bar) float64 {
	highLow := cur.High - cur.Low
	highClose := abs(cur.High - prev.Close)
	lowClose := abs(cur.Low - prev.Close)
	return max3(highLow, highClose, lowClose)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
