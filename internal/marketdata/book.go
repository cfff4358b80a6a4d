package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultL2Levels = 10
const subscriberQueueSize = 256

type symbolBook struct {
	mu     sync.RWMutex
	bid    float64
	ask    float64
	bidQty float64
	askQty float64
	tsMs   int64
	bids   []Level
	asks   []Level
}

// BookTracker holds the latest top-of-book and L2 snapshot per symbol and
// fans out updates to bounded subscriber channels.
type BookTracker struct {
	mu     sync.RWMutex
	books  map[string]*symbolBook
	subsMu sync.Mutex
	subs   []chan Quote
}

func NewBookTracker() *BookTracker {
	return &BookTracker{books: make(map[string]*symbolBook)}
}

func (t *BookTracker) symbol(sym string) *symbolBook {
	t.mu.RLock()
	b, ok := t.books[sym]
	t.mu.RUnlock()
	if ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.books[sym]; ok {
		return b
	}
	b = &symbolBook{}
	t.books[sym] = b
	return b
}

// UpdateBookTicker atomically replaces the top-of-book for a symbol.
func (t *BookTracker) UpdateBookTicker(symbol string, bid, bidQty, ask, askQty float64, tsMs int64) {
	b := t.symbol(symbol)
	b.mu.Lock()
	b.bid, b.bidQty, b.ask, b.askQty, b.tsMs = bid, bidQty, ask, askQty, tsMs
	b.mu.Unlock()
	t.publish(symbol)
}

// UpdatePartialDepth sorts, filters positive quantities, truncates to
// keepLevels, and atomically replaces the L2 snapshot for a symbol.
func (t *BookTracker) UpdatePartialDepth(symbol string, bids, asks []Level, tsMs int64, keepLevels int) {
	if keepLevels <= 0 {
		keepLevels = defaultL2Levels
	}
	cleanBids := filterPositive(bids)
	cleanAsks := filterPositive(asks)
	sort.Slice(cleanBids, func(i, j int) bool { return cleanBids[i].Price > cleanBids[j].Price })
	sort.Slice(cleanAsks, func(i, j int) bool { return cleanAsks[i].Price < cleanAsks[j].Price })
	if len(cleanBids) > keepLevels {
		cleanBids = cleanBids[:keepLevels]
	}
	if len(cleanAsks) > keepLevels {
		cleanAsks = cleanAsks[:keepLevels]
	}

	b := t.symbol(symbol)
	b.mu.Lock()
	b.bids, b.asks, b.tsMs = cleanBids, cleanAsks, tsMs
	b.mu.Unlock()
	t.publish(symbol)
}

func filterPositive(levels []Level) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Qty > 0 {
			out = append(out, l)
		}
	}
	return out
}

// GetQuote returns the derived read snapshot for a symbol. mid and
// spread_bps are recomputed on every call rather than cached.
func (t *BookTracker) GetQuote(symbol string) Quote {
	b := t.symbol(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()

	q := Quote{
		Symbol: symbol,
		Bid:    b.bid,
		Ask:    b.ask,
		BidQty: b.bidQty,
		AskQty: b.askQty,
		TsMs:   b.tsMs,
		Bids:   append([]Level(nil), b.bids...),
		Asks:   append([]Level(nil), b.asks...),
	}
	if q.Bid > 0 && q.Ask > 0 {
		q.Mid = (q.Bid + q.Ask) / 2
		q.SpreadBps = (q.Ask - q.Bid) / q.Mid * 10000
	}
	return q
}

// Subscribe returns a bounded channel receiving every update. On overflow
// the oldest event is dropped to keep the stream fresh for the subscriber.
func (t *BookTracker) Subscribe() <-chan Quote {
	ch := make(chan Quote, subscriberQueueSize)
	t.subsMu.Lock()
	t.subs = append(t.subs, ch)
	t.subsMu.Unlock()
	return ch
}

// DepthSource fetches an L2 snapshot on demand, used by StreamQuoteBatches
// to backfill depth for a symbol whose only updates so far have been top-
// of-book ticks.
type DepthSource interface {
	GetDepth(symbol string, limit int) (bids, asks []Level, err error)
}

// StreamQuoteBatches coalesces the continuous update stream into one
// snapshot per symbol every interval, backfilling L2 over REST via depth
// for any symbol whose latest snapshot still has no book side. The
// returned channel is buffered by one batch; a slow consumer misses
// intermediate batches rather than blocking publish.
func (t *BookTracker) StreamQuoteBatches(ctx context.Context, symbols []string, interval time.Duration, depth DepthSource, keepLevels int) <-chan map[string]Quote {
	if keepLevels <= 0 {
		keepLevels = defaultL2Levels
	}
	out := make(chan map[string]Quote, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				batch := make(map[string]Quote, len(symbols))
				for _, sym := range symbols {
					q := t.GetQuote(sym)
					if q.Bid <= 0 && q.Ask <= 0 {
						continue
					}
					if len(q.Bids) == 0 && len(q.Asks) == 0 && depth != nil {
						if bids, asks, err := depth.GetDepth(sym, keepLevels); err == nil {
							t.UpdatePartialDepth(sym, bids, asks, q.TsMs, keepLevels)
							q = t.GetQuote(sym)
						}
					}
					batch[sym] = q
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				default:
					// consumer behind; drop this tick's batch rather than block publish.
				}
			}
		}
	}()

	return out
}

func (t *BookTracker) publish(symbol string) {
	q := t.GetQuote(symbol)
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- q:
		default:
			// drop oldest, then deliver
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- q:
			default:
			}
		}
	}
}
