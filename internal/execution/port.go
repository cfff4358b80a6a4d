package execution

import (
	"context"
	"fmt"
	"time"

	"mmtrader/internal/metrics"
)

// PriceSource is the minimal market-data dependency the paper executor
// needs to fill a market order: the current top of book.
type PriceSource interface {
	Quote(symbol string) (bid, ask float64)
}

// Port is the order-placement surface the strategy loop drives. A PAPER
// run uses Paper below; a LIVE run would implement the same interface over
// the exchange REST client.
type Port interface {
	PlaceMaker(ctx context.Context, symbol string, side Side, price, qty float64, tag string) (orderID string, err error)
	PlaceMarket(ctx context.Context, symbol string, side Side, qty float64, tag string) (orderID string, err error)
	CancelOrders(ctx context.Context, symbol string) error
	FlattenSymbol(ctx context.Context, symbol string) error
	GetPosition(symbol string) Position
	GetAllPositions() []Position
}

// Paper is a fill-immediately execution port: maker orders fill at the
// quoted price, market orders fill at the current best bid/ask. It exists
// so the full strategy loop can be exercised without touching a live
// exchange, matching the teacher's PAPER/DEMO/LIVE mode split.
type Paper struct {
	tracker *PositionTracker
	prices  PriceSource
	metrics *metrics.MetricsWrapper
}

func NewPaper(prices PriceSource, m *metrics.MetricsWrapper) *Paper {
	return &Paper{
		tracker: NewPositionTracker(),
		prices:  prices,
		metrics: m,
	}
}

func (p *Paper) PlaceMaker(ctx context.Context, symbol string, side Side, price, qty float64, tag string) (string, error) {
	if qty <= 0 || price <= 0 {
		return "", fmt.Errorf("place_maker %s: invalid qty=%f price=%f", symbol, qty, price)
	}
	orderID := newPaperOrderID(symbol, tag)
	p.fill(symbol, side, price, qty, orderID)
	return orderID, nil
}

func (p *Paper) PlaceMarket(ctx context.Context, symbol string, side Side, qty float64, tag string) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("place_market %s: invalid qty=%f", symbol, qty)
	}
	bid, ask := p.prices.Quote(symbol)
	var price float64
	if side == SideBuy {
		price = ask
	} else {
		price = bid
	}
	if price <= 0 {
		return "", fmt.Errorf("place_market %s: no quote available", symbol)
	}
	orderID := newPaperOrderID(symbol, tag)
	p.fill(symbol, side, price, qty, orderID)
	return orderID, nil
}

func (p *Paper) fill(symbol string, side Side, price, qty float64, orderID string) {
	res := p.tracker.OnFill(Fill{
		Symbol:          symbol,
		Side:            side,
		Qty:             qty,
		Price:           price,
		ExchangeOrderID: orderID,
		TradeID:         orderID,
	})
	if p.metrics != nil {
		p.metrics.UpdatePositions(positionsToMap(p.tracker.GetAllPositions()))
		if res.RealizedPnLDelta != 0 {
			p.metrics.PnLTotal().Set(res.RealizedPnLCumUSD)
		}
	}
}

// CancelOrders is a no-op for paper trading: every order fills
// synchronously, so there is never a resting order to cancel.
func (p *Paper) CancelOrders(ctx context.Context, symbol string) error {
	return nil
}

func (p *Paper) FlattenSymbol(ctx context.Context, symbol string) error {
	pos := p.tracker.GetPosition(symbol)
	if pos.Qty <= 0 {
		return nil
	}
	_, err := p.PlaceMarket(ctx, symbol, SideSell, pos.Qty, "flatten")
	return err
}

func (p *Paper) GetPosition(symbol string) Position {
	return p.tracker.GetPosition(symbol)
}

func (p *Paper) GetAllPositions() []Position {
	return p.tracker.GetAllPositions()
}

func newPaperOrderID(symbol, tag string) string {
	return fmt.Sprintf("paper-%s-%s-%d", symbol, tag, time.Now().UnixNano())
}

func positionsToMap(positions []Position) map[string]float64 {
	out := make(map[string]float64, len(positions))
	for _, pos := range positions {
		out[pos.Symbol] = pos.Qty
	}
	return out
}
