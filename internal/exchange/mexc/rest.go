// Package mexc provides the REST and WebSocket transport used to reach the
// configured spot exchange. Despite the name it backs any of the three
// supported providers (mexc, gate, binance): all three expose bookTicker,
// depth, and kline REST endpoints and a comparable public WS feed, so one
// client with a provider-scoped base URL covers them.
package mexc

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mmtrader/internal/candles"
	"mmtrader/internal/marketdata"

	"github.com/go-resty/resty/v2"
)

// Client provides REST access to the public spot market-data endpoints.
// It carries no credentials: every operation the strategy loop needs is
// public (book ticker, depth, klines, scanner fallback) since live order
// placement is out of scope for the paper execution port.
type Client struct {
	base string
	rest *resty.Client
}

// NewREST builds a REST client with the same connection-pooling and retry
// posture as the rest of the stack.
func NewREST(base string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	r := resty.New()
	r.SetTransport(transport)
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	r.SetRetryCount(2)
	r.SetRetryWaitTime(250 * time.Millisecond)
	r.SetRetryMaxWaitTime(2 * time.Second)

	return &Client{base: base, rest: r}
}

type bookTickerResp struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// GetBookTicker fetches the current top-of-book for a symbol over REST.
// Neither the strategy loop nor the book tracker calls it; the strategy's
// quote fallback is the book tracker's own cache.
func (c *Client) GetBookTicker(symbol string) (bid, bidQty, ask, askQty float64, err error) {
	var out bookTickerResp
	resp, err := c.rest.R().
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(c.base + "/api/v3/ticker/bookTicker")
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("book ticker request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, 0, 0, 0, fmt.Errorf("book ticker: status %d", resp.StatusCode())
	}

	bid, err = strconv.ParseFloat(out.BidPrice, 64)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("parse bidPrice: %w", err)
	}
	bidQty, _ = strconv.ParseFloat(out.BidQty, 64)
	ask, err = strconv.ParseFloat(out.AskPrice, 64)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("parse askPrice: %w", err)
	}
	askQty, _ = strconv.ParseFloat(out.AskQty, 64)
	return bid, bidQty, ask, askQty, nil
}

type depthResp struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// GetDepth fetches an L2 snapshot capped at limit levels per side.
func (c *Client) GetDepth(symbol string, limit int) (bids, asks []marketdata.Level, err error) {
	var out depthResp
	resp, err := c.rest.R().
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get(c.base + "/api/v3/depth")
	if err != nil {
		return nil, nil, fmt.Errorf("depth request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, nil, fmt.Errorf("depth: status %d", resp.StatusCode())
	}

	bids = parseLevels(out.Bids)
	asks = parseLevels(out.Asks)
	return bids, asks, nil
}

func parseLevels(raw [][]string) []marketdata.Level {
	levels := make([]marketdata.Level, 0, len(raw))
	for _, r := range raw {
		if len(r) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(r[0], 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(r[1], 64)
		if err != nil {
			continue
		}
		levels = append(levels, marketdata.Level{Price: price, Qty: qty})
	}
	return levels
}

// rawKline mirrors the exchange's positional kline array:
// [openTime, open, high, low, close, volume, closeTime, ...].
type rawKline []interface{}

// GetKlines fetches the most recent 1-minute klines and maps them onto the
// candle cache's exchange-independent Bar shape, satisfying candles.Source.
func (c *Client) GetKlines(symbol string, limit int) ([]candles.Bar, error) {
	var raw []rawKline
	resp, err := c.rest.R().
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", "1m").
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&raw).
		Get(c.base + "/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("klines request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("klines: status %d", resp.StatusCode())
	}

	bars := make([]candles.Bar, 0, len(raw))
	for _, k := range raw {
		bar, ok := parseRawKline(k)
		if !ok {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRawKline(k rawKline) (candles.Bar, bool) {
	if len(k) < 6 {
		return candles.Bar{}, false
	}
	openTime, ok := toInt64(k[0])
	if !ok {
		return candles.Bar{}, false
	}
	open, ok1 := toFloat(k[1])
	high, ok2 := toFloat(k[2])
	low, ok3 := toFloat(k[3])
	close, ok4 := toFloat(k[4])
	volume, ok5 := toFloat(k[5])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return candles.Bar{}, false
	}
	return candles.Bar{OpenTime: openTime, Open: open, High: high, Low: low, Close: close, Volume: volume}, true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

// ScanRow is one row of the internal scanner's per-symbol ground truth,
// used by the strategy loop ahead of its own book tracker cache.
type ScanRow struct {
	Symbol      string  `json:"symbol"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	SpreadBps   float64 `json:"spread_bps"`
	Imbalance   float64 `json:"imbalance"`
	BidDepthUSD float64 `json:"bid_depth_usd"`
	AskDepthUSD float64 `json:"ask_depth_usd"`
}

// ScannerClient fetches the process-internal scanner's top-row snapshot.
// It is a distinct small client (not a Client method) since the scanner is
// an internal HTTP service, not the exchange itself, and the strategy loop
// already treats it as an optional, independently-failing dependency.
type ScannerClient struct {
	base string
	rest *resty.Client
}

func NewScannerClient(base string, timeout time.Duration) *ScannerClient {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(2 * time.Second)
	}
	return &ScannerClient{base: base, rest: r}
}

// Top fetches the scanner's single-row snapshot for symbol from
// GET /api/scanner/<provider>/top?symbols=<SYM>&limit=1 — the strategy
// loop's preferred per-tick ground truth, ahead of the book tracker cache.
func (s *ScannerClient) Top(provider, symbol string) (ScanRow, error) {
	var rows []ScanRow
	resp, err := s.rest.R().
		SetQueryParam("symbols", symbol).
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get(fmt.Sprintf("%s/api/scanner/%s/top", s.base, provider))
	if err != nil {
		return ScanRow{}, fmt.Errorf("scanner request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return ScanRow{}, fmt.Errorf("scanner: status %d", resp.StatusCode())
	}
	if len(rows) == 0 {
		return ScanRow{}, fmt.Errorf("scanner: empty response for %s", symbol)
	}
	return rows[0], nil
}
