package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mmtrader/internal/candles"
	"mmtrader/internal/cfg"
	"mmtrader/internal/common"
	"mmtrader/internal/execution"
	"mmtrader/internal/exchange/mexc"
	"mmtrader/internal/marketdata"
	"mmtrader/internal/metrics"
	"mmtrader/internal/ml"
	"mmtrader/internal/mm"
	"mmtrader/internal/risk"
	"mmtrader/internal/storage"
	"mmtrader/internal/strategy"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if level, lerr := zerolog.ParseLevel(c.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	var store *storage.Store
	if c.DataPath != "" {
		store, err = storage.New(c.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		} else {
			defer store.Close()
		}
	}

	var wg sync.WaitGroup

	// Metrics server, shut down when ctx is cancelled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: fmt.Sprintf(":%d", c.MetricsPort), Handler: mux}

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	book := marketdata.NewBookTracker()
	tape := marketdata.NewTapeTracker()
	detector := mm.NewDetector()
	riskMgr := risk.NewManager(c.Risk)
	shared := strategy.NewSharedState()

	restClient := mexc.NewREST(c.RESTBaseURL, 5*time.Second)
	candleCache := candles.NewCache(restClient, time.Duration(common.DefaultCandleRefreshSec)*time.Second)

	priceSource := bookPriceSource{book: book}
	port := execution.NewPaper(priceSource, mw)

	var outcomes strategy.OutcomeRecorder
	var features strategy.FeatureRecorder
	if store != nil {
		outcomes = store
		features = store
	}

	predictor := buildPredictor(c, mw)

	enhanced := marketdata.NewEnhancedBookTracker()

	var quoteSource strategy.QuoteSource
	if c.ScannerURL != "" {
		quoteSource = scannerQuoteSource{
			client:   mexc.NewScannerClient(c.ScannerURL, 2*time.Second),
			provider: c.ActiveProvider,
		}
	}

	snapshotLevels := c.WS.SnapshotLevels
	if snapshotLevels <= 0 {
		snapshotLevels = common.DefaultWSSnapshotLevels
	}
	subscribeRate := c.WS.SubscribeRatePerSec
	if subscribeRate <= 0 {
		subscribeRate = common.DefaultWSSubscribeRateSec
	}

	sink := marketdataSink{book: book, tape: tape, store: store, metrics: mw, snapshotLevels: snapshotLevels}
	ws := mexc.NewWS(c.WsURL, snapshotLevels, subscribeRate, sink, mexc.WithMetrics(mw))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Run(ctx, c.Symbols); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("websocket stream ended")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		candleCache.Run(ctx, c.Symbols)
	}()

	// Feed every book update into the MM detector so boundary/refresh-rate
	// inference has a continuous stream independent of the 50ms poll loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		quotes := book.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-quotes:
				if q.Bid <= 0 || q.Ask <= 0 {
					continue
				}
				detector.OnBookUpdate(q.Symbol, q.Bid, q.Ask, q.BidQty, q.AskQty, time.UnixMilli(q.TsMs))
			}
		}
	}()

	// Coalesce per-symbol snapshots every QuoteBatchIntervalMs, backfilling
	// depth over REST when a symbol's only updates so far were top-of-book
	// ticks, and feed each batch into the enhanced tracker's spoofing/
	// spread-stability inference.
	wg.Add(1)
	go func() {
		defer wg.Done()
		batches := book.StreamQuoteBatches(ctx, c.Symbols, time.Duration(common.QuoteBatchIntervalMs)*time.Millisecond, restClient, snapshotLevels)
		for batch := range batches {
			for symbol, q := range batch {
				levels := make([]float64, 0, len(q.Bids)+len(q.Asks))
				for _, l := range q.Bids {
					levels = append(levels, l.Price)
				}
				for _, l := range q.Asks {
					levels = append(levels, l.Price)
				}
				enhanced.Observe(symbol, levels, q.SpreadBps)
			}
		}
	}()

	for _, symbol := range c.Symbols {
		eng := strategy.NewEngine(strategy.Config{
			Symbol:    symbol,
			Settings:  c,
			Shared:    shared,
			Book:      book,
			Tape:      tape,
			Detector:  detector,
			Risk:      riskMgr,
			Port:      port,
			ATR:       candleCache,
			Predictor: predictor,
			Metrics:   mw,
			Outcomes:  outcomes,
			Quotes:    quoteSource,
			Enhanced:  enhanced,
			Features:  features,
		})

		wg.Add(1)
		go func(e *strategy.Engine) {
			defer wg.Done()
			e.Run(ctx)
		}(eng)
	}

	log.Info().Strs("symbols", c.Symbols).Str("provider", c.ActiveProvider).Str("mode", c.ActiveMode).
		Msg("trading engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

// bookPriceSource adapts the book tracker to execution.PriceSource.
type bookPriceSource struct {
	book *marketdata.BookTracker
}

func (s bookPriceSource) Quote(symbol string) (bid, ask float64) {
	q := s.book.GetQuote(symbol)
	return q.Bid, q.Ask
}

// scannerQuoteSource adapts the internal scanner's ScanRow onto
// marketdata.Quote, satisfying strategy.QuoteSource. bid/ask quantities and
// single-level books are synthesized from the scanner's USD depth totals so
// the engine's existing depth/imbalance helpers work unchanged regardless of
// which quote source fed them.
type scannerQuoteSource struct {
	client   *mexc.ScannerClient
	provider string
}

func (s scannerQuoteSource) Quote(symbol string) (marketdata.Quote, error) {
	row, err := s.client.Top(s.provider, symbol)
	if err != nil {
		return marketdata.Quote{}, err
	}
	if row.Bid <= 0 || row.Ask <= 0 {
		return marketdata.Quote{}, fmt.Errorf("scanner: non-positive quote for %s", symbol)
	}
	bidQty := row.BidDepthUSD / row.Bid
	askQty := row.AskDepthUSD / row.Ask
	return marketdata.Quote{
		Symbol:    symbol,
		Bid:       row.Bid,
		Ask:       row.Ask,
		BidQty:    bidQty,
		AskQty:    askQty,
		Mid:       (row.Bid + row.Ask) / 2,
		SpreadBps: row.SpreadBps,
		Bids:      []marketdata.Level{{Price: row.Bid, Qty: bidQty}},
		Asks:      []marketdata.Level{{Price: row.Ask, Qty: askQty}},
	}, nil
}

// marketdataSink adapts the WS client's data callbacks onto the book/tape
// trackers and, when storage is configured, the local persistence layer.
type marketdataSink struct {
	book           *marketdata.BookTracker
	tape           *marketdata.TapeTracker
	store          *storage.Store
	metrics        *metrics.MetricsWrapper
	snapshotLevels int
}

func (s marketdataSink) OnBookTicker(symbol string, bid, bidQty, ask, askQty float64, tsMs int64) {
	s.book.UpdateBookTicker(symbol, bid, bidQty, ask, askQty, tsMs)
	if s.metrics != nil {
		s.metrics.BookTickersRecvInc()
	}
}

func (s marketdataSink) OnTrade(t marketdata.Trade) {
	s.tape.Add(t)
	if s.metrics != nil {
		s.metrics.TradesReceivedInc()
	}
	if s.store != nil {
		if err := s.store.StoreTrade(t); err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("store trade failed")
		}
	}
}

func (s marketdataSink) OnDepth(symbol string, bids, asks []marketdata.Level, tsMs int64) {
	s.book.UpdatePartialDepth(symbol, bids, asks, tsMs, s.snapshotLevels)
	if s.metrics != nil {
		s.metrics.DepthsReceivedInc()
	}
	if s.store != nil {
		var bidVol, askVol float64
		for _, l := range bids {
			bidVol += l.Qty
		}
		for _, l := range asks {
			askVol += l.Qty
		}
		q := s.book.GetQuote(symbol)
		if err := s.store.StoreDepth(marketdata.Depth{
			Symbol: symbol, BidVol: bidVol, AskVol: askVol,
			LastPrice: q.Mid, Ts: time.UnixMilli(tsMs),
		}); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("store depth failed")
		}
	}
}

// buildPredictor wires the ML filter's optional scoring dependency. A
// missing or zero-confidence configuration still returns a usable
// fail-open heuristic rather than a nil predictor, since the engine's
// MLFilterEnabled gate is a per-symbol strategy parameter, not a global
// feature flag checked here.
func buildPredictor(c *cfg.Settings, mw *metrics.MetricsWrapper) ml.PredictorInterface {
	predictor := ml.NewFallbackPredictor(20, c.MLMinConfidence)
	log.Info().Str("model_path", c.MLModelPath).Msg("ML predictor running in fallback heuristic mode")
	return predictor
}
