// Package strategy drives the per-symbol entry/exit state machine: a 50ms
// poll loop that runs pre-flight checks, entry filters, a frozen-at-entry
// exit parameter snapshot, and the seven-step exit priority chain.
package strategy

import (
	"context"
	"sync"
	"time"

	"mmtrader/internal/cfg"
	"mmtrader/internal/common"
	"mmtrader/internal/execution"
	"mmtrader/internal/marketdata"
	"mmtrader/internal/metrics"
	"mmtrader/internal/ml"
	"mmtrader/internal/mm"
	"mmtrader/internal/risk"
	"mmtrader/internal/sizer"

	"github.com/rs/zerolog/log"
)

const pollInterval = 50 * time.Millisecond
const warmupQuotes = 3

// SharedState is the process-wide open-position ledger every symbol's
// Engine reports into, so the risk manager's max-positions and exposure
// checks see the whole book rather than one symbol's slice of it.
type SharedState struct {
	mu          sync.Mutex
	openSymbols map[string]float64 // symbol -> exposure USD while in position
}

func NewSharedState() *SharedState {
	return &SharedState{openSymbols: make(map[string]float64)}
}

func (s *SharedState) setExposure(symbol string, usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if usd <= 0 {
		delete(s.openSymbols, symbol)
		return
	}
	s.openSymbols[symbol] = usd
}

func (s *SharedState) snapshot() (count int, totalUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.openSymbols {
		totalUSD += v
		count++
	}
	return count, totalUSD
}

// Config bundles an Engine's fixed dependencies at construction. Detector,
// Tape, Book, Risk, and Port are required; ATR, Predictor, Metrics, and
// Outcomes are optional and nil-safe.
type Config struct {
	Symbol      string
	Settings    *cfg.Settings
	Shared      *SharedState
	Book        *marketdata.BookTracker
	Tape        *marketdata.TapeTracker
	Detector    *mm.Detector
	Risk        *risk.Manager
	Port        execution.Port
	ATR         ATRSource
	Predictor   ml.PredictorInterface
	Metrics     *metrics.MetricsWrapper
	Outcomes    OutcomeRecorder
	Quotes      QuoteSource
	Enhanced    EnhancedSource
	Features    FeatureRecorder
	Blacklisted bool
	SizerMode   sizer.Mode
}

// Engine runs the poll loop for one symbol.
type Engine struct {
	symbol string

	settings *cfg.Settings
	shared   *SharedState

	book      *marketdata.BookTracker
	tape      *marketdata.TapeTracker
	detector  *mm.Detector
	riskMgr   *risk.Manager
	port      execution.Port
	atr       ATRSource
	predictor ml.PredictorInterface
	metrics   *metrics.MetricsWrapper
	outcomes  OutcomeRecorder
	quotes    QuoteSource
	enhanced  EnhancedSource
	features  FeatureRecorder

	blacklisted bool
	sizerMode   sizer.Mode

	mu            sync.Mutex
	trade         *openTrade
	warmup        int
	lastExitTime  time.Time
	lastTradeTime time.Time
}

func NewEngine(c Config) *Engine {
	mode := c.SizerMode
	if mode == "" {
		mode = sizer.ModeBalanced
	}
	return &Engine{
		symbol:      c.Symbol,
		settings:    c.Settings,
		shared:      c.Shared,
		book:        c.Book,
		tape:        c.Tape,
		detector:    c.Detector,
		riskMgr:     c.Risk,
		port:        c.Port,
		atr:         c.ATR,
		predictor:   c.Predictor,
		metrics:     c.Metrics,
		outcomes:    c.Outcomes,
		quotes:      c.Quotes,
		enhanced:    c.Enhanced,
		features:    c.Features,
		blacklisted: c.Blacklisted,
		sizerMode:   mode,
	}
}

func (e *Engine) Symbol() string { return e.symbol }

// InPosition reports whether the engine currently holds an open lot.
func (e *Engine) InPosition() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trade != nil
}

// Run drives the poll loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e.blacklisted {
		log.Info().Str("symbol", e.symbol).Msg("symbol blacklisted, strategy loop not started")
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// currentQuote returns the scanner's ground-truth snapshot when a scanner
// is configured and reachable, falling back to the book tracker cache
// otherwise.
func (e *Engine) currentQuote() marketdata.Quote {
	if e.quotes != nil {
		if q, err := e.quotes.Quote(e.symbol); err == nil {
			return q
		}
	}
	return e.book.GetQuote(e.symbol)
}

func (e *Engine) tick(ctx context.Context) {
	quote := e.currentQuote()
	if quote.Bid <= 0 || quote.Ask <= 0 || quote.Mid <= 0 {
		e.warmup = 0
		return
	}
	if e.warmup < warmupQuotes {
		e.warmup++
	}

	e.mu.Lock()
	trade := e.trade
	e.mu.Unlock()

	params := e.settings.ParamsFor(e.symbol)

	if trade != nil {
		e.evaluateExit(ctx, trade, quote, params)
		return
	}

	if e.warmup < warmupQuotes {
		return
	}
	e.tryEntry(ctx, quote, params)
}

func (e *Engine) tryEntry(ctx context.Context, quote marketdata.Quote, params cfg.StrategyParams) {
	now := time.Now()

	if !e.lastExitTime.IsZero() && now.Sub(e.lastExitTime) < time.Duration(params.ReenterCooldownMs)*time.Millisecond {
		return
	}
	if !e.lastTradeTime.IsZero() && now.Sub(e.lastTradeTime) < time.Duration(params.MinSecondsBetweenTrades)*time.Second {
		return
	}
	windowOK, _ := inWindow(params, now)
	if !windowOK {
		return
	}

	imbalance := bookImbalance(quote.BidQty, quote.AskQty)

	if quote.SpreadBps < params.MinSpreadBps {
		return
	}
	if imbalance < params.ImbalanceMin || imbalance > params.ImbalanceMax {
		return
	}
	if params.EnableDepthCheck && bidDepthUSD(quote.Bids) < params.OrderSizeUSD {
		return
	}
	if quote.SpreadBps < params.EdgeFloorBps {
		return
	}
	if quote.SpreadBps > params.MaxSpreadBpsHard {
		return
	}

	if ok, reason := e.riskGreenLight(params, windowOK); !ok {
		log.Debug().Str("symbol", e.symbol).Str("reason", reason).Msg("entry rejected by risk manager")
		return
	}

	tapeStats := e.tape.Stats(e.symbol)
	tapePressure := mm.TapePressure{
		BuyPressure: tapeStats.BuyPressure,
		LargeTrades: tapeStats.LargeTrades,
		// the tape window is exactly one minute, so trades-per-minute is
		// the total trade count in the window.
		TotalTrades: tapeStats.TradesPerMin,
	}
	pattern := e.detector.GetPattern(e.symbol, tapePressure)

	sizeUSD := params.OrderSizeUSD
	if pattern != nil && pattern.SafeOrderSizeUSD > 0 && pattern.SafeOrderSizeUSD < sizeUSD {
		sizeUSD = pattern.SafeOrderSizeUSD
	}
	// The sizer's split/delay plan targets a live multi-leg submitter; this
	// paper-era engine places a single order sized to its safe-size output.
	sizeUSD = sizer.Calculate(sizeUSD, e.sizerMode).SafeSizeUSD

	if e.enhanced != nil {
		stats := e.enhanced.Stats(e.symbol)
		if stats.SpoofingScore > common.SpoofingScoreDiscountThreshold {
			sizeUSD *= common.SpoofingScoreDiscountFactor
		}
		if stats.SpreadStabilityScore < common.SpreadStabilityDiscountThreshold {
			sizeUSD *= common.SpreadStabilityDiscountFactor
		}
	}

	if params.MLFilterEnabled && e.predictor != nil && !e.mlApproves(quote, imbalance, tapeStats, params) {
		return
	}

	qty := sizeUSD / quote.Bid
	if qty <= 0 {
		return
	}

	oid, err := e.port.PlaceMaker(ctx, e.symbol, execution.SideBuy, quote.Bid, qty, "entry")
	if err != nil {
		log.Warn().Err(err).Str("symbol", e.symbol).Msg("entry order failed")
		if e.riskMgr != nil {
			e.riskMgr.TrackError()
		}
		return
	}
	if e.riskMgr != nil {
		e.riskMgr.TrackSuccess()
	}

	pos := e.port.GetPosition(e.symbol)

	atrPct := 0.0
	if e.atr != nil {
		atrPct = e.atr.ATRPct(e.symbol)
	}
	// DynamicStopLoss takes the bid share of top-of-book size (0.5 =
	// balanced), not the signed imbalance the entry filter uses.
	bidShare := (imbalance + 1) / 2
	effectiveSL := risk.DynamicStopLoss(atrPct, quote.SpreadBps, bidShare, params.StopLossBps)

	trade := &openTrade{
		qty:                   pos.Qty,
		avgEntryPrice:         pos.AvgPrice,
		sizeUSD:               sizeUSD,
		entryTime:             now,
		takeProfitBps:         params.TakeProfitBps,
		stopLossBps:           effectiveSL,
		hardStopLossBps:       params.HardStopLossBps,
		timeoutSec:            params.TimeoutExitSec,
		minHoldMs:             params.MinHoldMs,
		enableTrailing:        params.EnableTrailingStop,
		trailingActivationBps: params.TrailingActivationBps,
		trailingStopBps:       params.TrailingStopBps,
		trailingStepBps:       params.TrailingStepBps,
		scheduleEnabled:       params.TradingScheduleEnabled,
		closeBeforeEndMinutes: params.CloseBeforeEndMinutes,
	}

	e.mu.Lock()
	e.trade = trade
	e.lastTradeTime = now
	e.mu.Unlock()

	e.shared.setExposure(e.symbol, sizeUSD)
	e.reportPositionState()
	if e.metrics != nil {
		e.metrics.TradesOpened(e.symbol).Inc()
	}

	log.Info().Str("symbol", e.symbol).Str("order_id", oid).Float64("qty", qty).
		Float64("price", quote.Bid).Float64("sl_bps", effectiveSL).Msg("entry filled")
}

func (e *Engine) mlApproves(quote marketdata.Quote, imbalance float64, tapeStats marketdata.TapeStats, params cfg.StrategyParams) bool {
	features := []float32{float32(quote.SpreadBps), float32(imbalance), float32(tapeStats.BuyPressure)}
	scores, err := e.predictor.Predict(features)
	if err != nil {
		// predictor failures fail open rather than blocking entries.
		if e.metrics != nil {
			e.metrics.MLFailuresInc()
		}
		return true
	}

	approved := true
	var score float64
	if len(scores) > 0 {
		// the last element is the action probability ({no, yes} for the
		// fallback predictor, matching what Approve thresholds).
		score = float64(scores[len(scores)-1])
		if score < params.MLMinConfidence {
			approved = false
		}
	}

	if e.features != nil {
		_ = e.features.RecordFeatures(FeatureSample{
			Symbol:      e.symbol,
			Timestamp:   time.Now(),
			SpreadBps:   quote.SpreadBps,
			Imbalance:   imbalance,
			BuyPressure: tapeStats.BuyPressure,
			Score:       score,
			Approved:    approved,
		})
	}

	if !approved {
		if e.metrics != nil {
			e.metrics.MLRejectionsInc()
		}
		return false
	}
	if e.metrics != nil {
		e.metrics.MLApprovalsInc()
	}
	return true
}

func (e *Engine) riskGreenLight(params cfg.StrategyParams, windowOK bool) (bool, string) {
	if e.riskMgr == nil {
		return true, "OK"
	}
	return e.riskMgr.CanOpenPosition(e.symbol, params.OrderSizeUSD, windowOK)
}

// evaluateExit runs the seven-step exit priority chain for one tick. Each
// step returns immediately on trigger; only the first hit is acted on.
func (e *Engine) evaluateExit(ctx context.Context, trade *openTrade, quote marketdata.Quote, params cfg.StrategyParams) {
	now := time.Now()
	elapsed := now.Sub(trade.entryTime)
	pnl := pnlBps(quote.Bid, trade.avgEntryPrice)

	// 1. Hard stop-loss overrides the min-hold gate entirely.
	if pnl <= trade.hardStopLossBps {
		e.closeMarket(ctx, trade, quote, ReasonHardSL)
		return
	}

	// 2. MM-gone emergency.
	tapeStats := e.tape.Stats(e.symbol)
	gone, _ := e.detector.IsMMGone(e.symbol, quote.SpreadBps, mm.TapePressure{
		BuyPressure: tapeStats.BuyPressure,
		LargeTrades: tapeStats.LargeTrades,
		TotalTrades: tapeStats.TradesPerMin,
	})
	if gone {
		e.closeMarket(ctx, trade, quote, ReasonMMGone)
		return
	}

	// 3. Window close.
	if trade.scheduleEnabled {
		_, minutesLeft := inWindow(params, now)
		if minutesLeft <= float64(trade.closeBeforeEndMinutes) {
			e.closeMarket(ctx, trade, quote, ReasonWindowClose)
			return
		}
	}

	canExitOnHold := elapsed >= time.Duration(trade.minHoldMs)*time.Millisecond

	// 4. Trailing stop activation and trigger.
	if trade.enableTrailing {
		switch {
		case !trade.trailingActive && pnl >= trade.trailingActivationBps:
			trade.trailingActive = true
			trade.peak = quote.Mid
			trade.trailingStop = trade.peak * (1 - trade.trailingStopBps/10000)
		case trade.trailingActive && quote.Mid > trade.peak*(1+trade.trailingStepBps/10000):
			trade.peak = quote.Mid
			trade.trailingStop = trade.peak * (1 - trade.trailingStopBps/10000)
		}
		if trade.trailingActive && quote.Mid <= trade.trailingStop && canExitOnHold {
			reason := ReasonTrailExpired
			if pnl >= 1 {
				reason = ReasonTrailMarket
			}
			e.closeMarket(ctx, trade, quote, reason)
			return
		}
	}

	// 5. Take-profit.
	if pnl >= trade.takeProfitBps && canExitOnHold {
		e.closeTakeProfit(ctx, trade, quote)
		return
	}

	// 6. Soft (dynamic) stop-loss.
	if pnl <= trade.stopLossBps && canExitOnHold {
		e.closeMarket(ctx, trade, quote, ReasonSL)
		return
	}

	// 7. Timeout.
	if elapsed >= time.Duration(trade.timeoutSec)*time.Second {
		e.closeMarket(ctx, trade, quote, ReasonTimeout)
		return
	}
}

// closeTakeProfit attempts a maker-limit exit at the ask first, reclassifying
// the recorded reason from the realized fill. The paper port fills makers
// immediately, so the unfilled-then-market-fallback branch below only
// matters once a live port can reject a maker order.
func (e *Engine) closeTakeProfit(ctx context.Context, trade *openTrade, quote marketdata.Quote) {
	before := e.port.GetPosition(e.symbol).RealizedPnLUSD
	_, err := e.port.PlaceMaker(ctx, e.symbol, execution.SideSell, quote.Ask, trade.qty, "tp")
	if err != nil {
		reason := ReasonTPExpired
		if pnlBps(quote.Bid, trade.avgEntryPrice) >= 1 {
			reason = ReasonTPMarket
		}
		if _, ferr := e.port.PlaceMarket(ctx, e.symbol, execution.SideSell, trade.qty, reason); ferr != nil {
			log.Warn().Err(ferr).Str("symbol", e.symbol).Msg("take-profit fallback market exit failed")
			return
		}
		after := e.port.GetPosition(e.symbol).RealizedPnLUSD
		e.finishClose(trade, quote, reason, after-before)
		return
	}
	after := e.port.GetPosition(e.symbol).RealizedPnLUSD
	realizedBps := bpsFromUSD(after-before, trade.qty, trade.avgEntryPrice)
	reason := ReasonTP
	if realizedBps <= -3 {
		reason = ReasonTPSlippage
	}
	e.finishClose(trade, quote, reason, after-before)
}

// closeMarket is the market-only exit path used by every reason that does
// not attempt a maker fill first.
func (e *Engine) closeMarket(ctx context.Context, trade *openTrade, quote marketdata.Quote, reason string) {
	before := e.port.GetPosition(e.symbol).RealizedPnLUSD
	if _, err := e.port.PlaceMarket(ctx, e.symbol, execution.SideSell, trade.qty, reason); err != nil {
		log.Warn().Err(err).Str("symbol", e.symbol).Str("reason", reason).Msg("exit order failed")
		if e.riskMgr != nil {
			e.riskMgr.TrackError()
		}
		return
	}
	if e.riskMgr != nil {
		e.riskMgr.TrackSuccess()
	}
	after := e.port.GetPosition(e.symbol).RealizedPnLUSD
	e.finishClose(trade, quote, reason, after-before)
}

func (e *Engine) finishClose(trade *openTrade, quote marketdata.Quote, reason string, realizedPnLUSD float64) {
	now := time.Now()

	// Force-flatten any remainder the exit order did not close.
	if pos := e.port.GetPosition(e.symbol); pos.Qty > 0 {
		_ = e.port.FlattenSymbol(context.Background(), e.symbol)
	}
	_ = e.port.CancelOrders(context.Background(), e.symbol)

	e.mu.Lock()
	e.trade = nil
	e.lastExitTime = now
	e.mu.Unlock()

	e.shared.setExposure(e.symbol, 0)
	if e.riskMgr != nil {
		e.riskMgr.TrackTradeResult(e.symbol, realizedPnLUSD)
	}
	e.reportPositionState()

	if e.metrics != nil {
		e.metrics.TradesClosed(reason).Inc()
		e.metrics.PnLTotal().Add(realizedPnLUSD)
	}
	if e.outcomes != nil {
		_ = e.outcomes.RecordTradeOutcome(TradeOutcome{
			Symbol:     e.symbol,
			EntryPrice: trade.avgEntryPrice,
			ExitPrice:  quote.Bid,
			Qty:        trade.qty,
			SizeUSD:    trade.sizeUSD,
			PnLUSD:     realizedPnLUSD,
			PnLBps:     pnlBps(quote.Bid, trade.avgEntryPrice),
			Reason:     reason,
			EntryTime:  trade.entryTime,
			ExitTime:   now,
		})
	}

	log.Info().Str("symbol", e.symbol).Str("reason", reason).
		Float64("pnl_usd", realizedPnLUSD).Msg("position closed")
}

func (e *Engine) reportPositionState() {
	if e.riskMgr == nil {
		return
	}
	count, total := e.shared.snapshot()
	e.riskMgr.UpdatePositionCount(count)
	e.riskMgr.UpdateTotalExposure(total)
}

func bidDepthUSD(bids []marketdata.Level) float64 {
	var usd float64
	for _, l := range bids {
		usd += l.Price * l.Qty
	}
	return usd
}
