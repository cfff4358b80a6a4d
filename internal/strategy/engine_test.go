package strategy

import (
	"context"
	"testing"
	"time"

	"mmtrader/internal/cfg"
	"mmtrader/internal/execution"
	"mmtrader/internal/marketdata"
	"mmtrader/internal/mm"
	"mmtrader/internal/risk"
	"mmtrader/internal/sizer"
)

type bookPriceSource struct {
	book *marketdata.BookTracker
}

func (b bookPriceSource) Quote(symbol string) (float64, float64) {
	q := b.book.GetQuote(symbol)
	return q.Bid, q.Ask
}

type fakeOutcomeRecorder struct {
	last TradeOutcome
}

func (f *fakeOutcomeRecorder) RecordTradeOutcome(o TradeOutcome) error {
	f.last = o
	return nil
}

func testParams() cfg.StrategyParams {
	return cfg.StrategyParams{
		MinSpreadBps:            1,
		EdgeFloorBps:            1,
		MaxSpreadBpsHard:        100,
		ImbalanceMin:            -1,
		ImbalanceMax:            1,
		EnableDepthCheck:        false,
		OrderSizeUSD:            10,
		MinHoldMs:               0,
		TimeoutExitSec:          1,
		ReenterCooldownMs:       0,
		MinSecondsBetweenTrades: 0,
		TakeProfitBps:           100,
		StopLossBps:             -100,
		HardStopLossBps:         -5,
		EnableTrailingStop:      false,
		TradingScheduleEnabled:  false,
		TradeOnWeekends:         true,
	}
}

func testRisk() cfg.RiskLimits {
	return cfg.RiskLimits{
		AccountBalanceUSD:         100000,
		DailyLossLimitPct:         100,
		MaxExposurePerPositionPct: 100,
		MaxPositions:              10,
		SymbolMaxLosses:           100,
		SymbolCooldownMinutes:     0,
		MaxTradesPerHour:          1000,
		MaxTradesPerMinute:        1000,
		MaxConsecutiveErrors:      1000,
		ErrorWindowMinutes:        60,
	}
}

func newTestEngine(t *testing.T, symbol string, outcomes OutcomeRecorder) (*Engine, *marketdata.BookTracker, execution.Port) {
	t.Helper()
	settings := &cfg.Settings{Default: testParams(), SymbolParams: map[string]cfg.StrategyParams{}}
	book := marketdata.NewBookTracker()
	tape := marketdata.NewTapeTracker()
	detector := mm.NewDetector()
	riskMgr := risk.NewManager(testRisk())
	port := execution.NewPaper(bookPriceSource{book}, nil)

	// Seed the detector with enough identical snapshots to clear its
	// confidence floor, so IsMMGone does not fall back to its
	// no-pattern-yet "gone" default during these tests.
	for i := 0; i < 50; i++ {
		detector.OnBookUpdate(symbol, 100, 100.2, 10, 10, time.Now())
	}

	e := NewEngine(Config{
		Symbol:    symbol,
		Settings:  settings,
		Shared:    NewSharedState(),
		Book:      book,
		Tape:      tape,
		Detector:  detector,
		Risk:      riskMgr,
		Port:      port,
		SizerMode: sizer.ModeAggressive,
		Outcomes:  outcomes,
	})
	return e, book, port
}

func TestEngine_WarmupThenEntry(t *testing.T) {
	const symbol = "BTCUSDT"
	e, book, port := newTestEngine(t, symbol, nil)
	ctx := context.Background()

	book.UpdateBookTicker(symbol, 100, 10, 100.2, 10, 0)

	for i := 0; i < warmupQuotes; i++ {
		e.tick(ctx)
	}

	pos := port.GetPosition(symbol)
	if pos.Qty <= 0 {
		t.Fatalf("expected an open position after warmup, got %+v", pos)
	}
	if pos.AvgPrice != 100 {
		t.Errorf("expected entry fill at the bid (100), got %f", pos.AvgPrice)
	}
	if !e.InPosition() {
		t.Error("expected engine to report InPosition after entry")
	}
}

func TestEngine_HardStopLossExitsImmediately(t *testing.T) {
	const symbol = "BTCUSDT"
	e, book, port := newTestEngine(t, symbol, nil)
	ctx := context.Background()

	book.UpdateBookTicker(symbol, 100, 10, 100.2, 10, 0)
	for i := 0; i < warmupQuotes; i++ {
		e.tick(ctx)
	}
	if !e.InPosition() {
		t.Fatal("expected position to be open before triggering hard stop-loss")
	}

	// pnl_bps = (99.9-100)/100*10000 = -10, below hardStopLossBps of -5.
	book.UpdateBookTicker(symbol, 99.9, 10, 100.1, 10, 0)
	e.tick(ctx)

	if e.InPosition() {
		t.Error("expected hard stop-loss to flatten the position")
	}
	pos := port.GetPosition(symbol)
	if pos.Qty != 0 {
		t.Errorf("expected flat position after hard stop-loss, got qty=%f", pos.Qty)
	}
	if pos.RealizedPnLUSD >= 0 {
		t.Errorf("expected a realized loss, got %f", pos.RealizedPnLUSD)
	}
}

func TestEngine_TimeoutExit(t *testing.T) {
	const symbol = "BTCUSDT"
	recorder := &fakeOutcomeRecorder{}
	e, book, _ := newTestEngine(t, symbol, recorder)
	ctx := context.Background()

	book.UpdateBookTicker(symbol, 100, 10, 100.2, 10, 0)
	for i := 0; i < warmupQuotes; i++ {
		e.tick(ctx)
	}
	if !e.InPosition() {
		t.Fatal("expected position to be open before timing out")
	}

	e.mu.Lock()
	e.trade.entryTime = time.Now().Add(-time.Hour)
	e.mu.Unlock()

	e.tick(ctx)

	if e.InPosition() {
		t.Error("expected timeout to close the position")
	}
	if recorder.last.Reason != ReasonTimeout {
		t.Errorf("expected recorded reason %q, got %q", ReasonTimeout, recorder.last.Reason)
	}
}

func TestBookImbalance(t *testing.T) {
	if v := bookImbalance(10, 10); v != 0 {
		t.Errorf("expected balanced book to be 0, got %f", v)
	}
	if v := bookImbalance(0, 0); v != 0 {
		t.Errorf("expected empty book to be 0, got %f", v)
	}
	if v := bookImbalance(30, 10); v <= 0 {
		t.Errorf("expected bid-heavy book to be positive, got %f", v)
	}
}

func TestInWindow_DisabledAlwaysOpen(t *testing.T) {
	params := cfg.StrategyParams{TradingScheduleEnabled: false}
	ok, _ := inWindow(params, time.Now())
	if !ok {
		t.Error("expected a disabled schedule to always be open")
	}
}

func TestInWindow_NormalRange(t *testing.T) {
	params := cfg.StrategyParams{
		TradingScheduleEnabled: true,
		TradingStartTime:       "09:00",
		TradingEndTime:         "17:00",
		TradingTimezone:        "UTC",
		TradeOnWeekends:        true,
	}
	inside := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC) // Monday
	outside := time.Date(2026, 1, 5, 20, 0, 0, 0, time.UTC)

	if ok, _ := inWindow(params, inside); !ok {
		t.Error("expected noon to be inside the 09:00-17:00 window")
	}
	if ok, _ := inWindow(params, outside); ok {
		t.Error("expected 20:00 to be outside the 09:00-17:00 window")
	}
}

func TestInWindow_Overnight(t *testing.T) {
	params := cfg.StrategyParams{
		TradingScheduleEnabled: true,
		TradingStartTime:       "22:00",
		TradingEndTime:         "06:00",
		TradingTimezone:        "UTC",
		TradeOnWeekends:        true,
	}
	lateNight := time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	if ok, _ := inWindow(params, lateNight); !ok {
		t.Error("expected 23:00 to be inside the overnight window")
	}
	if ok, _ := inWindow(params, earlyMorning); !ok {
		t.Error("expected 02:00 to be inside the overnight window")
	}
	if ok, _ := inWindow(params, midday); ok {
		t.Error("expected midday to be outside the overnight window")
	}
}

func TestInWindow_WeekendClosed(t *testing.T) {
	params := cfg.StrategyParams{
		TradingScheduleEnabled: true,
		TradingStartTime:       "00:00",
		TradingEndTime:         "23:59",
		TradingTimezone:        "UTC",
		TradeOnWeekends:        false,
	}
	saturday := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	if ok, _ := inWindow(params, saturday); ok {
		t.Error("expected weekend trading to be closed when TradeOnWeekends is false")
	}
}
