package risk

import (
	"testing"

	"mmtrader/internal/cfg"
	"mmtrader/internal/common"
)

func testLimits() cfg.RiskLimits {
	return cfg.RiskLimits{
		AccountBalanceUSD:         1000,
		DailyLossLimitPct:         2,
		MaxExposurePerPositionPct: 10,
		MaxPositions:              5,
		SymbolMaxLosses:           3,
		SymbolCooldownMinutes:     30,
		MaxTradesPerHour:          30,
		MaxTradesPerMinute:        4,
		MaxConsecutiveErrors:      5,
		ErrorWindowMinutes:        5,
	}
}

func TestCanOpenPosition_OK(t *testing.T) {
	m := NewManager(testLimits())
	ok, reason := m.CanOpenPosition("BTCUSDT", 50, true)
	if !ok || reason != "OK" {
		t.Fatalf("expected OK, got ok=%v reason=%s", ok, reason)
	}
}

func TestCanOpenPosition_Halted(t *testing.T) {
	m := NewManager(testLimits())
	m.HaltTrading("manual")
	ok, _ := m.CanOpenPosition("BTCUSDT", 50, true)
	if ok {
		t.Error("expected halted manager to reject entries")
	}
}

func TestCanOpenPosition_OutsideTradingHours(t *testing.T) {
	m := NewManager(testLimits())
	ok, reason := m.CanOpenPosition("BTCUSDT", 50, false)
	if ok || reason != "outside trading hours" {
		t.Errorf("expected rejection for trading hours, got ok=%v reason=%s", ok, reason)
	}
}

func TestCanOpenPosition_MaxPositions(t *testing.T) {
	m := NewManager(testLimits())
	m.UpdatePositionCount(5)
	ok, _ := m.CanOpenPosition("BTCUSDT", 50, true)
	if ok {
		t.Error("expected rejection once max positions reached")
	}
}

func TestCanOpenPosition_SizeTooLarge(t *testing.T) {
	m := NewManager(testLimits())
	ok, _ := m.CanOpenPosition("BTCUSDT", 1000, true)
	if ok {
		t.Error("expected rejection for oversized position")
	}
}

func TestTrackTradeResult_DailyLossLimitHalts(t *testing.T) {
	m := NewManager(testLimits())
	m.TrackTradeResult("BTCUSDT", -25) // 2.5% of 1000 > 2% limit

	ok, reason := m.CanOpenPosition("BTCUSDT", 10, true)
	if ok {
		t.Errorf("expected daily loss limit halt to block entries, reason=%s", reason)
	}
	if !m.GetStatus().TradingHalted {
		t.Error("expected trading to be halted")
	}
}

func TestTrackTradeResult_SymbolCooldownAfterLossStreak(t *testing.T) {
	m := NewManager(testLimits())
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", -1)

	if !m.IsSymbolOnCooldown("ETHUSDT") {
		t.Error("expected symbol to be on cooldown after 3 consecutive losses")
	}

	ok, reason := m.CanOpenPosition("ETHUSDT", 10, true)
	if ok {
		t.Errorf("expected cooldown to block entry, got reason=%s", reason)
	}
}

func TestTrackTradeResult_WinResetsLossStreak(t *testing.T) {
	m := NewManager(testLimits())
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", 5)
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", -1)

	if m.IsSymbolOnCooldown("ETHUSDT") {
		t.Error("expected win to reset loss streak, avoiding cooldown")
	}
}

func TestClearCooldown(t *testing.T) {
	m := NewManager(testLimits())
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", -1)
	m.TrackTradeResult("ETHUSDT", -1)

	m.ClearCooldown("ETHUSDT")
	if m.IsSymbolOnCooldown("ETHUSDT") {
		t.Error("expected cooldown to be cleared")
	}
}

func TestVelocityLimit_PerMinute(t *testing.T) {
	m := NewManager(testLimits())
	for i := 0; i < 4; i++ {
		m.TrackTradeResult("BTCUSDT", 1)
	}
	ok, reason := m.CanOpenPosition("BTCUSDT", 10, true)
	if ok {
		t.Errorf("expected velocity limit to trigger, reason=%s", reason)
	}
}

func TestTrackError_HaltsAfterThreshold(t *testing.T) {
	m := NewManager(testLimits())
	for i := 0; i < 5; i++ {
		m.TrackError()
	}
	if !m.GetStatus().TradingHalted {
		t.Error("expected excessive errors to halt trading")
	}
	if reason := m.GetStatus().HaltReason; reason != "excessive_errors" {
		t.Errorf("expected excessive_errors halt reason, got %s", reason)
	}
}

func TestTrackSuccess_ResetsConsecutiveErrors(t *testing.T) {
	m := NewManager(testLimits())
	m.TrackError()
	m.TrackError()
	m.TrackSuccess()
	if m.GetStatus().ConsecutiveErrors != 0 {
		t.Error("expected TrackSuccess to reset consecutive error count")
	}
}

func TestEmergencyStop(t *testing.T) {
	m := NewManager(testLimits())
	m.EmergencyStop()
	status := m.GetStatus()
	if !status.TradingHalted || status.HaltReason != "emergency_stop" {
		t.Errorf("expected emergency_stop halt, got %+v", status)
	}
}

func TestResumeTrading(t *testing.T) {
	m := NewManager(testLimits())
	m.HaltTrading("manual")
	m.ResumeTrading()
	if !m.IsTradingAllowed() {
		t.Error("expected resume to clear the halt")
	}
}

func TestDynamicStopLoss_CalmMarket(t *testing.T) {
	sl := DynamicStopLoss(0.02, 1.5, 0.5, -3.0)
	if sl != -3.0 {
		t.Errorf("expected calm market to keep the base SL, got %f", sl)
	}
}

func TestDynamicStopLoss_VolatileMarketWidensAndClamps(t *testing.T) {
	// -4 * 2.0 (ATR) * 1.5 (spread) * 1.1 (imbalance) = -13.2, past the -10 floor.
	sl := DynamicStopLoss(0.5, 15, 0.9, -4.0)
	if sl != common.DynamicSLMinBps {
		t.Errorf("expected clamp to the widest SL, got %f", sl)
	}
}

func TestDynamicStopLoss_ImbalancedBookWidensFactor(t *testing.T) {
	balanced := DynamicStopLoss(0.02, 1.5, 0.5, -3.0)
	imbalanced := DynamicStopLoss(0.02, 1.5, 0.9, -3.0)
	if imbalanced >= balanced {
		t.Errorf("expected imbalance to widen the stop, balanced=%f imbalanced=%f", balanced, imbalanced)
	}
}

func TestDynamicStopLoss_NeverAboveMax(t *testing.T) {
	sl := DynamicStopLoss(0.01, 1.0, 0.5, -1.0)
	if sl > common.DynamicSLMaxBps {
		t.Errorf("expected SL to never be tighter than %f, got %f", common.DynamicSLMaxBps, sl)
	}
}
