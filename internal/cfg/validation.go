package cfg

import (
	"fmt"
	"os"
	"time"

	"mmtrader/internal/common"
)

// validateSettings performs comprehensive validation of configuration values,
// grouped the way the teacher groups its own validation dispatch.
func validateSettings(s *Settings) error {
	if err := validateProviderAndMode(s); err != nil {
		return err
	}
	if err := validateURLs(s); err != nil {
		return err
	}
	if err := validateTradingParameters(s); err != nil {
		return err
	}
	if err := validateLiveTradingRestrictions(s); err != nil {
		return err
	}
	if err := validateRiskLimits(s); err != nil {
		return err
	}
	if err := validateWSSettings(s); err != nil {
		return err
	}
	if err := validateMLParameters(s); err != nil {
		return err
	}
	if err := validateSystemParameters(s); err != nil {
		return err
	}
	for symbol, p := range s.SymbolParams {
		if err := validateStrategyParams(p); err != nil {
			return fmt.Errorf("symbol %s: %w", symbol, err)
		}
	}
	return nil
}

func validateProviderAndMode(s *Settings) error {
	switch s.ActiveProvider {
	case common.ProviderMEXC, common.ProviderGate, common.ProviderBinance:
	default:
		return fmt.Errorf(common.ErrMsgInvalidProvider)
	}
	switch s.ActiveMode {
	case common.ModePaper, common.ModeDemo, common.ModeLive:
	default:
		return fmt.Errorf(common.ErrMsgInvalidMode)
	}
	return nil
}

func validateURLs(s *Settings) error {
	if s.RESTBaseURL == "" {
		return fmt.Errorf(common.ErrMsgRESTURLRequired)
	}
	if s.WsURL == "" {
		return fmt.Errorf(common.ErrMsgWsURLRequired)
	}
	return nil
}

func validateTradingParameters(s *Settings) error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf(common.ErrMsgSymbolRequired)
	}
	return validateStrategyParams(s.Default)
}

func validateStrategyParams(p StrategyParams) error {
	if p.MinSpreadBps <= 0 {
		return fmt.Errorf("minSpreadBps must be positive")
	}
	if p.MaxSpreadBpsHard <= p.MinSpreadBps {
		return fmt.Errorf("maxSpreadBpsHard must exceed minSpreadBps")
	}
	if p.ImbalanceMin >= p.ImbalanceMax {
		return fmt.Errorf("imbalanceMin must be less than imbalanceMax")
	}
	if p.OrderSizeUSD <= 0 {
		return fmt.Errorf("orderSizeUsd must be positive")
	}
	if p.TakeProfitBps <= 0 {
		return fmt.Errorf("takeProfitBps must be positive")
	}
	if p.StopLossBps >= 0 {
		return fmt.Errorf("stopLossBps must be negative")
	}
	if p.HardStopLossBps >= p.StopLossBps {
		return fmt.Errorf("hardStopLossBps must be more negative than stopLossBps")
	}
	if p.MaxConcurrentSymbols <= 0 {
		return fmt.Errorf("maxConcurrentSymbols must be positive")
	}
	if p.TradingScheduleEnabled {
		if _, err := time.Parse("15:04", p.TradingStartTime); err != nil {
			return fmt.Errorf("tradingStartTime must be HH:MM: %w", err)
		}
		if _, err := time.Parse("15:04", p.TradingEndTime); err != nil {
			return fmt.Errorf("tradingEndTime must be HH:MM: %w", err)
		}
		if _, err := time.LoadLocation(p.TradingTimezone); err != nil {
			return fmt.Errorf("tradingTimezone invalid: %w", err)
		}
	}
	return nil
}

// validateLiveTradingRestrictions requires an explicit env opt-in, separate
// from the YAML file, before the engine is allowed to place live orders.
func validateLiveTradingRestrictions(s *Settings) error {
	if s.ActiveMode != common.ModeLive {
		return nil
	}
	if os.Getenv(common.EnvForceLiveTrading) != "true" {
		return fmt.Errorf(common.ErrMsgForceLiveTradingRequired)
	}
	return nil
}

func validateRiskLimits(s *Settings) error {
	r := s.Risk
	if r.AccountBalanceUSD <= 0 {
		return fmt.Errorf("accountBalanceUsd must be positive")
	}
	if r.DailyLossLimitPct <= 0 || r.DailyLossLimitPct > 100 {
		return fmt.Errorf("dailyLossLimitPct must be between 0 and 100")
	}
	if r.MaxExposurePerPositionPct <= 0 || r.MaxExposurePerPositionPct > 100 {
		return fmt.Errorf("maxExposurePerPositionPct must be between 0 and 100")
	}
	if r.MaxPositions <= 0 {
		return fmt.Errorf("maxPositions must be positive")
	}
	if r.SymbolMaxLosses <= 0 {
		return fmt.Errorf("symbolMaxLosses must be positive")
	}
	if r.SymbolCooldownMinutes <= 0 {
		return fmt.Errorf("symbolCooldownMinutes must be positive")
	}
	if r.MaxTradesPerHour <= 0 || r.MaxTradesPerMinute <= 0 {
		return fmt.Errorf("maxTradesPerHour and maxTradesPerMinute must be positive")
	}
	if r.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("maxConsecutiveErrors must be positive")
	}
	if r.ErrorWindowMinutes <= 0 {
		return fmt.Errorf("errorWindowMinutes must be positive")
	}
	return nil
}

func validateWSSettings(s *Settings) error {
	if s.WS.SnapshotLevels <= 0 || s.WS.SnapshotLevels > 20 {
		return fmt.Errorf("ws.orderbookSnapshotLevels must be between 1 and 20")
	}
	if s.WS.SubscribeRatePerSec <= 0 {
		return fmt.Errorf("ws.subscribeRateLimitPerSec must be positive")
	}
	if s.WS.OpenTimeout <= 0 {
		s.WS.OpenTimeout = time.Duration(common.DefaultWSOpenTimeoutSec) * time.Second
	}
	if s.WS.CloseTimeout <= 0 {
		s.WS.CloseTimeout = time.Duration(common.DefaultWSCloseTimeoutSec) * time.Second
	}
	return nil
}

func validateMLParameters(s *Settings) error {
	if s.MLMinConfidence < common.MinMLConfidence || s.MLMinConfidence > common.MaxMLConfidence {
		return fmt.Errorf("mlMinConfidence must be between %g and %g", common.MinMLConfidence, common.MaxMLConfidence)
	}
	return nil
}

func validateSystemParameters(s *Settings) error {
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metricsPort must be between %d and %d", common.MinMetricsPort, common.MaxMetricsPort)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be one of debug, info, warn, error")
	}
	return nil
}
