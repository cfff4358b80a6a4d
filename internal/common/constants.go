// Package common holds process-wide constants shared across packages:
// environment variable keys, configuration defaults, and validation bounds.
package common

// Environment variable keys.
const (
	EnvConfigFile          = "CONFIG_FILE"
	EnvActiveProvider      = "ACTIVE_PROVIDER"
	EnvActiveMode          = "ACTIVE_MODE"
	EnvForceLiveTrading    = "FORCE_LIVE_TRADING"
	EnvSymbols             = "SYMBOLS"
	EnvRESTBaseURL         = "REST_BASE_URL"
	EnvWsURL               = "WS_URL"
	EnvScannerURL          = "SCANNER_URL"
	EnvDataPath            = "DATA_PATH"
	EnvMLModelPath         = "ML_MODEL_PATH"
	EnvMLMinConfidence     = "ML_MIN_CONFIDENCE"
	EnvMetricsPort         = "METRICS_PORT"
	EnvLogLevel            = "LOG_LEVEL"
	EnvAccountBalanceUSD   = "ACCOUNT_BALANCE_USD"
	EnvDailyLossLimitPct   = "DAILY_LOSS_LIMIT_PCT"
	EnvMaxExposurePct      = "MAX_EXPOSURE_PER_POSITION_PCT"
	EnvMaxPositions        = "MAX_POSITIONS"
	EnvSymbolMaxLosses     = "SYMBOL_MAX_LOSSES"
	EnvSymbolCooldownMin   = "SYMBOL_COOLDOWN_MINUTES"
	EnvMaxTradesPerHour    = "MAX_TRADES_PER_HOUR"
	EnvMaxTradesPerMinute  = "MAX_TRADES_PER_MINUTE"
	EnvMaxConsecutiveErr   = "MAX_CONSECUTIVE_ERRORS"
	EnvErrorWindowMinutes  = "ERROR_WINDOW_MINUTES"
	EnvWSOpenTimeout       = "WS_OPEN_TIMEOUT"
	EnvWSCloseTimeout      = "WS_CLOSE_TIMEOUT"
	EnvWSSnapshotLevels    = "WS_ORDERBOOK_SNAPSHOT_LEVELS"
	EnvWSSubscribeRateSec  = "WS_SUBSCRIBE_RATE_LIMIT_PER_SEC"
	EnvWSVerboseFrames     = "WS_VERBOSE_FRAMES"
	EnvWSEnableBruteforce  = "WS_ENABLE_BRUTEFORCE"
)

// Exchange provider identifiers.
const (
	ProviderMEXC    = "mexc"
	ProviderGate    = "gate"
	ProviderBinance = "binance"
)

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeDemo  = "DEMO"
	ModeLive  = "LIVE"
)

// Configuration defaults.
const (
	DefaultRESTBaseURL         = "https://api.mexc.com"
	DefaultWsURL               = "wss://wbs-api.mexc.com/ws"
	DefaultMetricsPort         = 8090
	DefaultLogLevel            = "info"
	DefaultAccountBalanceUSD   = 1000.0
	DefaultDailyLossLimitPct   = 2.0
	DefaultMaxExposurePct      = 10.0
	DefaultMaxPositions        = 5
	DefaultSymbolMaxLosses     = 3
	DefaultSymbolCooldownMin   = 30
	DefaultMaxTradesPerHour    = 30
	DefaultMaxTradesPerMinute  = 4
	DefaultMaxConsecutiveErr   = 5
	DefaultErrorWindowMinutes  = 5
	DefaultMLMinConfidence     = 0.55
	DefaultWSOpenTimeoutSec    = 10
	DefaultWSCloseTimeoutSec   = 2
	DefaultWSSnapshotLevels    = 10
	DefaultWSSubscribeRateSec  = 8
)

// WebSocket protocol constants (§4.4).
const (
	MaxTopicsPerConn     = 30
	WSPingIntervalSec    = 20
	WSMaxLifetimeSec     = 23 * 60 * 60
	ReconnectFloorMillis = 500
	ReconnectCeilMillis  = 30_000
)

// Market-data retention windows (§3).
const (
	TapeWindowSec        = 60
	TapeMaxTrades        = 100
	LargeTradeUSD        = 1000.0
	BookSnapshotWindowSec = 300
	BookSnapshotCapacity = 1000
)

// MM detector constants (§4.5).
const (
	MMMinConfidence = 0.7
	MMMinSamples    = 20
	MMPatternTTLSec = 60
)

// Enhanced book tracker constants (§4.7).
const (
	SpoofLifetimeMaxSec  = 1.0
	SpoofUpdateRateMinHz = 5.0

	SpoofingScoreDiscountThreshold   = 0.5
	SpoofingScoreDiscountFactor      = 0.7
	SpreadStabilityDiscountThreshold = 0.5
	SpreadStabilityDiscountFactor    = 0.9
)

// Book tracker quote-batch coalescing interval (§4.2).
const (
	QuoteBatchIntervalMs = 200
)

// Candle cache constants (§D.3).
const (
	CandleRetainBars        = 300
	CandleATRPeriodBars     = 14
	DefaultCandleRefreshSec = 60
)

// Dynamic stop-loss thresholds and clamps (§9).
const (
	DynamicSLATRCalmPct      = 0.05
	DynamicSLATRNormalPct    = 0.15
	DynamicSLATRActivePct    = 0.30
	DynamicSLATRCalmFactor   = 1.0
	DynamicSLATRNormalFactor = 1.3
	DynamicSLATRActiveFactor = 1.6
	DynamicSLATRHighFactor   = 2.0

	DynamicSLSpreadTightBps   = 3.0
	DynamicSLSpreadMediumBps  = 8.0
	DynamicSLSpreadTightFactor  = 1.0
	DynamicSLSpreadMediumFactor = 1.2
	DynamicSLSpreadWideFactor   = 1.5

	DynamicSLImbalanceLow    = 0.4
	DynamicSLImbalanceHigh   = 0.6
	DynamicSLImbalanceFactor = 1.1

	DynamicSLMinBps = -10.0
	DynamicSLMaxBps = -2.0
)

// Common error messages.
const (
	ErrMsgSymbolRequired           = "at least one trading symbol is required"
	ErrMsgRESTURLRequired          = "rest base URL is required"
	ErrMsgWsURLRequired            = "ws URL is required"
	ErrMsgForceLiveTradingRequired = "live trading requires FORCE_LIVE_TRADING=true environment variable"
	ErrMsgInvalidProvider          = "active_provider must be one of mexc, gate, binance"
	ErrMsgInvalidMode              = "active_mode must be one of PAPER, DEMO, LIVE"
)

// Validation bounds.
const (
	MinMetricsPort = 1024
	MaxMetricsPort = 65535
	MinMLConfidence = 0.0
	MaxMLConfidence = 1.0
)
