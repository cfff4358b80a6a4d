// Package cfg provides configuration management for the trading engine.
// It supports loading configuration from both a YAML file and environment
// variables, with environment variables taking precedence over YAML settings
// for any field present in both. A CONFIG_FILE environment variable selects
// the YAML path; when absent, configuration is assembled entirely from
// environment variables and defaults.
//
// The package validates every configuration group before returning it to the
// caller and gates live trading behind an explicit FORCE_LIVE_TRADING
// environment flag that is independent of the YAML file.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mmtrader/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StrategyParams is the process-wide, hot-updatable parameter bundle described
// in SPEC_FULL.md §3 "Strategy parameters". It is frozen per-trade at entry
// time; later changes never retroactively affect open trades.
type StrategyParams struct {
	// Entry filters
	MinSpreadBps     float64 `yaml:"minSpreadBps"`
	EdgeFloorBps     float64 `yaml:"edgeFloorBps"`
	MaxSpreadBpsHard float64 `yaml:"maxSpreadBpsHard"`
	ImbalanceMin     float64 `yaml:"imbalanceMin"`
	ImbalanceMax     float64 `yaml:"imbalanceMax"`
	EnableDepthCheck bool    `yaml:"enableDepthCheck"`

	// Sizing
	OrderSizeUSD float64 `yaml:"orderSizeUsd"`

	// Timing
	MinHoldMs               int64 `yaml:"minHoldMs"`
	TimeoutExitSec          int64 `yaml:"timeoutExitSec"`
	ReenterCooldownMs       int64 `yaml:"reenterCooldownMs"`
	MinSecondsBetweenTrades int64 `yaml:"minSecondsBetweenTrades"`

	// Exits
	TakeProfitBps   float64 `yaml:"takeProfitBps"`
	StopLossBps     float64 `yaml:"stopLossBps"`
	HardStopLossBps float64 `yaml:"hardStopLossBps"`

	// Trailing
	EnableTrailingStop    bool    `yaml:"enableTrailingStop"`
	TrailingActivationBps float64 `yaml:"trailingActivationBps"`
	TrailingStopBps       float64 `yaml:"trailingStopBps"`
	TrailingStepBps       float64 `yaml:"trailingStepBps"`

	// Schedule
	TradingScheduleEnabled bool   `yaml:"tradingScheduleEnabled"`
	TradingStartTime       string `yaml:"tradingStartTime"` // "HH:MM"
	TradingEndTime         string `yaml:"tradingEndTime"`   // "HH:MM"
	TradingTimezone        string `yaml:"tradingTimezone"`  // IANA
	TradeOnWeekends        bool   `yaml:"tradeOnWeekends"`
	CloseBeforeEndMinutes  int    `yaml:"closeBeforeEndMinutes"`

	MaxConcurrentSymbols int `yaml:"maxConcurrentSymbols"`

	// Optional ML filter
	MLFilterEnabled  bool    `yaml:"mlFilterEnabled"`
	MLMinConfidence  float64 `yaml:"mlMinConfidence"`
}

// RiskLimits holds the global risk manager configuration (SPEC_FULL.md §4.9).
type RiskLimits struct {
	AccountBalanceUSD         float64 `yaml:"accountBalanceUsd"`
	DailyLossLimitPct         float64 `yaml:"dailyLossLimitPct"`
	MaxExposurePerPositionPct float64 `yaml:"maxExposurePerPositionPct"`
	MaxPositions              int     `yaml:"maxPositions"`
	SymbolMaxLosses           int     `yaml:"symbolMaxLosses"`
	SymbolCooldownMinutes     int     `yaml:"symbolCooldownMinutes"`
	MaxTradesPerHour          int     `yaml:"maxTradesPerHour"`
	MaxTradesPerMinute        int     `yaml:"maxTradesPerMinute"`
	MaxConsecutiveErrors      int     `yaml:"maxConsecutiveErrors"`
	ErrorWindowMinutes        int     `yaml:"errorWindowMinutes"`
}

// WSSettings holds WebSocket client tuning (SPEC_FULL.md §4.4, §6).
type WSSettings struct {
	OpenTimeout         time.Duration `yaml:"-"`
	CloseTimeout        time.Duration `yaml:"-"`
	SnapshotLevels      int           `yaml:"orderbookSnapshotLevels"`
	SubscribeRatePerSec int           `yaml:"subscribeRateLimitPerSec"`
	VerboseFrames       bool          `yaml:"verboseFrames"`
	EnableBruteforce    bool          `yaml:"enableBruteforce"`
}

// Settings contains all configuration for the trading engine.
type Settings struct {
	ActiveProvider string // mexc | gate | binance
	ActiveMode     string // PAPER | DEMO | LIVE

	Symbols []string

	RESTBaseURL string
	WsURL       string
	ScannerURL  string // optional; empty disables the scanner fallback

	Default       StrategyParams
	SymbolParams  map[string]StrategyParams // per-symbol overrides, sparse
	Risk          RiskLimits
	WS            WSSettings

	DataPath        string
	MetricsPort     int
	LogLevel        string
	MLModelPath     string
	MLMinConfidence float64
}

// ParamsFor returns the effective strategy parameters for a symbol, applying
// any per-symbol override on top of the process-wide default bundle.
func (s *Settings) ParamsFor(symbol string) StrategyParams {
	if p, ok := s.SymbolParams[symbol]; ok {
		return p
	}
	return s.Default
}

// configFile mirrors the YAML document shape; env vars override its fields.
type configFile struct {
	ActiveProvider string   `yaml:"activeProvider"`
	ActiveMode     string   `yaml:"activeMode"`
	Symbols        []string `yaml:"symbols"`

	Exchange struct {
		RESTBaseURL string `yaml:"restBaseUrl"`
		WsURL       string `yaml:"wsUrl"`
		ScannerURL  string `yaml:"scannerUrl"`
	} `yaml:"exchange"`

	Default      StrategyParams            `yaml:"default"`
	SymbolParams map[string]StrategyParams `yaml:"symbolParams"`
	Risk         RiskLimits                `yaml:"risk"`
	WS           WSSettings                `yaml:"ws"`

	System struct {
		DataPath        string `yaml:"dataPath"`
		MetricsPort     int    `yaml:"metricsPort"`
		LogLevel        string `yaml:"logLevel"`
		MLModelPath     string `yaml:"mlModelPath"`
		MLMinConfidence float64 `yaml:"mlMinConfidence"`
	} `yaml:"system"`
}

// Load assembles Settings from, in order: built-in defaults, an optional
// local .env file, a YAML file when CONFIG_FILE is set, then environment
// variable overrides. The result is validated before being returned.
func Load() (*Settings, error) {
	_ = godotenv.Load() // optional, never required

	var s *Settings
	var err error
	if path := os.Getenv(common.EnvConfigFile); path != "" {
		s, err = loadFromYAML(path)
	} else {
		s, err = loadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(s)

	if err := validateSettings(s); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func defaultParams() StrategyParams {
	return StrategyParams{
		MinSpreadBps:            5,
		EdgeFloorBps:            3,
		MaxSpreadBpsHard:        20,
		ImbalanceMin:            -0.6,
		ImbalanceMax:            0.6,
		EnableDepthCheck:        true,
		OrderSizeUSD:            20,
		MinHoldMs:               500,
		TimeoutExitSec:          300,
		ReenterCooldownMs:       5000,
		MinSecondsBetweenTrades: 3,
		TakeProfitBps:           6,
		StopLossBps:             -4,
		HardStopLossBps:         -10,
		EnableTrailingStop:      true,
		TrailingActivationBps:   3,
		TrailingStopBps:         1,
		TrailingStepBps:         0.5,
		TradingScheduleEnabled:  false,
		TradingStartTime:        "00:00",
		TradingEndTime:          "23:59",
		TradingTimezone:         "UTC",
		TradeOnWeekends:         true,
		CloseBeforeEndMinutes:   5,
		MaxConcurrentSymbols:    5,
		MLFilterEnabled:         false,
		MLMinConfidence:         common.DefaultMLMinConfidence,
	}
}

func defaultRisk() RiskLimits {
	return RiskLimits{
		AccountBalanceUSD:         common.DefaultAccountBalanceUSD,
		DailyLossLimitPct:         common.DefaultDailyLossLimitPct,
		MaxExposurePerPositionPct: common.DefaultMaxExposurePct,
		MaxPositions:              common.DefaultMaxPositions,
		SymbolMaxLosses:           common.DefaultSymbolMaxLosses,
		SymbolCooldownMinutes:     common.DefaultSymbolCooldownMin,
		MaxTradesPerHour:          common.DefaultMaxTradesPerHour,
		MaxTradesPerMinute:        common.DefaultMaxTradesPerMinute,
		MaxConsecutiveErrors:      common.DefaultMaxConsecutiveErr,
		ErrorWindowMinutes:        common.DefaultErrorWindowMinutes,
	}
}

func defaultWS() WSSettings {
	return WSSettings{
		OpenTimeout:         time.Duration(common.DefaultWSOpenTimeoutSec) * time.Second,
		CloseTimeout:        time.Duration(common.DefaultWSCloseTimeoutSec) * time.Second,
		SnapshotLevels:      common.DefaultWSSnapshotLevels,
		SubscribeRatePerSec: common.DefaultWSSubscribeRateSec,
	}
}

func loadFromEnv() (*Settings, error) {
	s := &Settings{
		ActiveProvider: getEnvOrDefault(common.EnvActiveProvider, common.ProviderMEXC),
		ActiveMode:     getEnvOrDefault(common.EnvActiveMode, common.ModePaper),
		Symbols:        splitOrDefault(os.Getenv(common.EnvSymbols), []string{"BTCUSDT"}),
		RESTBaseURL:    getEnvOrDefault(common.EnvRESTBaseURL, common.DefaultRESTBaseURL),
		WsURL:          getEnvOrDefault(common.EnvWsURL, common.DefaultWsURL),
		ScannerURL:     os.Getenv(common.EnvScannerURL),
		Default:        defaultParams(),
		SymbolParams:   map[string]StrategyParams{},
		Risk:           defaultRisk(),
		WS:             defaultWS(),
		DataPath:       os.Getenv(common.EnvDataPath),
		MetricsPort:    getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		MLModelPath:    os.Getenv(common.EnvMLModelPath),
	}
	s.MLMinConfidence = getFloatOrDefault(common.EnvMLMinConfidence, common.DefaultMLMinConfidence)
	return s, nil
}

func loadFromYAML(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	s := &Settings{
		ActiveProvider: firstNonEmpty(cf.ActiveProvider, common.ProviderMEXC),
		ActiveMode:     firstNonEmpty(cf.ActiveMode, common.ModePaper),
		Symbols:        cf.Symbols,
		RESTBaseURL:    firstNonEmpty(cf.Exchange.RESTBaseURL, common.DefaultRESTBaseURL),
		WsURL:          firstNonEmpty(cf.Exchange.WsURL, common.DefaultWsURL),
		ScannerURL:     cf.Exchange.ScannerURL,
		Default:        mergeParams(defaultParams(), cf.Default),
		SymbolParams:   cf.SymbolParams,
		Risk:           mergeRisk(defaultRisk(), cf.Risk),
		WS:             mergeWS(defaultWS(), cf.WS),
		DataPath:       cf.System.DataPath,
		MetricsPort:    cf.System.MetricsPort,
		LogLevel:       firstNonEmpty(cf.System.LogLevel, common.DefaultLogLevel),
		MLModelPath:    cf.System.MLModelPath,
		MLMinConfidence: cf.System.MLMinConfidence,
	}
	if s.MetricsPort == 0 {
		s.MetricsPort = common.DefaultMetricsPort
	}
	if s.MLMinConfidence == 0 {
		s.MLMinConfidence = common.DefaultMLMinConfidence
	}
	if len(s.Symbols) == 0 {
		s.Symbols = []string{"BTCUSDT"}
	}
	if s.SymbolParams == nil {
		s.SymbolParams = map[string]StrategyParams{}
	}
	return s, nil
}

// applyEnvOverrides layers environment variables on top of a loaded Settings,
// regardless of whether it came from YAML or pure-env defaults, matching the
// teacher's "env wins for anything present" convention.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv(common.EnvActiveProvider); v != "" {
		s.ActiveProvider = v
	}
	if v := os.Getenv(common.EnvActiveMode); v != "" {
		s.ActiveMode = v
	}
	if v := os.Getenv(common.EnvSymbols); v != "" {
		s.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv(common.EnvRESTBaseURL); v != "" {
		s.RESTBaseURL = v
	}
	if v := os.Getenv(common.EnvWsURL); v != "" {
		s.WsURL = v
	}
	if v := os.Getenv(common.EnvScannerURL); v != "" {
		s.ScannerURL = v
	}
	if v := os.Getenv(common.EnvDataPath); v != "" {
		s.DataPath = v
	}
	if v := os.Getenv(common.EnvMetricsPort); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.MetricsPort = i
		}
	}
	if v := os.Getenv(common.EnvLogLevel); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv(common.EnvMLModelPath); v != "" {
		s.MLModelPath = v
	}
	if v := os.Getenv(common.EnvMLMinConfidence); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.MLMinConfidence = f
		}
	}

	if v := os.Getenv(common.EnvAccountBalanceUSD); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Risk.AccountBalanceUSD = f
		}
	}
	if v := os.Getenv(common.EnvDailyLossLimitPct); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Risk.DailyLossLimitPct = f
		}
	}
	if v := os.Getenv(common.EnvMaxExposurePct); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Risk.MaxExposurePerPositionPct = f
		}
	}
	if v := os.Getenv(common.EnvMaxPositions); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.MaxPositions = i
		}
	}
	if v := os.Getenv(common.EnvSymbolMaxLosses); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.SymbolMaxLosses = i
		}
	}
	if v := os.Getenv(common.EnvSymbolCooldownMin); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.SymbolCooldownMinutes = i
		}
	}
	if v := os.Getenv(common.EnvMaxTradesPerHour); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.MaxTradesPerHour = i
		}
	}
	if v := os.Getenv(common.EnvMaxTradesPerMinute); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.MaxTradesPerMinute = i
		}
	}
	if v := os.Getenv(common.EnvMaxConsecutiveErr); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.MaxConsecutiveErrors = i
		}
	}
	if v := os.Getenv(common.EnvErrorWindowMinutes); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Risk.ErrorWindowMinutes = i
		}
	}

	if v := os.Getenv(common.EnvWSSnapshotLevels); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.WS.SnapshotLevels = i
		}
	}
	if v := os.Getenv(common.EnvWSSubscribeRateSec); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.WS.SubscribeRatePerSec = i
		}
	}
	if v := os.Getenv(common.EnvWSVerboseFrames); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.WS.VerboseFrames = b
		}
	}
	if v := os.Getenv(common.EnvWSEnableBruteforce); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.WS.EnableBruteforce = b
		}
	}
}

func mergeParams(base, override StrategyParams) StrategyParams {
	zero := StrategyParams{}
	if override == zero {
		return base
	}
	// YAML-declared params fully replace the default bundle when present,
	// mirroring the teacher's "config wins over built-in default" rule; a
	// present-but-partial YAML bundle is the operator's responsibility.
	return override
}

func mergeRisk(base, override RiskLimits) RiskLimits {
	if override.AccountBalanceUSD != 0 {
		base.AccountBalanceUSD = override.AccountBalanceUSD
	}
	if override.DailyLossLimitPct != 0 {
		base.DailyLossLimitPct = override.DailyLossLimitPct
	}
	if override.MaxExposurePerPositionPct != 0 {
		base.MaxExposurePerPositionPct = override.MaxExposurePerPositionPct
	}
	if override.MaxPositions != 0 {
		base.MaxPositions = override.MaxPositions
	}
	if override.SymbolMaxLosses != 0 {
		base.SymbolMaxLosses = override.SymbolMaxLosses
	}
	if override.SymbolCooldownMinutes != 0 {
		base.SymbolCooldownMinutes = override.SymbolCooldownMinutes
	}
	if override.MaxTradesPerHour != 0 {
		base.MaxTradesPerHour = override.MaxTradesPerHour
	}
	if override.MaxTradesPerMinute != 0 {
		base.MaxTradesPerMinute = override.MaxTradesPerMinute
	}
	if override.MaxConsecutiveErrors != 0 {
		base.MaxConsecutiveErrors = override.MaxConsecutiveErrors
	}
	if override.ErrorWindowMinutes != 0 {
		base.ErrorWindowMinutes = override.ErrorWindowMinutes
	}
	return base
}

func mergeWS(base, override WSSettings) WSSettings {
	if override.SnapshotLevels != 0 {
		base.SnapshotLevels = override.SnapshotLevels
	}
	if override.SubscribeRatePerSec != 0 {
		base.SubscribeRatePerSec = override.SubscribeRatePerSec
	}
	base.VerboseFrames = base.VerboseFrames || override.VerboseFrames
	base.EnableBruteforce = base.EnableBruteforce || override.EnableBruteforce
	return base
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}
