// Package risk centralizes daily-loss limits, per-symbol cooldowns,
// trade-velocity limits, error-rate halts, and the dynamic stop-loss
// calculation the strategy loop consults before and after every trade.
//
// Trading-hours gating is deliberately left to the caller: the per-symbol
// schedule already lives in cfg.StrategyParams (TradingScheduleEnabled et
// al.), so duplicating it here would give two sources of truth for the same
// setting. The strategy loop passes its own schedule check into
// CanOpenPosition.
package risk

import (
	"fmt"
	"sync"
	"time"

	"mmtrader/internal/cfg"
)

// cooldownEntry records when a symbol's cooldown was placed and when it ends.
type cooldownEntry struct {
	until time.Time
}

// state is the mutable risk ledger, reset once per local calendar day.
type state struct {
	dailyPnLUSD      float64
	dailyTradesCount int
	dailyWins        int
	dayMarker        string // YYYY-MM-DD in local time, drives the daily reset

	tradingHalted bool
	haltReason    string
	haltedAt      time.Time

	currentPositionCount int
	totalExposureUSD      float64

	symbolLossStreaks map[string]int
	cooldowns         map[string]cooldownEntry

	consecutiveErrors int
	errorTimestamps   []time.Time

	tradeTimestamps []time.Time // for velocity checks
}

// Manager is the trading engine's single risk authority. Every entry
// decision flows through CanOpenPosition; every exit result flows through
// TrackTradeResult.
type Manager struct {
	mu     sync.Mutex
	limits cfg.RiskLimits
	st     state
}

// NewManager builds a Manager from the loaded risk configuration.
func NewManager(limits cfg.RiskLimits) *Manager {
	return &Manager{
		limits: limits,
		st: state{
			dayMarker:         todayLocal(),
			symbolLossStreaks: make(map[string]int),
			cooldowns:         make(map[string]cooldownEntry),
		},
	}
}

func todayLocal() string {
	return time.Now().Format("2006-01-02")
}

// DailyLossLimitUSD is the account balance scaled by the configured daily
// loss percentage.
func (m *Manager) DailyLossLimitUSD() float64 {
	return m.limits.AccountBalanceUSD * m.limits.DailyLossLimitPct / 100
}

// MaxPositionSizeUSD is the account balance scaled by the configured
// per-position exposure percentage.
func (m *Manager) MaxPositionSizeUSD() float64 {
	return m.limits.AccountBalanceUSD * m.limits.MaxExposurePerPositionPct / 100
}

// MaxPositions is the configured concurrent-position cap.
func (m *Manager) MaxPositions() int {
	return m.limits.MaxPositions
}

func (m *Manager) resetDailyIfNeeded() {
	today := todayLocal()
	if m.st.dayMarker == today {
		return
	}
	m.st.dayMarker = today
	m.st.dailyPnLUSD = 0
	m.st.dailyTradesCount = 0
	m.st.dailyWins = 0
	m.st.symbolLossStreaks = make(map[string]int)
}

// TrackTradeResult records a closed trade's PnL, rolls the daily reset if a
// new local day has begun, and applies the daily-loss and symbol-loss-streak
// checks.
func (m *Manager) TrackTradeResult(symbol string, pnlUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetDailyIfNeeded()

	m.st.dailyPnLUSD += pnlUSD
	m.st.dailyTradesCount++
	if pnlUSD > 0 {
		m.st.dailyWins++
		m.st.symbolLossStreaks[symbol] = 0
	} else if pnlUSD < 0 {
		m.st.symbolLossStreaks[symbol]++
	}
	m.st.tradeTimestamps = append(m.st.tradeTimestamps, time.Now())

	m.checkDailyLossLimit()
	if pnlUSD < 0 {
		m.checkSymbolLossStreak(symbol)
	}
}

// checkDailyLossLimit halts trading once the daily loss limit is breached.
// Caller must hold m.mu.
func (m *Manager) checkDailyLossLimit() {
	limit := m.DailyLossLimitUSD()
	if m.st.dailyPnLUSD <= -limit {
		m.haltLocked("daily_loss_limit")
	}
}

// checkSymbolLossStreak puts a symbol on cooldown once it strings together
// enough consecutive losses. Caller must hold m.mu.
func (m *Manager) checkSymbolLossStreak(symbol string) {
	if m.st.symbolLossStreaks[symbol] >= m.limits.SymbolMaxLosses {
		until := time.Now().Add(time.Duration(m.limits.SymbolCooldownMinutes) * time.Minute)
		m.st.cooldowns[symbol] = cooldownEntry{until: until}
	}
}

// CanOpenPosition runs the entry gate in priority order: halted, cooldown,
// trading hours (caller-supplied), position count, position size, velocity.
func (m *Manager) CanOpenPosition(symbol string, sizeUSD float64, tradingHoursOK bool) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.tradingHalted {
		return false, fmt.Sprintf("trading halted: %s", m.st.haltReason)
	}
	if remaining, onCooldown := m.cooldownRemainingLocked(symbol); onCooldown {
		return false, fmt.Sprintf("symbol on cooldown (%ds remaining)", remaining)
	}
	if !tradingHoursOK {
		return false, "outside trading hours"
	}
	if m.st.currentPositionCount >= m.limits.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d)", m.limits.MaxPositions)
	}
	maxSize := m.MaxPositionSizeUSD()
	if sizeUSD > maxSize {
		return false, fmt.Sprintf("position too large ($%.2f > $%.2f)", sizeUSD, maxSize)
	}
	if !m.velocityOKLocked() {
		hour, minute := m.tradesInWindowLocked(time.Hour), m.tradesInWindowLocked(time.Minute)
		return false, fmt.Sprintf("velocity limit (hour:%d, min:%d)", hour, minute)
	}
	return true, "OK"
}

func (m *Manager) velocityOKLocked() bool {
	if m.tradesInWindowLocked(time.Hour) >= m.limits.MaxTradesPerHour {
		return false
	}
	if m.tradesInWindowLocked(time.Minute) >= m.limits.MaxTradesPerMinute {
		return false
	}
	return true
}

func (m *Manager) tradesInWindowLocked(window time.Duration) int {
	cutoff := time.Now().Add(-window)
	count := 0
	for _, ts := range m.st.tradeTimestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// HaltTrading stops all new entries, recording why.
func (m *Manager) HaltTrading(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked(reason)
}

func (m *Manager) haltLocked(reason string) {
	m.st.tradingHalted = true
	m.st.haltReason = reason
	m.st.haltedAt = time.Now()
}

// ResumeTrading clears a halt.
func (m *Manager) ResumeTrading() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.tradingHalted = false
	m.st.haltReason = ""
}

// IsTradingAllowed reports whether the manager currently permits trading,
// independent of the caller's own trading-hours check.
func (m *Manager) IsTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.st.tradingHalted
}

// IsSymbolOnCooldown reports whether a symbol is currently cooling down.
func (m *Manager) IsSymbolOnCooldown(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, onCooldown := m.cooldownRemainingLocked(symbol)
	return onCooldown
}

func (m *Manager) cooldownRemainingLocked(symbol string) (remainingSec int, onCooldown bool) {
	entry, ok := m.st.cooldowns[symbol]
	if !ok {
		return 0, false
	}
	remaining := time.Until(entry.until)
	if remaining <= 0 {
		delete(m.st.cooldowns, symbol)
		return 0, false
	}
	return int(remaining.Seconds()), true
}

// ClearCooldown removes a symbol's cooldown, if any.
func (m *Manager) ClearCooldown(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.st.cooldowns, symbol)
}

// TrackError records a system error and halts trading once the number of
// errors within the configured window reaches the threshold.
func (m *Manager) TrackError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.st.errorTimestamps = append(m.st.errorTimestamps, now)
	m.st.consecutiveErrors++

	window := time.Duration(m.limits.ErrorWindowMinutes) * time.Minute
	cutoff := now.Add(-window)
	inWindow := 0
	for _, ts := range m.st.errorTimestamps {
		if ts.After(cutoff) {
			inWindow++
		}
	}

	if inWindow >= m.limits.MaxConsecutiveErrors {
		m.haltLocked("excessive_errors")
	}
}

// TrackSuccess clears the consecutive-error counter after a clean operation.
func (m *Manager) TrackSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.consecutiveErrors = 0
}

// EmergencyStop halts trading immediately with halt reason "emergency_stop".
// Flattening open positions is the caller's responsibility (the execution
// port), so the risk manager stays free of a dependency on it.
func (m *Manager) EmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked("emergency_stop")
}

// UpdatePositionCount lets the strategy engine report how many positions are
// currently open, consulted by CanOpenPosition.
func (m *Manager) UpdatePositionCount(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.currentPositionCount = count
}

// UpdateTotalExposure records the engine's current aggregate exposure.
func (m *Manager) UpdateTotalExposure(exposureUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.totalExposureUSD = exposureUSD
}

// UpdateBalance rescales every percentage-based limit against a new account
// balance, e.g. after a deposit or withdrawal.
func (m *Manager) UpdateBalance(balanceUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits.AccountBalanceUSD = balanceUSD
}

// Status is a point-in-time snapshot of the risk manager, suitable for a
// status endpoint or log line.
type Status struct {
	TradingAllowed       bool
	TradingHalted        bool
	HaltReason           string
	DailyPnLUSD          float64
	DailyLossLimitUSD    float64
	DailyTrades          int
	WinRatePct           float64
	CurrentPositions     int
	MaxPositions         int
	MaxPositionSizeUSD   float64
	TotalExposureUSD     float64
	TradesLastHour       int
	TradesLastMinute     int
	ConsecutiveErrors    int
}

// GetStatus snapshots the manager's current risk posture.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	winRate := 0.0
	if m.st.dailyTradesCount > 0 {
		winRate = float64(m.st.dailyWins) / float64(m.st.dailyTradesCount) * 100
	}

	return Status{
		TradingAllowed:     !m.st.tradingHalted,
		TradingHalted:      m.st.tradingHalted,
		HaltReason:         m.st.haltReason,
		DailyPnLUSD:        m.st.dailyPnLUSD,
		DailyLossLimitUSD:  m.DailyLossLimitUSD(),
		DailyTrades:        m.st.dailyTradesCount,
		WinRatePct:         winRate,
		CurrentPositions:   m.st.currentPositionCount,
		MaxPositions:       m.limits.MaxPositions,
		MaxPositionSizeUSD: m.MaxPositionSizeUSD(),
		TotalExposureUSD:   m.st.totalExposureUSD,
		TradesLastHour:     m.tradesInWindowLocked(time.Hour),
		TradesLastMinute:   m.tradesInWindowLocked(time.Minute),
		ConsecutiveErrors:  m.st.consecutiveErrors,
	}
}
