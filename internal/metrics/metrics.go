// Package metrics provides Prometheus metrics collection for the trading
// engine. It defines and manages the counters and gauges exposed
// via the /metrics endpoint, covering the envelope decoder, book/tape
// trackers, WS client, MM detector, strategy engine, risk manager, and
// execution port named in SPEC_FULL.md §6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// Envelope decoder (§4.1)
	FramesDecoded    prometheus.Counter
	DecodeErrors     *prometheus.CounterVec // by reason
	GunzipFrames     prometheus.Counter

	// WS client (§4.4)
	WSReconnects    prometheus.Counter
	WSBlockedSeen   prometheus.Counter
	WSHeartbeats    prometheus.Counter
	TradesReceived  prometheus.Counter
	DepthsReceived  prometheus.Counter
	BookTickersRecv prometheus.Counter

	// MM detector (§4.5)
	MMConfidence *prometheus.GaugeVec // by symbol
	MMGoneTotal  *prometheus.CounterVec // by reason

	// Feature calculation (book/tape/enhanced tracker)
	VWAPCalculations prometheus.Counter
	FeatureErrors    prometheus.Counter

	// Strategy engine (§4.8)
	TradesOpened *prometheus.CounterVec // by symbol
	TradesClosed *prometheus.CounterVec // by exit reason
	PnLTotalUSD  prometheus.Gauge
	ActivePositions prometheus.Gauge
	PositionExposureUSD prometheus.Gauge

	// Risk manager (§4.9)
	RiskHalts  *prometheus.CounterVec // by reason
	ErrorsTotal prometheus.Counter

	// ML predictor (§9)
	MLApprovals prometheus.Counter
	MLRejections prometheus.Counter
	MLFailures  prometheus.Counter
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry, useful for tests
// that must not pollute the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "frames_decoded_total",
			Help: "Total number of envelope frames successfully decoded",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_errors_total",
			Help: "Total number of envelope decode failures by reason",
		}, []string{"reason"}),
		GunzipFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gunzip_frames_total",
			Help: "Total number of inbound frames that were gzip-wrapped",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of WebSocket reconnections",
		}),
		WSBlockedSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_blocked_seen_total",
			Help: "Total number of 'Blocked!' subscription acks seen",
		}),
		WSHeartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_heartbeats_total",
			Help: "Total number of application-level pings sent",
		}),
		TradesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "trades_received_total",
			Help: "Total number of trade messages received",
		}),
		DepthsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "depths_received_total",
			Help: "Total number of depth messages received",
		}),
		BookTickersRecv: factory.NewCounter(prometheus.CounterOpts{
			Name: "book_tickers_received_total",
			Help: "Total number of book-ticker messages received",
		}),
		MMConfidence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_pattern_confidence",
			Help: "Current MM pattern confidence per symbol",
		}, []string{"symbol"}),
		MMGoneTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_gone_total",
			Help: "Total number of MM-gone signals by reason",
		}, []string{"reason"}),
		VWAPCalculations: factory.NewCounter(prometheus.CounterOpts{
			Name: "vwap_calculations_total",
			Help: "Total number of VWAP calculations performed",
		}),
		FeatureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_errors_total",
			Help: "Total number of feature calculation errors",
		}),
		TradesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trades_opened_total",
			Help: "Total number of positions opened by symbol",
		}, []string{"symbol"}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trades_closed_total",
			Help: "Total number of positions closed by exit reason",
		}, []string{"reason"}),
		PnLTotalUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnl_total_usd",
			Help: "Current realized daily PnL in USD",
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of symbols currently holding an open position",
		}),
		PositionExposureUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "position_exposure_usd",
			Help: "Current total position exposure in USD",
		}),
		RiskHalts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_halts_total",
			Help: "Total number of trading halts by reason",
		}, []string{"reason"}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
		MLApprovals: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_approvals_total",
			Help: "Total number of entries approved by the ML filter",
		}),
		MLRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_rejections_total",
			Help: "Total number of entries rejected by the ML filter",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of ML predictor failures (fail-open)",
		}),
	}
}

// UpdatePositions updates the active positions gauge from a symbol->qty map.
func (m *Metrics) UpdatePositions(positions map[string]float64) {
	count := 0
	for _, qty := range positions {
		if qty > 0 {
			count++
		}
	}
	m.ActivePositions.Set(float64(count))
}

// GetErrorRate returns errors/trades-closed as gathered from the default
// Prometheus gatherer (not a registry passed to NewWithRegistry). The risk
// manager does not call it; its error halt uses its own in-memory sliding
// window.
func (m *Metrics) GetErrorRate() float64 {
	var totalClosed, totalErrors float64

	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "trades_closed_total":
			for _, mm := range mf.Metric {
				totalClosed += mm.GetCounter().GetValue()
			}
		case "errors_total":
			for _, mm := range mf.Metric {
				totalErrors = mm.GetCounter().GetValue()
			}
		}
	}

	if totalClosed == 0 {
		return 0
	}
	return totalErrors / totalClosed
}
