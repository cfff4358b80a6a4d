package metrics

import "github.com/prometheus/client_golang/prometheus"

// MetricsCounter, MetricsGauge, MetricsHistogram let strategy/execution/risk
// packages record metrics without importing prometheus directly.
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

type MetricsHistogram interface {
	Observe(float64)
}

type Counter = MetricsCounter
type Gauge = MetricsGauge
type Histogram = MetricsHistogram

// MetricsWrapper exposes the subset of metrics needed by the strategy engine,
// execution port, and risk manager without those packages importing
// prometheus types directly.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) TradesOpened(symbol string) MetricsCounter {
	return &CounterWrapper{w.m.TradesOpened.WithLabelValues(symbol)}
}

func (w *MetricsWrapper) TradesClosed(reason string) MetricsCounter {
	return &CounterWrapper{w.m.TradesClosed.WithLabelValues(reason)}
}

func (w *MetricsWrapper) PnLTotal() MetricsGauge {
	return &GaugeWrapper{w.m.PnLTotalUSD}
}

func (w *MetricsWrapper) PositionExposure() MetricsGauge {
	return &GaugeWrapper{w.m.PositionExposureUSD}
}

func (w *MetricsWrapper) RiskHalts(reason string) MetricsCounter {
	return &CounterWrapper{w.m.RiskHalts.WithLabelValues(reason)}
}

func (w *MetricsWrapper) UpdatePositions(positions map[string]float64) {
	w.m.UpdatePositions(positions)
}

func (w *MetricsWrapper) ErrorsTotalInc() {
	w.m.ErrorsTotal.Inc()
}

func (w *MetricsWrapper) MLApprovalsInc() {
	w.m.MLApprovals.Inc()
}

func (w *MetricsWrapper) MLRejectionsInc() {
	w.m.MLRejections.Inc()
}

func (w *MetricsWrapper) MLFailuresInc() {
	w.m.MLFailures.Inc()
}

func (w *MetricsWrapper) FramesDecodedInc() {
	w.m.FramesDecoded.Inc()
}

func (w *MetricsWrapper) DecodeErrorsInc(reason string) {
	w.m.DecodeErrors.WithLabelValues(reason).Inc()
}

func (w *MetricsWrapper) GunzipFramesInc() {
	w.m.GunzipFrames.Inc()
}

func (w *MetricsWrapper) WSReconnectsInc() {
	w.m.WSReconnects.Inc()
}

func (w *MetricsWrapper) WSBlockedSeenInc() {
	w.m.WSBlockedSeen.Inc()
}

func (w *MetricsWrapper) WSHeartbeatsInc() {
	w.m.WSHeartbeats.Inc()
}

func (w *MetricsWrapper) TradesReceivedInc() {
	w.m.TradesReceived.Inc()
}

func (w *MetricsWrapper) DepthsReceivedInc() {
	w.m.DepthsReceived.Inc()
}

func (w *MetricsWrapper) BookTickersRecvInc() {
	w.m.BookTickersRecv.Inc()
}

func (w *MetricsWrapper) MMConfidenceSet(symbol string, confidence float64) {
	w.m.MMConfidence.WithLabelValues(symbol).Set(confidence)
}

func (w *MetricsWrapper) MMGoneInc(reason string) {
	w.m.MMGoneTotal.WithLabelValues(reason).Inc()
}

func (w *MetricsWrapper) VWAPCalculationsInc() {
	w.m.VWAPCalculations.Inc()
}

func (w *MetricsWrapper) FeatureErrorsInc() {
	w.m.FeatureErrors.Inc()
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

type HistogramWrapper struct {
	h prometheus.Histogram
}

func (hw *HistogramWrapper) Observe(v float64) {
	hw.h.Observe(v)
}
