package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWrapper(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)
	wrapper := NewWrapper(m)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != m {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestMetricsWrapper_TradesOpenedAndClosed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)
	wrapper := NewWrapper(m)

	opened := wrapper.TradesOpened("BTCUSDT")
	opened.Inc()
	opened.Inc()
	if v := testutil.ToFloat64(m.TradesOpened.WithLabelValues("BTCUSDT")); v != 2 {
		t.Errorf("expected 2 trades opened, got %f", v)
	}

	closed := wrapper.TradesClosed("take_profit")
	closed.Inc()
	if v := testutil.ToFloat64(m.TradesClosed.WithLabelValues("take_profit")); v != 1 {
		t.Errorf("expected 1 trade closed, got %f", v)
	}
}

func TestMetricsWrapper_GaugeOperations(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(m)

	pnlGauge := wrapper.PnLTotal()
	pnlGauge.Set(123.45)
	if v := testutil.ToFloat64(m.PnLTotalUSD); v != 123.45 {
		t.Errorf("expected gauge value 123.45, got %f", v)
	}

	pnlGauge.Add(10.55)
	if v := testutil.ToFloat64(m.PnLTotalUSD); v != 123.45+10.55 {
		t.Errorf("expected gauge value after add, got %f", v)
	}

	pnlGauge.Add(-20.0)
	expected := 123.45 + 10.55 - 20.0
	if v := testutil.ToFloat64(m.PnLTotalUSD); v != expected {
		t.Errorf("expected gauge value %f after negative add, got %f", expected, v)
	}

	exposureGauge := wrapper.PositionExposure()
	exposureGauge.Set(500.0)
	if v := testutil.ToFloat64(m.PositionExposureUSD); v != 500.0 {
		t.Errorf("expected exposure 500.0, got %f", v)
	}
}

func TestMetricsWrapper_UpdatePositions(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(m)

	positions := map[string]float64{
		"BTCUSDT": 0.5,
		"ETHUSDT": -0.3,
		"ADAUSDT": 0.0,
	}

	wrapper.UpdatePositions(positions)

	activeCount := testutil.ToFloat64(m.ActivePositions)
	if activeCount != 2.0 {
		t.Errorf("expected 2 active positions, got %f", activeCount)
	}
}

func TestMetricsWrapper_RiskHalts(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(m)

	wrapper.RiskHalts("daily_loss_limit").Inc()
	if v := testutil.ToFloat64(m.RiskHalts.WithLabelValues("daily_loss_limit")); v != 1 {
		t.Errorf("expected 1 risk halt, got %f", v)
	}
}

func TestMetricsWrapper_MMSignals(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(m)

	wrapper.MMConfidenceSet("BTCUSDT", 0.82)
	if v := testutil.ToFloat64(m.MMConfidence.WithLabelValues("BTCUSDT")); v != 0.82 {
		t.Errorf("expected confidence 0.82, got %f", v)
	}

	wrapper.MMGoneInc("3x_spread")
	if v := testutil.ToFloat64(m.MMGoneTotal.WithLabelValues("3x_spread")); v != 1 {
		t.Errorf("expected 1 mm-gone signal, got %f", v)
	}
}

func TestMetricsWrapper_EnvelopeAndTransport(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(m)

	wrapper.FramesDecodedInc()
	wrapper.DecodeErrorsInc("unresolved_field")
	wrapper.GunzipFramesInc()
	wrapper.WSReconnectsInc()
	wrapper.WSBlockedSeenInc()
	wrapper.WSHeartbeatsInc()
	wrapper.TradesReceivedInc()
	wrapper.DepthsReceivedInc()
	wrapper.BookTickersRecvInc()
	wrapper.VWAPCalculationsInc()
	wrapper.FeatureErrorsInc()
	wrapper.ErrorsTotalInc()
	wrapper.MLApprovalsInc()
	wrapper.MLRejectionsInc()
	wrapper.MLFailuresInc()

	if v := testutil.ToFloat64(m.FramesDecoded); v != 1 {
		t.Errorf("expected 1 frame decoded, got %f", v)
	}
	if v := testutil.ToFloat64(m.DecodeErrors.WithLabelValues("unresolved_field")); v != 1 {
		t.Errorf("expected 1 decode error, got %f", v)
	}
	if v := testutil.ToFloat64(m.GunzipFrames); v != 1 {
		t.Errorf("expected 1 gunzip frame, got %f", v)
	}
	if v := testutil.ToFloat64(m.WSReconnects); v != 1 {
		t.Errorf("expected 1 reconnect, got %f", v)
	}
	if v := testutil.ToFloat64(m.MLApprovals); v != 1 {
		t.Errorf("expected 1 ML approval, got %f", v)
	}
	if v := testutil.ToFloat64(m.MLFailures); v != 1 {
		t.Errorf("expected 1 ML failure, got %f", v)
	}
}

func TestCounterWrapper_DirectUsage(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter for unit tests",
	})

	wrapper := &CounterWrapper{c: counter}

	wrapper.Inc()
	if v := testutil.ToFloat64(counter); v != 1 {
		t.Errorf("expected counter value 1, got %f", v)
	}
}

func TestGaugeWrapper_DirectUsage(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge for unit tests",
	})

	wrapper := &GaugeWrapper{g: gauge}

	wrapper.Set(42.0)
	if v := testutil.ToFloat64(gauge); v != 42.0 {
		t.Errorf("expected gauge value 42.0, got %f", v)
	}

	wrapper.Add(8.0)
	if v := testutil.ToFloat64(gauge); v != 50.0 {
		t.Errorf("expected gauge value 50.0 after add, got %f", v)
	}
}

func TestHistogramWrapper_DirectUsage(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "Test histogram for unit tests",
		Buckets: prometheus.DefBuckets,
	})

	wrapper := &HistogramWrapper{h: histogram}
	wrapper.Observe(0.5)
}

func TestMetricsWrapper_ConcurrentAccess(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(m)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				wrapper.MLApprovalsInc()
				wrapper.FeatureErrorsInc()
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	approvals := testutil.ToFloat64(m.MLApprovals)
	featureErrors := testutil.ToFloat64(m.FeatureErrors)

	expected := 1000.0
	if approvals != expected {
		t.Errorf("expected %f approvals after concurrent access, got %f", expected, approvals)
	}
	if featureErrors != expected {
		t.Errorf("expected %f feature errors after concurrent access, got %f", expected, featureErrors)
	}
}

func TestGetErrorRate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	if rate := m.GetErrorRate(); rate != 0 {
		t.Errorf("expected 0 error rate with no trades, got %f", rate)
	}
}
