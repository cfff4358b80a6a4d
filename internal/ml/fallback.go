package ml

import (
	"math"
	"sync"
)

// FallbackPredictor implements a simple heuristic-based fallback when ML is unavailable
type FallbackPredictor struct {
	mu              sync.RWMutex
	lastPredictions map[string]float64
	windowSize      int
	threshold       float64
}

// NewFallbackPredictor creates a new fallback predictor
func NewFallbackPredictor(windowSize int, threshold float64) *FallbackPredictor {
	return &FallbackPredictor{
		lastPredictions: make(map[string]float64),
		windowSize:      windowSize,
		threshold:       threshold,
	}
}

// Predict scores an entry candidate from its (spread_bps, imbalance,
// buy_pressure) feature vector, the same triple the strategy engine's
// entry filter already computed.
func (p *FallbackPredictor) Predict(features []float32) ([]float32, error) {
	if len(features) < 3 {
		return []float32{1.0, 0.0}, nil // Default to no signal
	}

	spreadBps := float64(features[0])
	imbalance := float64(features[1])
	buyPressure := float64(features[2])

	score := p.calculateScore(spreadBps, imbalance, buyPressure)

	// Convert to probabilities
	prob := sigmoid(score)
	return []float32{1.0 - float32(prob), float32(prob)}, nil
}

// Approve implements PredictorInterface by thresholding the action
// probability Predict would return.
func (p *FallbackPredictor) Approve(features []float32, threshold float64) bool {
	scores, err := p.Predict(features)
	if err != nil || len(scores) < 2 {
		return false
	}
	return float64(scores[1]) >= threshold
}

// calculateScore combines spread, imbalance, and buy-pressure into a single
// signed score: wider spreads (more edge), stronger book imbalance, and
// heavier buy pressure all push the score up. spread_bps is scaled down
// before the tanh squash since it routinely runs 5-100+, which would
// otherwise saturate the term at its sign and discard its magnitude.
func (p *FallbackPredictor) calculateScore(spreadBps, imbalance, buyPressure float64) float64 {
	spreadWeight := 0.3
	imbalanceWeight := 0.4
	pressureWeight := 0.3

	spreadScore := math.Tanh(spreadBps / 50.0)
	imbalanceScore := math.Tanh(imbalance)
	// buy_pressure is a [0,1] fraction; recenter on 0 so 0.5 (balanced) is
	// neutral rather than a constant positive bias.
	pressureScore := math.Tanh((buyPressure - 0.5) * 2)

	score := spreadWeight*spreadScore + imbalanceWeight*imbalanceScore + pressureWeight*pressureScore

	if math.Abs(score) < p.threshold {
		score = 0
	}

	return score
}

// sigmoid converts a score to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// UpdateMetrics updates the predictor's internal metrics
func (p *FallbackPredictor) UpdateMetrics(key string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPredictions[key] = score
}

// GetMetrics returns the current prediction metrics
func (p *FallbackPredictor) GetMetrics() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	metrics := make(map[string]float64)
	for k, v := range p.lastPredictions {
		metrics[k] = v
	}
	return metrics
}

// Reset clears all stored metrics
func (p *FallbackPredictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPredictions = make(map[string]float64)
}
