package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"mmtrader/internal/strategy"

	"go.etcd.io/bbolt"
)

const featuresBucket = "features"

// FeatureRecord is one ML-filter evaluation persisted for offline analysis:
// the entry-filter inputs the fallback heuristic (or a future trained
// model) scored, and the approval decision it produced.
type FeatureRecord struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	SpreadBps   float64   `json:"spread_bps"`
	Imbalance   float64   `json:"imbalance"`
	BuyPressure float64   `json:"buy_pressure"`
	Score       float64   `json:"score"`
	Approved    bool      `json:"approved"`
}

// RecordFeatures stores one ML-filter evaluation, satisfying
// strategy.FeatureRecorder.
func (s *Store) RecordFeatures(sample strategy.FeatureSample) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(featuresBucket))
		if err != nil {
			return fmt.Errorf("create features bucket: %w", err)
		}

		record := FeatureRecord{
			Symbol:      sample.Symbol,
			Timestamp:   sample.Timestamp,
			SpreadBps:   sample.SpreadBps,
			Imbalance:   sample.Imbalance,
			BuyPressure: sample.BuyPressure,
			Score:       sample.Score,
			Approved:    sample.Approved,
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal feature record: %w", err)
		}

		key := fmt.Sprintf("%s_%d", record.Symbol, record.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// GetFeaturesInRange returns features within a time range, for comparing
// the approval heuristic's historical decisions against realized outcomes.
func (s *Store) GetFeaturesInRange(symbol string, start, end time.Time) ([]FeatureRecord, error) {
	var features []FeatureRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(featuresBucket))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		prefix := []byte(symbol + "_")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var feature FeatureRecord
			if err := json.Unmarshal(v, &feature); err != nil {
				continue
			}

			if feature.Timestamp.After(start) && feature.Timestamp.Before(end) {
				features = append(features, feature)
			}
		}
		return nil
	})

	return features, err
}
