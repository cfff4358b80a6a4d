package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mmtrader/internal/marketdata"
	"mmtrader/internal/strategy"
)

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	// Check if database file was created
	dbPath := filepath.Join(tempDir, "mmtrader-data.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	// Try to create store in non-existent directory without permissions
	invalidPath := "/root/nonexistent/path"

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Error closing store: %v", err)
	}

	// Test closing already closed store
	err = store.Close()
	if err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	err := store.Close()
	if err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestStoreTrade(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	trade := marketdata.Trade{
		Symbol: "BTCUSDT",
		Price:  50000.00,
		Qty:    0.001,
		TsMs:   time.Now().UnixMilli(),
	}

	err = store.StoreTrade(trade)
	if err != nil {
		t.Errorf("Failed to store trade: %v", err)
	}
}

func TestStoreDepth(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	depth := marketdata.Depth{
		Symbol:    "BTCUSDT",
		BidVol:    1.5, // Total bid volume
		AskVol:    1.1, // Total ask volume
		LastPrice: 50000.0,
		Ts:        time.Now(),
	}

	err = store.StoreDepth(depth)
	if err != nil {
		t.Errorf("Failed to store depth: %v", err)
	}
}

func TestGetTrades(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	trades := []marketdata.Trade{
		{
			Symbol: "BTCUSDT",
			Price:  50000.00,
			Qty:    0.001,
			TsMs:   now.UnixMilli(),
		},
		{
			Symbol: "BTCUSDT",
			Price:  50010.00,
			Qty:    0.002,
			TsMs:   now.Add(time.Second).UnixMilli(),
		},
		{
			Symbol: "ETHUSDT",
			Price:  3000.00,
			Qty:    0.1,
			TsMs:   now.Add(2 * time.Second).UnixMilli(),
		},
		{
			Symbol: "BTCUSDT",
			Price:  49990.00,
			Qty:    0.003,
			TsMs:   now.Add(10 * time.Second).UnixMilli(), // Outside range
		},
	}

	// Store all trades
	for _, trade := range trades {
		err = store.StoreTrade(trade)
		if err != nil {
			t.Fatalf("Failed to store trade: %v", err)
		}
	}

	// Retrieve trades for BTCUSDT within 5 seconds
	start := now.Add(-time.Second)
	end := now.Add(5 * time.Second)
	retrievedTrades, err := store.GetTrades("BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("Failed to get trades: %v", err)
	}

	// Should get only the first 2 BTCUSDT trades
	expectedCount := 2
	if len(retrievedTrades) != expectedCount {
		t.Errorf("Expected %d trades, got %d", expectedCount, len(retrievedTrades))
	}

	// Check first trade
	if len(retrievedTrades) > 0 {
		if retrievedTrades[0].Symbol != "BTCUSDT" {
			t.Errorf("Expected symbol BTCUSDT, got %s", retrievedTrades[0].Symbol)
		}
		if retrievedTrades[0].Price != 50000.00 {
			t.Errorf("Expected price 50000.00, got %f", retrievedTrades[0].Price)
		}
	}
}

func TestGetTrades_EmptyResult(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	start := now.Add(-time.Hour)
	end := now.Add(-30 * time.Minute)

	trades, err := store.GetTrades("BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("Failed to get trades: %v", err)
	}

	if len(trades) != 0 {
		t.Errorf("Expected empty result, got %d trades", len(trades))
	}
}

func TestGetDepths(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	depths := []marketdata.Depth{
		{
			Symbol:    "BTCUSDT",
			BidVol:    0.5,
			AskVol:    0.3,
			LastPrice: 50000.0,
			Ts:        now,
		},
		{
			Symbol:    "BTCUSDT",
			BidVol:    0.7,
			AskVol:    0.4,
			LastPrice: 50025.0,
			Ts:        now.Add(time.Second),
		},
	}

	// Store depths
	for _, depth := range depths {
		err = store.StoreDepth(depth)
		if err != nil {
			t.Fatalf("Failed to store depth: %v", err)
		}
	}

	// Retrieve depths
	start := now.Add(-time.Second)
	end := now.Add(5 * time.Second)
	retrievedDepths, err := store.GetDepths("BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("Failed to get depths: %v", err)
	}

	expectedCount := 2
	if len(retrievedDepths) != expectedCount {
		t.Errorf("Expected %d depths, got %d", expectedCount, len(retrievedDepths))
	}

	// Check first depth
	if len(retrievedDepths) > 0 {
		if retrievedDepths[0].Symbol != "BTCUSDT" {
			t.Errorf("Expected symbol BTCUSDT, got %s", retrievedDepths[0].Symbol)
		}
		if retrievedDepths[0].BidVol != 0.5 {
			t.Errorf("Expected bid volume 0.5, got %f", retrievedDepths[0].BidVol)
		}
	}
}

func TestRecordTradeOutcome(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	outcome := strategy.TradeOutcome{
		Symbol:     "BTCUSDT",
		EntryPrice: 50000.0,
		ExitPrice:  50100.0,
		Qty:        0.01,
		SizeUSD:    500.0,
		PnLUSD:     1.0,
		PnLBps:     20.0,
		Reason:     strategy.ReasonTrailMarket,
		EntryTime:  time.Now().Add(-time.Minute),
		ExitTime:   time.Now(),
	}

	if err := store.RecordTradeOutcome(outcome); err != nil {
		t.Errorf("Failed to record trade outcome: %v", err)
	}
}

func TestGetOutcomes(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	outcomes := []strategy.TradeOutcome{
		{Symbol: "BTCUSDT", EntryPrice: 50000, ExitPrice: 50100, Reason: strategy.ReasonHardSL, EntryTime: now.Add(-time.Minute), ExitTime: now},
		{Symbol: "BTCUSDT", EntryPrice: 50100, ExitPrice: 50050, Reason: strategy.ReasonMMGone, EntryTime: now, ExitTime: now.Add(time.Second)},
		{Symbol: "ETHUSDT", EntryPrice: 3000, ExitPrice: 3010, Reason: strategy.ReasonWindowClose, EntryTime: now, ExitTime: now.Add(2 * time.Second)},
		{Symbol: "BTCUSDT", EntryPrice: 50050, ExitPrice: 50200, Reason: strategy.ReasonTrailExpired, EntryTime: now, ExitTime: now.Add(10 * time.Second)}, // outside range
	}

	for _, o := range outcomes {
		if err := store.RecordTradeOutcome(o); err != nil {
			t.Fatalf("Failed to record outcome: %v", err)
		}
	}

	start := now.Add(-time.Second)
	end := now.Add(5 * time.Second)
	retrieved, err := store.GetOutcomes("BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("Failed to get outcomes: %v", err)
	}

	if len(retrieved) != 2 {
		t.Errorf("Expected 2 outcomes, got %d", len(retrieved))
	}
}

func TestRecordFeatures(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	sample := strategy.FeatureSample{
		Symbol:      "BTCUSDT",
		Timestamp:   time.Now(),
		SpreadBps:   6.5,
		Imbalance:   0.2,
		BuyPressure: 0.6,
		Score:       0.71,
		Approved:    true,
	}

	if err := store.RecordFeatures(sample); err != nil {
		t.Errorf("Failed to record features: %v", err)
	}
}

func TestGetFeaturesInRange(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	samples := []strategy.FeatureSample{
		{Symbol: "BTCUSDT", Timestamp: now, SpreadBps: 6.0, Imbalance: 0.1, BuyPressure: 0.55, Score: 0.6, Approved: true},
		{Symbol: "BTCUSDT", Timestamp: now.Add(time.Second), SpreadBps: 8.0, Imbalance: -0.1, BuyPressure: 0.4, Score: 0.3, Approved: false},
		{Symbol: "ETHUSDT", Timestamp: now.Add(2 * time.Second), SpreadBps: 5.0, Imbalance: 0.3, BuyPressure: 0.7, Score: 0.8, Approved: true},
		{Symbol: "BTCUSDT", Timestamp: now.Add(10 * time.Second), SpreadBps: 7.0, Imbalance: 0.2, BuyPressure: 0.5, Score: 0.5, Approved: true}, // outside range
	}

	for _, s := range samples {
		if err := store.RecordFeatures(s); err != nil {
			t.Fatalf("Failed to record feature sample: %v", err)
		}
	}

	start := now.Add(-time.Second)
	end := now.Add(5 * time.Second)
	retrieved, err := store.GetFeaturesInRange("BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("Failed to get features: %v", err)
	}

	expectedCount := 2
	if len(retrieved) != expectedCount {
		t.Errorf("Expected %d features, got %d", expectedCount, len(retrieved))
	}

	if len(retrieved) > 0 {
		if retrieved[0].Symbol != "BTCUSDT" {
			t.Errorf("Expected symbol BTCUSDT, got %s", retrieved[0].Symbol)
		}
		if retrieved[0].SpreadBps != 6.0 {
			t.Errorf("Expected spread_bps 6.0, got %f", retrieved[0].SpreadBps)
		}
	}
}

func TestGetFeaturesInRange_NoBucket(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)

	// Try to get features when no features bucket exists
	features, err := store.GetFeaturesInRange("BTCUSDT", start, end)
	if err != nil {
		t.Fatalf("Failed to get features: %v", err)
	}

	if len(features) != 0 {
		t.Errorf("Expected empty result when no bucket exists, got %d features", len(features))
	}
}

func TestHasPrefix(t *testing.T) {
	testCases := []struct {
		data     []byte
		prefix   []byte
		expected bool
	}{
		{[]byte("BTCUSDT_123456"), []byte("BTCUSDT_"), true},
		{[]byte("ETHUSDT_789012"), []byte("BTCUSDT_"), false},
		{[]byte("BTC"), []byte("BTCUSDT_"), false},
		{[]byte(""), []byte("BTCUSDT_"), false},
		{[]byte("BTCUSDT_123456"), []byte(""), true},
	}

	for _, tc := range testCases {
		result := hasPrefix(tc.data, tc.prefix)
		if result != tc.expected {
			t.Errorf("hasPrefix(%q, %q) = %v, expected %v", tc.data, tc.prefix, result, tc.expected)
		}
	}
}

func TestCompareKeys(t *testing.T) {
	testCases := []struct {
		a        []byte
		b        []byte
		expected int
	}{
		{[]byte("BTCUSDT_123456"), []byte("BTCUSDT_123456"), 0},
		{[]byte("BTCUSDT_123456"), []byte("BTCUSDT_123457"), -1},
		{[]byte("BTCUSDT_123457"), []byte("BTCUSDT_123456"), 1},
		{[]byte("BTCUSDT_"), []byte("ETHUSDT_"), -1},
		{[]byte("ETHUSDT_"), []byte("BTCUSDT_"), 1},
	}

	for _, tc := range testCases {
		result := compareKeys(tc.a, tc.b)
		if (result < 0 && tc.expected >= 0) || (result > 0 && tc.expected <= 0) || (result == 0 && tc.expected != 0) {
			t.Errorf("compareKeys(%q, %q) = %v, expected %v", tc.a, tc.b, result, tc.expected)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	// Test concurrent reads and writes
	done := make(chan bool, 10)

	for i := 0; i < 5; i++ {
		go func(id int) {
			now := time.Now()
			for j := 0; j < 10; j++ {
				trade := marketdata.Trade{
					Symbol: "BTCUSDT",
					Price:  50000.00,
					Qty:    0.001,
					TsMs:   now.Add(time.Duration(j) * time.Millisecond).UnixMilli(),
				}
				store.StoreTrade(trade)

				sample := strategy.FeatureSample{
					Symbol:      "BTCUSDT",
					Timestamp:   now.Add(time.Duration(j) * time.Millisecond),
					SpreadBps:   6.0,
					Imbalance:   0.1,
					BuyPressure: 0.5,
					Score:       0.6,
					Approved:    true,
				}
				store.RecordFeatures(sample)
			}
			done <- true
		}(i)
	}

	for i := 0; i < 5; i++ {
		go func(id int) {
			now := time.Now()
			for j := 0; j < 10; j++ {
				start := now.Add(-time.Second)
				end := now.Add(time.Second)
				store.GetTrades("BTCUSDT", start, end)
				store.GetFeaturesInRange("BTCUSDT", start, end)
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}
}

func BenchmarkStoreTrade(b *testing.B) {
	tempDir := b.TempDir()
	store, err := New(tempDir)
	if err != nil {
		b.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	// Pre-allocate timestamps to avoid allocation in hot loop
	baseTime := time.Now()
	trades := make([]marketdata.Trade, b.N)
	for i := 0; i < b.N; i++ {
		trades[i] = marketdata.Trade{
			Symbol: "BTCUSDT",
			Price:  50000.00,
			Qty:    0.001,
			TsMs:   baseTime.Add(time.Duration(i) * time.Nanosecond).UnixMilli(),
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.StoreTrade(trades[i])
	}
}

func BenchmarkStoreFeatures(b *testing.B) {
	tempDir := b.TempDir()
	store, err := New(tempDir)
	if err != nil {
		b.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	// Pre-allocate samples to avoid allocation in hot loop
	baseTime := time.Now()
	samples := make([]strategy.FeatureSample, b.N)
	for i := 0; i < b.N; i++ {
		samples[i] = strategy.FeatureSample{
			Symbol:      "BTCUSDT",
			Timestamp:   baseTime.Add(time.Duration(i) * time.Nanosecond),
			SpreadBps:   6.0,
			Imbalance:   0.1,
			BuyPressure: 0.5,
			Score:       0.6,
			Approved:    true,
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.RecordFeatures(samples[i])
	}
}
