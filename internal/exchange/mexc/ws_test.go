package mexc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mmtrader/internal/marketdata"

	"github.com/gorilla/websocket"
)

func TestBuildTopic_Default(t *testing.T) {
	topic := buildTopic(defaultStyle(), channelBookTicker, "BTCUSDT", 10)
	if topic != "spot@public.aggre.bookTicker.v3.api.pb@100ms@BTCUSDT" {
		t.Errorf("unexpected topic: %s", topic)
	}
}

func TestBuildTopic_DepthIncludesLevels(t *testing.T) {
	topic := buildTopic(defaultStyle(), channelDepth, "ETHUSDT", 20)
	if !strings.HasSuffix(topic, "@ETHUSDT@20") {
		t.Errorf("expected depth topic to end with levels, got %s", topic)
	}
}

func TestTopicStyle_Downgrade(t *testing.T) {
	style := defaultStyle()
	if !style.downgrade() {
		t.Fatal("expected first downgrade to succeed")
	}
	if style.rateSuffix != "" {
		t.Errorf("expected rate suffix dropped first, got %q", style.rateSuffix)
	}
	if !style.downgrade() {
		t.Fatal("expected second downgrade to succeed")
	}
	if style.aggregated {
		t.Error("expected aggregated prefix dropped on second downgrade")
	}
	if style.downgrade() {
		t.Error("expected no further downgrade once fully degraded")
	}
}

func TestBuildTopics_ThreePerSymbol(t *testing.T) {
	topics := buildTopics([]string{"BTCUSDT", "ETHUSDT"}, defaultStyle(), 10)
	if len(topics) != 6 {
		t.Fatalf("expected 3 topics per symbol, got %d", len(topics))
	}
}

func TestShardSymbols_CapsAtMaxTopicsPerConn(t *testing.T) {
	symbols := make([]string, 25)
	for i := range symbols {
		symbols[i] = "SYM"
	}
	shards := shardSymbols(symbols, 30)
	for _, s := range shards {
		if len(s)*3 > 30 {
			t.Errorf("shard of %d symbols exceeds topic cap", len(s))
		}
	}
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	if total != len(symbols) {
		t.Errorf("expected all symbols sharded, got %d of %d", total, len(symbols))
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestSubscribe_PacesAtConfiguredRate(t *testing.T) {
	received := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received <- struct{}{}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sh := &shard{symbols: []string{"BTCUSDT"}, style: defaultStyle(), ws: &WS{snapshotLevels: 10, subscribeRate: 1000}}
	start := time.Now()
	if err := sh.subscribe(conn, 1000); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscribe messages")
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("subscribe took unexpectedly long at a high rate limit")
	}
}

func TestConnectOnce_ReturnsCleanlyOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	w := NewWS(wsURL, 10, 1000, noopSink{})
	sh := &shard{ws: w, symbols: []string{"BTCUSDT"}, style: defaultStyle()}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := sh.connectOnce(ctx)
	if err != nil {
		t.Fatalf("expected clean exit on context cancellation, got %v", err)
	}
}

type noopSink struct{}

func (noopSink) OnBookTicker(symbol string, bid, bidQty, ask, askQty float64, tsMs int64) {}
func (noopSink) OnTrade(t marketdata.Trade)                                                {}
func (noopSink) OnDepth(symbol string, bids, asks []marketdata.Level, tsMs int64)           {}
