package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mmtrader/internal/common"
	"mmtrader/internal/marketdata"
	"mmtrader/internal/marketdata/envelope"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Sink receives parsed market-data events off the WebSocket feed. The WS
// client stays free of any dependency on the book/tape trackers themselves;
// whatever wires the client together decides where updates land, the same
// decoupling the strategy engine uses for its ATR source and outcome
// recorder.
type Sink interface {
	OnBookTicker(symbol string, bid, bidQty, ask, askQty float64, tsMs int64)
	OnTrade(t marketdata.Trade)
	OnDepth(symbol string, bids, asks []marketdata.Level, tsMs int64)
}

// Metrics is the narrow slice of MetricsWrapper the WS client needs.
// *metrics.MetricsWrapper satisfies this structurally.
type Metrics interface {
	FramesDecodedInc()
	DecodeErrorsInc(reason string)
	GunzipFramesInc()
	WSReconnectsInc()
	WSBlockedSeenInc()
	WSHeartbeatsInc()
	TradesReceivedInc()
	DepthsReceivedInc()
	BookTickersRecvInc()
}

type noopMetrics struct{}

func (noopMetrics) FramesDecodedInc()        {}
func (noopMetrics) DecodeErrorsInc(string)   {}
func (noopMetrics) GunzipFramesInc()         {}
func (noopMetrics) WSReconnectsInc()         {}
func (noopMetrics) WSBlockedSeenInc()        {}
func (noopMetrics) WSHeartbeatsInc()         {}
func (noopMetrics) TradesReceivedInc()       {}
func (noopMetrics) DepthsReceivedInc()       {}
func (noopMetrics) BookTickersRecvInc()      {}

const (
	channelBookTicker = "bookTicker"
	channelDeals      = "deals"
	channelDepth      = "limit.depth"
)

// topicStyle captures the mutable shape of a shard's subscription topics,
// degraded step by step on repeated "Blocked!" acks.
type topicStyle struct {
	aggregated bool
	rateSuffix string
}

func defaultStyle() topicStyle {
	return topicStyle{aggregated: true, rateSuffix: "@100ms"}
}

// downgrade mutates style in place following SPEC_FULL.md §4.4: first drop
// the rate suffix, then drop the "aggre." prefix. Returns false once fully
// downgraded (nothing left to try).
func (s *topicStyle) downgrade() bool {
	if s.rateSuffix != "" {
		s.rateSuffix = ""
		return true
	}
	if s.aggregated {
		s.aggregated = false
		return true
	}
	return false
}

func buildTopic(style topicStyle, channel, symbol string, snapshotLevels int) string {
	var b strings.Builder
	b.WriteString("spot@public.")
	if style.aggregated {
		b.WriteString("aggre.")
	}
	b.WriteString(channel)
	b.WriteString(".v3.api.pb")
	b.WriteString(style.rateSuffix)
	b.WriteString("@")
	b.WriteString(symbol)
	if channel == channelDepth {
		b.WriteString("@")
		b.WriteString(strconv.Itoa(snapshotLevels))
	}
	return b.String()
}

func buildTopics(symbols []string, style topicStyle, snapshotLevels int) []string {
	topics := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		topics = append(topics,
			buildTopic(style, channelBookTicker, sym, snapshotLevels),
			buildTopic(style, channelDeals, sym, snapshotLevels),
			buildTopic(style, channelDepth, sym, snapshotLevels),
		)
	}
	return topics
}

// shardSymbols splits symbols into groups small enough that each group's
// topic count never exceeds MAX_TOPICS_PER_CONN (three topics per symbol).
func shardSymbols(symbols []string, maxTopicsPerConn int) [][]string {
	perShard := maxTopicsPerConn / 3
	if perShard < 1 {
		perShard = 1
	}
	var shards [][]string
	for i := 0; i < len(symbols); i += perShard {
		end := i + perShard
		if end > len(symbols) {
			end = len(symbols)
		}
		shards = append(shards, symbols[i:end])
	}
	return shards
}

// WS is the public-feed client for one exchange provider. It shards symbols
// across multiple connections, each independently subscribing, degrading
// its topic shape on "Blocked!" acks, heartbeating, and cycling before the
// exchange's own lifetime limit.
type WS struct {
	url            string
	snapshotLevels int
	subscribeRate  int
	sink           Sink
	metrics        Metrics

	reconnects int64
}

// Option configures a WS client at construction.
type Option func(*WS)

func WithMetrics(m Metrics) Option {
	return func(w *WS) { w.metrics = m }
}

func NewWS(url string, snapshotLevels, subscribeRatePerSec int, sink Sink, opts ...Option) *WS {
	if snapshotLevels <= 0 {
		snapshotLevels = common.DefaultWSSnapshotLevels
	}
	if subscribeRatePerSec <= 0 {
		subscribeRatePerSec = common.DefaultWSSubscribeRateSec
	}
	w := &WS{
		url:            url,
		snapshotLevels: snapshotLevels,
		subscribeRate:  subscribeRatePerSec,
		sink:           sink,
		metrics:        noopMetrics{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run shards symbols across one connection loop per shard and blocks until
// ctx is cancelled or all shards exit.
func (w *WS) Run(ctx context.Context, symbols []string) error {
	shards := shardSymbols(symbols, common.MaxTopicsPerConn)
	if len(shards) == 0 {
		return nil
	}

	done := make(chan struct{}, len(shards))
	for _, group := range shards {
		sh := &shard{ws: w, symbols: group, style: defaultStyle()}
		go func() {
			sh.run(ctx)
			done <- struct{}{}
		}()
	}
	for range shards {
		<-done
	}
	return ctx.Err()
}

type shard struct {
	ws          *WS
	symbols     []string
	style       topicStyle
	blockedSeen int
}

func (sh *shard) run(ctx context.Context) {
	backoff := time.Duration(common.ReconnectFloorMillis) * time.Millisecond
	maxBackoff := time.Duration(common.ReconnectCeilMillis) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		recycled, err := sh.connectOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Strs("symbols", sh.symbols).Dur("backoff", backoff).
				Msg("mexc ws connection failed, reconnecting")
			sh.ws.metrics.WSReconnectsInc()
			atomic.AddInt64(&sh.ws.reconnects, 1)

			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Duration(common.ReconnectFloorMillis) * time.Millisecond
		if recycled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// jitter adds 0-25% additive jitter to a backoff duration.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// connectOnce dials, subscribes, and streams until the connection ends,
// either from an error (returns err) or a deliberate lifecycle recycle
// (returns recycled=true, err=nil).
func (sh *shard) connectOnce(ctx context.Context) (recycled bool, err error) {
	url := strings.TrimRight(sh.ws.url, "/")
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)

	if err := sh.subscribe(conn, sh.ws.subscribeRate); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	lifetime := time.NewTimer(time.Duration(common.WSMaxLifetimeSec) * time.Second)
	defer lifetime.Stop()
	pingEvery := time.Duration(common.WSPingIntervalSec) * time.Second
	heartbeat := time.NewTicker(pingEvery)
	defer heartbeat.Stop()

	lastFrame := time.Now()
	lastPingSent := time.Time{}

	msgCh := make(chan []byte, 256)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case msgCh <- msg:
			default:
				log.Warn().Msg("mexc ws inbound buffer full, dropping frame")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sh.closeGracefully(conn)
			return false, nil

		case <-lifetime.C:
			log.Info().Strs("symbols", sh.symbols).Msg("mexc ws cycling connection before lifetime limit")
			sh.closeGracefully(conn)
			return true, nil

		case <-heartbeat.C:
			if time.Since(lastFrame) >= pingEvery && (lastPingSent.IsZero() || time.Since(lastPingSent) >= pingEvery) {
				if err := conn.WriteJSON(map[string]string{"method": "PING"}); err != nil {
					return false, fmt.Errorf("heartbeat ping: %w", err)
				}
				lastPingSent = time.Now()
				sh.ws.metrics.WSHeartbeatsInc()
			}

		case err := <-readErrCh:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return false, nil
			}
			return false, fmt.Errorf("read: %w", err)

		case msg := <-msgCh:
			lastFrame = time.Now()
			if err := sh.handleMessage(conn, msg); err == errReconnectNow {
				return false, nil
			}
		}
	}
}

var errReconnectNow = fmt.Errorf("mexc ws: reconnect requested")

func (sh *shard) closeGracefully(conn *websocket.Conn) {
	sh.unsubscribe(conn)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (sh *shard) subscribe(conn *websocket.Conn, ratePerSec int) error {
	topics := buildTopics(sh.symbols, sh.style, sh.ws.snapshotLevels)
	delay := time.Second / time.Duration(ratePerSec)
	for _, topic := range topics {
		if err := conn.WriteJSON(map[string]any{"method": "SUBSCRIPTION", "params": []string{topic}}); err != nil {
			return err
		}
		time.Sleep(delay)
	}
	return nil
}

func (sh *shard) unsubscribe(conn *websocket.Conn) {
	topics := buildTopics(sh.symbols, sh.style, sh.ws.snapshotLevels)
	conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
	conn.WriteJSON(map[string]any{"method": "UNSUBSCRIPTION", "params": topics})
}

// resubscribe is the "Blocked!" downgrade path: unsubscribe under the old
// style, degrade the style, then subscribe again on the same connection.
func (sh *shard) resubscribe(conn *websocket.Conn) error {
	sh.unsubscribe(conn)
	if !sh.style.downgrade() {
		return fmt.Errorf("topic style already fully downgraded")
	}
	return sh.subscribe(conn, sh.ws.subscribeRate)
}

type controlFrame struct {
	Method string `json:"method"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (sh *shard) handleMessage(conn *websocket.Conn, msg []byte) error {
	if looksLikeJSON(msg) {
		return sh.handleControlFrame(conn, msg)
	}
	return sh.handleDataFrame(msg)
}

func looksLikeJSON(msg []byte) bool {
	for _, b := range msg {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		return b == '{' || b == '['
	}
	return false
}

func (sh *shard) handleControlFrame(conn *websocket.Conn, msg []byte) error {
	var cf controlFrame
	if err := json.Unmarshal(msg, &cf); err != nil {
		return nil
	}
	if strings.Contains(cf.Msg, "Blocked!") {
		sh.blockedSeen++
		sh.ws.metrics.WSBlockedSeenInc()
		log.Warn().Int("blocked_seen", sh.blockedSeen).Str("msg", cf.Msg).Msg("mexc ws topic blocked, downgrading")
		if err := sh.resubscribe(conn); err != nil {
			log.Warn().Err(err).Msg("mexc ws topic style fully downgraded, forcing reconnect")
			return errReconnectNow
		}
		return nil
	}
	if cf.Msg == "PONG" || cf.Method == "PONG" {
		return nil
	}
	if cf.Code == 0 && cf.Msg != "" {
		sh.blockedSeen = 0
	}
	return nil
}

func (sh *shard) handleDataFrame(msg []byte) error {
	if len(msg) >= 2 && msg[0] == 0x1F && msg[1] == 0x8B {
		sh.ws.metrics.GunzipFramesInc()
	}

	frame, err := envelope.Decode(msg)
	if err != nil {
		sh.ws.metrics.DecodeErrorsInc("envelope")
		return nil
	}
	sh.ws.metrics.FramesDecodedInc()

	switch frame.Channel {
	case envelope.ChannelBookTicker:
		bt := envelope.ResolveBookTicker(frame.Payload)
		if !bt.Resolved {
			sh.ws.metrics.DecodeErrorsInc("book_ticker")
			return nil
		}
		sh.ws.metrics.BookTickersRecvInc()
		ts := frame.SendTsMs
		if bt.SendTsMs > 0 {
			ts = bt.SendTsMs
		}
		sh.ws.sink.OnBookTicker(frame.Symbol, bt.BidPrice, bt.BidQty, bt.AskPrice, bt.AskQty, ts)

	case envelope.ChannelTape:
		tf := envelope.ResolveTrade(frame.Payload)
		if !tf.Resolved {
			sh.ws.metrics.DecodeErrorsInc("trade")
			return nil
		}
		sh.ws.metrics.TradesReceivedInc()
		side := marketdata.SideBuy
		if tf.BuyerIsMaker {
			side = marketdata.SideSell
		}
		ts := frame.SendTsMs
		if tf.TsMs > 0 {
			ts = tf.TsMs
		}
		sh.ws.sink.OnTrade(marketdata.Trade{Symbol: frame.Symbol, Price: tf.Price, Qty: tf.Qty, Side: side, TsMs: ts})

	case envelope.ChannelDepth:
		bids, asks := envelope.ResolveDepthLevels(frame.Payload)
		if len(bids) == 0 && len(asks) == 0 {
			sh.ws.metrics.DecodeErrorsInc("depth")
			return nil
		}
		sh.ws.metrics.DepthsReceivedInc()
		sh.ws.sink.OnDepth(frame.Symbol, toLevels(bids), toLevels(asks), frame.SendTsMs)

	default:
		sh.ws.metrics.DecodeErrorsInc("unknown_channel")
	}
	return nil
}

func toLevels(pairs []envelope.LevelPair) []marketdata.Level {
	levels := make([]marketdata.Level, len(pairs))
	for i, p := range pairs {
		levels[i] = marketdata.Level{Price: p.Price, Qty: p.Qty}
	}
	return levels
}
