// Package kraken implements the exchange adapter for Kraken spot (v2 API)
// and futures (v1 API) markets.
package kraken

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/adapter"
	"md-gateway/internal/bus"
	"md-gateway/internal/connection"
	"md-gateway/internal/ledger"
	"md-gateway/internal/metrics"
	"md-gateway/internal/schema"
)

const (
	venueName  = "kraken"
	marketSpot = "spot"

	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

var defaultEndpoints = map[string]string{
	"spot":    "wss://ws.kraken.com/v2",
	"futures": "wss://futures.kraken.com/ws/v1",
}

// Config carries the adapter knobs. Endpoints overrides the production
// WebSocket URL per market; nil keeps the defaults.
type Config struct {
	Endpoints map[string]string
}

// Adapter is the Kraken variant of the exchange adapter. Spot traffic uses
// the v2 protocol keyed by channel, futures the v1 protocol keyed by feed;
// the market segment of the connection id picks the dialect. Symbols keep
// Kraken's native form ("BTC/USD", "PI_XBTUSD") in stream keys and topics.
type Adapter struct {
	endpoints map[string]string
	mgr       *connection.Manager
	ledger    *ledger.Ledger
	pub       bus.Publisher

	mu sync.Mutex
}

// New builds the adapter and registers it with its own connection manager.
func New(pub bus.Publisher, cfg Config) *Adapter {
	endpoints := cfg.Endpoints
	if endpoints == nil {
		endpoints = defaultEndpoints
	}
	a := &Adapter{
		endpoints: endpoints,
		mgr:       connection.NewManager(venueName),
		ledger:    ledger.New(),
		pub:       pub,
	}
	a.mgr.SetMessageHandler(a.HandleMessage)
	a.mgr.SetReconnectHandler(a.HandleReconnect)
	return a
}

// Venue returns "kraken".
func (a *Adapter) Venue() string { return venueName }

// ConnectionIDs lists the adapter's upstream connections.
func (a *Adapter) ConnectionIDs() []string { return a.mgr.IDs() }

// Close shuts down the adapter's connections.
func (a *Adapter) Close() error { return a.mgr.Close() }

func streamKeys(symbols []string, streamType string) []string {
	keys := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		keys = append(keys, schema.StreamKey(symbol, streamType))
	}
	return keys
}

// groupByStreamType splits stream keys back into per-channel symbol lists.
// Kraken frames carry a single channel, so each group becomes one frame.
func groupByStreamType(keys []string) map[string][]string {
	groups := make(map[string][]string)
	for _, key := range keys {
		symbol, streamType, ok := schema.SplitStreamKey(key)
		if !ok {
			continue
		}
		groups[streamType] = append(groups[streamType], symbol)
	}
	return groups
}

func sortedStreamTypes(groups map[string][]string) []string {
	types := make([]string, 0, len(groups))
	for streamType := range groups {
		types = append(types, streamType)
	}
	sort.Strings(types)
	return types
}

// Subscribe ensures the market's connection exists, sends one subscribe
// frame for the keys without live demand, then bumps the ledger. The
// requestID is accepted for interface symmetry; Kraken frames do not
// carry a correlation id in this design.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string, streamType, market string, requestID json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	uri, ok := a.endpoints[market]
	if !ok {
		return fmt.Errorf("unknown kraken market %q", market)
	}
	connID := adapter.ConnectionID(market)
	if !a.mgr.Has(connID) {
		if err := a.mgr.Add(ctx, connID, uri); err != nil {
			return fmt.Errorf("connect %s failed: %w", connID, err)
		}
	}

	keys := streamKeys(symbols, streamType)
	need := a.ledger.NeedSubscribe(market, keys)
	if len(need) > 0 {
		needSymbols := make([]string, 0, len(need))
		for _, key := range need {
			symbol, _, _ := schema.SplitStreamKey(key)
			needSymbols = append(needSymbols, symbol)
		}
		frame, err := controlFrame(market, methodSubscribe, streamType, needSymbols)
		if err != nil {
			return err
		}
		if err := a.mgr.Send(ctx, connID, frame); err != nil {
			return fmt.Errorf("subscribe send failed: %w", err)
		}
		log.Debug().
			Str("exchange", venueName).
			Str("market", market).
			Strs("streams", need).
			Msg("Sent subscribe frame")
	}
	a.ledger.Add(market, keys)
	metrics.RecordActiveSubscriptions(venueName, market, len(a.ledger.ActiveKeys(market)))
	return nil
}

// Unsubscribe releases demand first, then sends one unsubscribe frame per
// stream type for the keys that dropped to zero. Each group is pruned only
// after its frame went out; a failed send leaves the rest for the next sweep.
func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string, streamType, market string, requestID json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := streamKeys(symbols, streamType)
	a.ledger.Remove(market, keys)

	zero := a.ledger.ZeroKeys(market)
	if len(zero) == 0 {
		metrics.RecordActiveSubscriptions(venueName, market, len(a.ledger.ActiveKeys(market)))
		return nil
	}

	groups := groupByStreamType(zero)
	connID := adapter.ConnectionID(market)
	for _, groupType := range sortedStreamTypes(groups) {
		groupSymbols := groups[groupType]
		frame, err := controlFrame(market, methodUnsubscribe, groupType, groupSymbols)
		if err != nil {
			return err
		}
		if err := a.mgr.Send(ctx, connID, frame); err != nil {
			metrics.RecordActiveSubscriptions(venueName, market, len(a.ledger.ActiveKeys(market)))
			return fmt.Errorf("unsubscribe send failed: %w", err)
		}
		a.ledger.Prune(market, streamKeys(groupSymbols, groupType))
		log.Debug().
			Str("exchange", venueName).
			Str("market", market).
			Str("stream_type", groupType).
			Strs("symbols", groupSymbols).
			Msg("Sent unsubscribe frame")
	}
	metrics.RecordActiveSubscriptions(venueName, market, len(a.ledger.ActiveKeys(market)))
	return nil
}

// HandleReconnect replays one subscribe frame per stream type covering
// every key with live demand on the reconnected market.
func (a *Adapter) HandleReconnect(connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	market := adapter.MarketFromConnectionID(connectionID)
	active := a.ledger.ActiveKeys(market)
	if len(active) == 0 {
		return
	}
	groups := groupByStreamType(active)
	for _, groupType := range sortedStreamTypes(groups) {
		frame, err := controlFrame(market, methodSubscribe, groupType, groups[groupType])
		if err != nil {
			log.Error().Err(err).Str("connection_id", connectionID).Msg("Re-subscribe frame build failed")
			continue
		}
		if err := a.mgr.Send(context.Background(), connectionID, frame); err != nil {
			log.Error().
				Err(err).
				Str("exchange", venueName).
				Str("connection_id", connectionID).
				Msg("Re-subscribe after reconnect failed")
			continue
		}
	}
	log.Info().
		Str("exchange", venueName).
		Str("connection_id", connectionID).
		Strs("streams", active).
		Msg("Re-subscribed after reconnect")
}

type spotParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

type spotRequest struct {
	Method string     `json:"method"`
	Params spotParams `json:"params"`
}

type futuresRequest struct {
	Event      string   `json:"event"`
	Feed       string   `json:"feed"`
	ProductIDs []string `json:"product_ids"`
}

func controlFrame(market, method, streamType string, symbols []string) ([]byte, error) {
	var frame []byte
	var err error
	if market == marketSpot {
		frame, err = json.Marshal(spotRequest{Method: method, Params: spotParams{Channel: streamType, Symbol: symbols}})
	} else {
		frame, err = json.Marshal(futuresRequest{Event: method, Feed: streamType, ProductIDs: symbols})
	}
	if err != nil {
		return nil, fmt.Errorf("control frame marshal failed: %w", err)
	}
	return frame, nil
}

// HandleMessage filters control traffic and maps trade events onto the
// canonical schema. Snapshots prime venue-side state only and are dropped;
// the bus carries incremental updates exclusively.
func (a *Adapter) HandleMessage(connectionID string, frame []byte) {
	localTS := time.Now().UnixMilli()
	metrics.RecordReceived(venueName, connectionID)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Kraken frame is not valid JSON")
		return
	}

	// v1 control traffic always carries an event field.
	if _, ok := fields["event"]; ok {
		metrics.RecordFiltered(venueName, connectionID)
		a.handleEvent(connectionID, frame)
		return
	}

	// v2 subscribe/unsubscribe acks carry the echoed method.
	if _, ok := fields["method"]; ok {
		metrics.RecordFiltered(venueName, connectionID)
		a.handleAck(connectionID, frame)
		return
	}

	if _, ok := fields["channel"]; ok {
		a.handleSpotFrame(connectionID, frame, localTS)
		return
	}
	if _, ok := fields["feed"]; ok {
		a.handleFuturesFrame(connectionID, frame, localTS)
		return
	}

	metrics.RecordDropped(venueName, "unrecognized")
	log.Warn().Str("connection_id", connectionID).Msg("Kraken frame without channel or feed")
}

type v1Event struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (a *Adapter) handleEvent(connectionID string, frame []byte) {
	var ev v1Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return
	}
	if ev.Event == "error" {
		log.Error().
			Str("connection_id", connectionID).
			Str("message", ev.Message).
			Msg("Kraken reported an error event")
		return
	}
	log.Debug().Str("event", ev.Event).Str("connection_id", connectionID).Msg("Dropped Kraken control event")
}

type spotAck struct {
	Method  string `json:"method"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (a *Adapter) handleAck(connectionID string, frame []byte) {
	var ack spotAck
	if err := json.Unmarshal(frame, &ack); err != nil {
		return
	}
	if !ack.Success {
		log.Error().
			Str("connection_id", connectionID).
			Str("method", ack.Method).
			Str("error", ack.Error).
			Msg("Kraken rejected a request")
		return
	}
	log.Debug().Str("method", ack.Method).Str("connection_id", connectionID).Msg("Dropped subscription ack")
}

type spotTrade struct {
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Price     json.Number `json:"price"`
	Qty       json.Number `json:"qty"`
	TradeID   json.Number `json:"trade_id"`
	Timestamp string      `json:"timestamp"`
}

type spotTradeFrame struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	Data    []spotTrade `json:"data"`
}

func (a *Adapter) handleSpotFrame(connectionID string, frame []byte, localTS int64) {
	var msg spotTradeFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Kraken spot frame decode failed")
		return
	}
	switch msg.Channel {
	case "heartbeat", "status":
		metrics.RecordFiltered(venueName, connectionID)
		return
	case "trade":
	default:
		metrics.RecordDropped(venueName, "unknown_event")
		log.Debug().Str("channel", msg.Channel).Str("connection_id", connectionID).Msg("Kraken channel not normalized")
		return
	}
	if msg.Type == "snapshot" {
		metrics.RecordFiltered(venueName, connectionID)
		return
	}
	if len(msg.Data) == 0 {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Str("connection_id", connectionID).Msg("Kraken trade update without data")
		return
	}

	ev := msg.Data[0]
	exchTS, err := parseISOTimestamp(ev.Timestamp)
	if err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Kraken trade timestamp parse failed")
		return
	}
	market := adapter.MarketFromConnectionID(connectionID)
	topic := schema.FormatTopic(venueName, market, ev.Symbol, "trade")
	a.publish(topic, market, "trade", schema.Trade{
		Topic:          topic,
		ExchTimestamp:  exchTS,
		LocalTimestamp: localTS,
		Price:          ev.Price.String(),
		Quantity:       ev.Qty.String(),
		Side:           normalizeSide(ev.Side),
		TradeID:        tradeIDValue(ev.TradeID),
	})
}

type futuresTrade struct {
	Feed      string      `json:"feed"`
	ProductID string      `json:"product_id"`
	UID       string      `json:"uid"`
	Side      string      `json:"side"`
	Time      int64       `json:"time"`
	Price     json.Number `json:"price"`
	Qty       json.Number `json:"qty"`
}

func (a *Adapter) handleFuturesFrame(connectionID string, frame []byte, localTS int64) {
	var ev futuresTrade
	if err := json.Unmarshal(frame, &ev); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Kraken futures frame decode failed")
		return
	}
	if ev.Feed == "heartbeat" || strings.HasSuffix(ev.Feed, "_snapshot") {
		metrics.RecordFiltered(venueName, connectionID)
		return
	}
	if ev.Feed != "trade" {
		metrics.RecordDropped(venueName, "unknown_event")
		log.Debug().Str("feed", ev.Feed).Str("connection_id", connectionID).Msg("Kraken feed not normalized")
		return
	}

	market := adapter.MarketFromConnectionID(connectionID)
	topic := schema.FormatTopic(venueName, market, ev.ProductID, "trade")
	a.publish(topic, market, "trade", schema.Trade{
		Topic:          topic,
		ExchTimestamp:  ev.Time,
		LocalTimestamp: localTS,
		Price:          ev.Price.String(),
		Quantity:       ev.Qty.String(),
		Side:           normalizeSide(ev.Side),
		TradeID:        ev.UID,
	})
}

// parseISOTimestamp converts Kraken's ISO-8601 UTC timestamps to epoch
// milliseconds. Sub-millisecond digits are truncated.
func parseISOTimestamp(value string) (int64, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return 0, fmt.Errorf("timestamp parse failed: %w", err)
	}
	return ts.UnixMilli(), nil
}

func normalizeSide(side string) string {
	if strings.EqualFold(side, schema.SideSell) {
		return schema.SideSell
	}
	return schema.SideBuy
}

// tradeIDValue keeps integer trade ids numeric on the bus and falls back
// to the literal for anything else.
func tradeIDValue(n json.Number) any {
	if id, err := n.Int64(); err == nil {
		return id
	}
	return n.String()
}

func (a *Adapter) publish(topic, market, streamType string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		metrics.RecordDropped(venueName, "encode")
		log.Error().Err(err).Str("topic", topic).Msg("Kraken record encode failed")
		return
	}
	if err := a.pub.Publish(context.Background(), topic, payload); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Kraken publish failed")
		return
	}
	metrics.RecordPublished(venueName, market, streamType)
}

var _ adapter.Adapter = (*Adapter)(nil)
