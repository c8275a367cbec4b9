// Package binance implements the exchange adapter for Binance spot, linear
// perpetual and coin-margined futures markets.
package binance

import (
	"context"
	"fmt"
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
	venueName = "binance"

	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

var defaultEndpoints = map[string]string{
	"spot":   "wss://stream.binance.com:9443/ws",
	"perp":   "wss://fstream.binance.com/ws",
	"coin-m": "wss://dstream.binance.com/ws",
}

// Config carries the adapter knobs. Endpoints overrides the production
// WebSocket URL per market; nil keeps the defaults.
type Config struct {
	Endpoints map[string]string
}

// Adapter is the Binance variant of the exchange adapter. Stream keys use
// Binance's lowercase symbol@streamType form, which is also the wire format
// of the SUBSCRIBE params.
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

// Venue returns "binance".
func (a *Adapter) Venue() string { return venueName }

// ConnectionIDs lists the adapter's upstream connections.
func (a *Adapter) ConnectionIDs() []string { return a.mgr.IDs() }

// Close shuts down the adapter's connections.
func (a *Adapter) Close() error { return a.mgr.Close() }

func streamKeys(symbols []string, streamType string) []string {
	keys := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		keys = append(keys, schema.StreamKey(strings.ToLower(symbol), streamType))
	}
	return keys
}

// Subscribe ensures the market's connection exists, sends one SUBSCRIBE
// frame for the keys without live demand, then bumps the ledger. A failed
// send leaves the ledger untouched.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string, streamType, market string, requestID json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	uri, ok := a.endpoints[market]
	if !ok {
		return fmt.Errorf("unknown binance market %q", market)
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
		frame, err := controlFrame(methodSubscribe, need, requestID)
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

// Unsubscribe releases demand first, then sends one UNSUBSCRIBE frame for
// the keys that dropped to zero. Zero entries are pruned only after the
// frame went out; a failed send leaves them for the next sweep.
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

	frame, err := controlFrame(methodUnsubscribe, zero, requestID)
	if err != nil {
		return err
	}
	if err := a.mgr.Send(ctx, adapter.ConnectionID(market), frame); err != nil {
		return fmt.Errorf("unsubscribe send failed: %w", err)
	}
	a.ledger.Prune(market, zero)
	metrics.RecordActiveSubscriptions(venueName, market, len(a.ledger.ActiveKeys(market)))
	log.Debug().
		Str("exchange", venueName).
		Str("market", market).
		Strs("streams", zero).
		Msg("Sent unsubscribe frame")
	return nil
}

// HandleReconnect replays one SUBSCRIBE frame listing every stream key with
// live demand on the reconnected market.
func (a *Adapter) HandleReconnect(connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	market := adapter.MarketFromConnectionID(connectionID)
	active := a.ledger.ActiveKeys(market)
	if len(active) == 0 {
		return
	}
	frame, err := controlFrame(methodSubscribe, active, nil)
	if err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("Re-subscribe frame build failed")
		return
	}
	if err := a.mgr.Send(context.Background(), connectionID, frame); err != nil {
		log.Error().
			Err(err).
			Str("exchange", venueName).
			Str("connection_id", connectionID).
			Msg("Re-subscribe after reconnect failed")
		return
	}
	log.Info().
		Str("exchange", venueName).
		Str("connection_id", connectionID).
		Strs("streams", active).
		Msg("Re-subscribed after reconnect")
}

type controlRequest struct {
	Method string          `json:"method"`
	Params []string        `json:"params"`
	ID     json.RawMessage `json:"id"`
}

func controlFrame(method string, params []string, requestID json.RawMessage) ([]byte, error) {
	id := requestID
	if len(id) == 0 {
		id = adapter.DefaultRequestID()
	}
	frame, err := json.Marshal(controlRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("control frame marshal failed: %w", err)
	}
	return frame, nil
}

// HandleMessage filters control traffic and maps data events onto the
// canonical schema. Malformed frames are dropped, never propagated.
func (a *Adapter) HandleMessage(connectionID string, frame []byte) {
	localTS := time.Now().UnixMilli()
	metrics.RecordReceived(venueName, connectionID)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Binance frame is not valid JSON")
		return
	}

	if ping, ok := fields["ping"]; ok {
		metrics.RecordFiltered(venueName, connectionID)
		a.replyPong(connectionID, ping)
		return
	}

	// Frames carrying both result and id are subscribe/unsubscribe acks.
	if _, hasResult := fields["result"]; hasResult {
		if _, hasID := fields["id"]; hasID {
			metrics.RecordFiltered(venueName, connectionID)
			log.Debug().Str("connection_id", connectionID).Msg("Dropped subscription ack")
			return
		}
	}

	eventRaw, ok := fields["e"]
	if !ok {
		metrics.RecordDropped(venueName, "unrecognized")
		log.Warn().Str("connection_id", connectionID).Msg("Binance frame without event type")
		return
	}
	var event string
	if err := json.Unmarshal(eventRaw, &event); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Binance event type is not a string")
		return
	}

	market := adapter.MarketFromConnectionID(connectionID)
	switch event {
	case "aggTrade":
		a.publishAggTrade(market, connectionID, frame, localTS)
	case "trade":
		a.publishTrade(market, connectionID, frame, localTS)
	default:
		metrics.RecordDropped(venueName, "unknown_event")
		log.Debug().Str("event", event).Str("connection_id", connectionID).Msg("Binance event type not normalized")
	}
}

func (a *Adapter) replyPong(connectionID string, value json.RawMessage) {
	pong, err := json.Marshal(struct {
		Pong json.RawMessage `json:"pong"`
	}{Pong: value})
	if err != nil {
		return
	}
	if err := a.mgr.Send(context.Background(), connectionID, pong); err != nil {
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Binance pong reply failed")
	}
}

type aggTradeEvent struct {
	Symbol       string `json:"s"`
	TradeTime    int64  `json:"T"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyerIsMaker bool   `json:"m"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	AggTradeID   int64  `json:"a"`
}

func (a *Adapter) publishAggTrade(market, connectionID string, frame []byte, localTS int64) {
	var ev aggTradeEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Binance aggTrade decode failed")
		return
	}
	topic := schema.FormatTopic(venueName, market, strings.ToLower(ev.Symbol), "aggTrade")
	a.publish(topic, market, "aggTrade", schema.AggTrade{
		Topic:          topic,
		ExchTimestamp:  ev.TradeTime,
		LocalTimestamp: localTS,
		Price:          ev.Price,
		Quantity:       ev.Quantity,
		Side:           sideFromMaker(ev.BuyerIsMaker),
		FirstTradeID:   ev.FirstTradeID,
		LastTradeID:    ev.LastTradeID,
		AggTradeID:     ev.AggTradeID,
	})
}

type tradeEvent struct {
	Symbol       string `json:"s"`
	TradeTime    int64  `json:"T"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyerIsMaker bool   `json:"m"`
	TradeID      int64  `json:"t"`
}

func (a *Adapter) publishTrade(market, connectionID string, frame []byte, localTS int64) {
	var ev tradeEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		metrics.RecordDropped(venueName, "malformed")
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Binance trade decode failed")
		return
	}
	topic := schema.FormatTopic(venueName, market, strings.ToLower(ev.Symbol), "trade")
	a.publish(topic, market, "trade", schema.Trade{
		Topic:          topic,
		ExchTimestamp:  ev.TradeTime,
		LocalTimestamp: localTS,
		Price:          ev.Price,
		Quantity:       ev.Quantity,
		Side:           sideFromMaker(ev.BuyerIsMaker),
		TradeID:        ev.TradeID,
	})
}

// sideFromMaker maps Binance's buyer-is-maker flag: a true flag means the
// aggressor sold.
func sideFromMaker(buyerIsMaker bool) string {
	if buyerIsMaker {
		return schema.SideSell
	}
	return schema.SideBuy
}

func (a *Adapter) publish(topic, market, streamType string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		metrics.RecordDropped(venueName, "encode")
		log.Error().Err(err).Str("topic", topic).Msg("Binance record encode failed")
		return
	}
	if err := a.pub.Publish(context.Background(), topic, payload); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Binance publish failed")
		return
	}
	metrics.RecordPublished(venueName, market, streamType)
}

var _ adapter.Adapter = (*Adapter)(nil)
