// Package adapter defines the contract between the control plane and the
// venue-specific exchange adapters, plus the small helpers they share.
package adapter

import (
	"context"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Adapter translates the canonical subscription vocabulary into one venue's
// wire protocol. One instance exists per venue; markets within the venue
// share it. Implementations own their connection manager and subscription
// ledger; the publisher is shared and never closed by the adapter.
type Adapter interface {
	// Venue returns the exchange name used in topics and control channels.
	Venue() string

	// Subscribe opens demand for symbols on a market's stream. The upstream
	// SUBSCRIBE frame is sent only for keys whose demand rises from zero.
	Subscribe(ctx context.Context, symbols []string, streamType, market string, requestID json.RawMessage) error

	// Unsubscribe releases demand. The upstream UNSUBSCRIBE frame is sent
	// only for keys whose demand drops to zero.
	Unsubscribe(ctx context.Context, symbols []string, streamType, market string, requestID json.RawMessage) error

	// HandleMessage consumes one raw inbound frame from the connection
	// manager: filter, normalize, publish.
	HandleMessage(connectionID string, frame []byte)

	// HandleReconnect re-subscribes every stream key with live demand after
	// the manager swapped in a fresh socket.
	HandleReconnect(connectionID string)

	// ConnectionIDs lists the venue's current upstream connections.
	ConnectionIDs() []string

	// Close shuts down the venue's connections. The ledger dies with it.
	Close() error
}

// ConnectionLabel is the label of a market's primary connection.
const ConnectionLabel = "main"

// ConnectionID derives the connection id for a market.
func ConnectionID(market string) string {
	return market + ":" + ConnectionLabel
}

// MarketFromConnectionID recovers the market from a connection id.
func MarketFromConnectionID(id string) string {
	market, _, _ := strings.Cut(id, ":")
	return market
}

// DefaultRequestID returns the wall clock in milliseconds as a JSON number,
// used when a control command carries no request id.
func DefaultRequestID() json.RawMessage {
	return json.RawMessage(strconv.FormatInt(time.Now().UnixMilli(), 10))
}
