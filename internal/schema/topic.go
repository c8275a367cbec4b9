package schema

import (
	"fmt"
	"strings"
)

// Topic identifies a normalized feed on the bus. Its string form,
// exchange:market:symbol:streamType, is both the publish channel and the
// archiver's file-partition key.
type Topic struct {
	Exchange   string
	Market     string
	Symbol     string
	StreamType string
}

// String renders the canonical topic form.
func (t Topic) String() string {
	return t.Exchange + ":" + t.Market + ":" + t.Symbol + ":" + t.StreamType
}

// FormatTopic builds the canonical topic string for a stream.
func FormatTopic(exchange, market, symbol, streamType string) string {
	return exchange + ":" + market + ":" + symbol + ":" + streamType
}

// ParseTopic splits a canonical topic into its four components. Topics with
// any other arity are rejected; components themselves never contain a colon.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Topic{}, fmt.Errorf("invalid topic %q: want exchange:market:symbol:streamType", s)
	}
	return Topic{
		Exchange:   parts[0],
		Market:     parts[1],
		Symbol:     parts[2],
		StreamType: parts[3],
	}, nil
}

// StreamKey builds the venue-agnostic subscription key symbol@streamType.
func StreamKey(symbol, streamType string) string {
	return symbol + "@" + streamType
}

// SplitStreamKey recovers the symbol and stream type from a stream key.
func SplitStreamKey(key string) (symbol, streamType string, ok bool) {
	return strings.Cut(key, "@")
}
