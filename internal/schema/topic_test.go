package schema

import "testing"

func TestTopicRoundTrip(t *testing.T) {
	cases := []struct {
		exchange, market, symbol, streamType string
	}{
		{"binance", "perp", "btcusdt", "aggTrade"},
		{"binance", "spot", "ethusdt", "trade"},
		{"kraken", "spot", "BTC/USD", "trade"},
		{"kraken", "perp", "PI_XBTUSD", "trade"},
	}
	for _, c := range cases {
		formatted := FormatTopic(c.exchange, c.market, c.symbol, c.streamType)
		parsed, err := ParseTopic(formatted)
		if err != nil {
			t.Fatalf("ParseTopic(%q) failed: %v", formatted, err)
		}
		if parsed.Exchange != c.exchange || parsed.Market != c.market ||
			parsed.Symbol != c.symbol || parsed.StreamType != c.streamType {
			t.Errorf("round trip of %q gave %+v", formatted, parsed)
		}
		if parsed.String() != formatted {
			t.Errorf("String() = %q, want %q", parsed.String(), formatted)
		}
	}
}

func TestParseTopicRejectsWrongArity(t *testing.T) {
	for _, bad := range []string{
		"",
		"binance",
		"binance:perp",
		"binance:perp:btcusdt",
		"binance:perp:btcusdt:aggTrade:extra",
	} {
		if _, err := ParseTopic(bad); err == nil {
			t.Errorf("ParseTopic(%q) succeeded, want error", bad)
		}
	}
}

func TestStreamKey(t *testing.T) {
	key := StreamKey("btcusdt", "aggTrade")
	if key != "btcusdt@aggTrade" {
		t.Fatalf("StreamKey = %q", key)
	}
	symbol, streamType, ok := SplitStreamKey(key)
	if !ok || symbol != "btcusdt" || streamType != "aggTrade" {
		t.Fatalf("SplitStreamKey(%q) = %q, %q, %v", key, symbol, streamType, ok)
	}
	if _, _, ok := SplitStreamKey("no-separator"); ok {
		t.Error("SplitStreamKey accepted a key without @")
	}
}
