package schema

// Side values as published on the bus.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is the canonical single-trade record. Price and quantity stay
// strings so the venue's decimal literal survives unchanged.
type Trade struct {
	Topic          string `json:"topic"`
	ExchTimestamp  int64  `json:"exchTimestamp"`
	LocalTimestamp int64  `json:"localTimestamp"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	Side           string `json:"side"`
	// TradeID is an int64 or a string depending on the venue.
	TradeID any `json:"tradeId"`
}

// AggTrade is the canonical aggregate-trade record (Binance aggTrade).
type AggTrade struct {
	Topic          string `json:"topic"`
	ExchTimestamp  int64  `json:"exchTimestamp"`
	LocalTimestamp int64  `json:"localTimestamp"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	Side           string `json:"side"`
	FirstTradeID   int64  `json:"firstTradeId"`
	LastTradeID    int64  `json:"lastTradeId"`
	AggTradeID     int64  `json:"aggTradeId"`
}
