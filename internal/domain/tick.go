package domain

import "time"

// Tick is one trade print from the market data feed.
type Tick struct {
	Symbol string
	Price  float64
	// Size is the traded quantity. Zero-size ticks are quote updates and
	// carry no volume.
	Size float64
	// ExchangeTS is the venue's event time; bar bucketing uses this, never
	// the local clock.
	ExchangeTS time.Time
	// ReceivedTS is the local arrival time, kept for latency accounting.
	ReceivedTS time.Time
	Source     string
	AssetClass string
}

// IsQuote reports whether this tick is a quote update rather than a trade.
func (t Tick) IsQuote() bool {
	return t.Size <= 0
}
