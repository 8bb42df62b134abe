package domain

import "time"

// Quote is a live top-of-book snapshot for one symbol.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, or 0 when either side is missing.
func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// SpreadPct returns the relative spread (ask-bid)/mid, or 0 when the book
// is one-sided.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid
}

// Position is one holding as reported by the broker.
type Position struct {
	Symbol        string
	Quantity      float64
	AvgCost       float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPnL float64
}

// AccountInfo is the broker account snapshot used by risk evaluation. It is
// recomputed on demand and never cached longer than one evaluation cycle.
type AccountInfo struct {
	NetLiquidation     float64
	BuyingPower        float64
	Cash               float64
	GrossPositionValue float64
	DailyPnL           float64
}

// OrderHandle identifies an order accepted by a broker. FillPrice and
// Commission are set only when the backend fills synchronously and reports
// them in the submit response; asynchronous backends leave them zero and the
// fill is reconciled later from the broker's order list.
type OrderHandle struct {
	BrokerOrderID string
	Status        string
	FillPrice     float64
	Commission    float64
	SubmittedAt   time.Time
}

// Filled reports whether the handle carries a usable synchronous fill.
func (h OrderHandle) Filled() bool {
	return h.Status == "filled" && h.FillPrice > 0
}
