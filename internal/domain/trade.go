package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the order type sent to the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TradeStatus tracks the order lifecycle. A record is written in
// pending_submit before the broker call is made, then moved to submitted on
// successful dispatch, and finally to filled or failed. Anything still in
// pending_submit after a crash is awaiting manual reconciliation.
type TradeStatus string

const (
	TradeStatusPendingSubmit TradeStatus = "pending_submit"
	TradeStatusSubmitted     TradeStatus = "submitted"
	TradeStatusFilled        TradeStatus = "filled"
	TradeStatusFailed        TradeStatus = "failed"
)

// Terminal reports whether the status is an end state of the lifecycle.
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusFilled || s == TradeStatusFailed
}

// TradeRecord is the durable audit record of one order attempt. StrategyHash
// links the record to the governance audit trail of the strategy that
// produced it.
type TradeRecord struct {
	ID           string
	StrategyHash string
	Symbol       string
	Side         OrderSide
	Quantity     float64
	FillPrice    *float64
	ExecutedAt   time.Time
	Commission   float64
	Slippage     float64
	OrderType    OrderType
	Status       TradeStatus
	StatusReason string
	AccountID    string
}

// Notional returns the absolute order value at the given reference price.
func (r TradeRecord) Notional(price float64) float64 {
	n := r.Quantity * price
	if n < 0 {
		return -n
	}
	return n
}
