package domain

import "time"

// Bar is one fixed-width OHLCV bar. The (Symbol, StartTS) pair is the
// identity used for upserts, so rebuilding the same bucket is idempotent.
type Bar struct {
	Symbol  string    `json:"symbol"`
	StartTS time.Time `json:"start_ts"`
	// EndTS is exclusive: the bar covers [StartTS, EndTS).
	EndTS      time.Time `json:"end_ts"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TickCount  int64     `json:"tick_count"`
	Source     string    `json:"source"`
	AssetClass string    `json:"asset_class"`
	// IsFinal marks a closed bar. Non-final bars are intra-bucket snapshots
	// and may still change.
	IsFinal bool `json:"is_final"`
}

// BarKey is the identity of one bar bucket, usable as a map key.
type BarKey struct {
	Symbol  string
	StartTS time.Time
}

// Key returns the bar's bucket identity.
func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, StartTS: b.StartTS}
}

// BucketStart floors ts to the start of its width-sized bucket in UTC.
func BucketStart(ts time.Time, width time.Duration) time.Time {
	return ts.UTC().Truncate(width)
}
