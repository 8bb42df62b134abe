package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BarStore persists OHLCV bars. UpsertBatch is keyed by (symbol, start_ts),
// so replaying the same batch is idempotent.
type BarStore interface {
	UpsertBatch(ctx context.Context, bars []Bar) (int64, error)
	ListRange(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
	ListBefore(ctx context.Context, before time.Time) ([]Bar, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TradeStore persists order lifecycle records.
type TradeStore interface {
	Create(ctx context.Context, rec TradeRecord) error
	UpdateStatus(ctx context.Context, id string, status TradeStatus, reason string) error
	SetFill(ctx context.Context, id string, fillPrice, commission float64) error
	GetByID(ctx context.Context, id string) (TradeRecord, error)
	ListRecent(ctx context.Context, limit int) ([]TradeRecord, error)
	ListFilledSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ControlStore persists named operational flags (e.g. the halted flag) so
// they survive restarts and are visible to every process sharing the store.
type ControlStore interface {
	SetFlag(ctx context.Context, name string, value bool, reason string) error
	GetFlag(ctx context.Context, name string) (bool, string, error)
}

// PnLStore persists per-strategy P&L snapshots.
type PnLStore interface {
	UpsertSnapshot(ctx context.Context, snap StrategyPnL) error
	ListSnapshots(ctx context.Context, strategyHash string, opts ListOpts) ([]StrategyPnL, error)
}

// StrategyReader is the governance lookup consumed by the orchestrator. It
// returns ErrNoActiveStrategy when no strategy row is current.
type StrategyReader interface {
	GetActive(ctx context.Context) (ActiveStrategy, error)
}

// AssetRegistry maps symbols to asset classes and tradability.
type AssetRegistry interface {
	AssetClass(symbol string) (string, bool)
	IsTradable(symbol string) bool
}

// StoreWriter is the narrow RPC surface of the single-writer persistence
// proxy. All SQL is parameterized; rows are column/value maps.
type StoreWriter interface {
	Execute(ctx context.Context, sql string, params []any) (int64, error)
	Query(ctx context.Context, sql string, params []any) ([]map[string]any, error)
	UpsertBatch(ctx context.Context, table string, rows []map[string]any) (int64, error)
}

// QuoteCache caches live top-of-book quotes for risk liquidity checks.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// SignalBus publishes and subscribes raw payloads on named channels for
// out-of-process consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
