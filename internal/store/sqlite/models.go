package sqlite

import (
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// barRow is the bars table. The (symbol, start_ts) unique index is the upsert
// key, which makes batch replays idempotent.
type barRow struct {
	Symbol     string    `gorm:"primaryKey;size:32"`
	StartTS    time.Time `gorm:"primaryKey;column:start_ts;index:idx_bars_start"`
	EndTS      time.Time `gorm:"column:end_ts"`
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TickCount  int64
	IsFinal    bool   `gorm:"column:is_final"`
	Source     string `gorm:"size:32"`
	AssetClass string `gorm:"size:16"`
}

func (barRow) TableName() string { return "bars" }

func barToRow(b domain.Bar) barRow {
	return barRow{
		Symbol:     b.Symbol,
		StartTS:    b.StartTS.UTC(),
		EndTS:      b.EndTS.UTC(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TickCount:  b.TickCount,
		IsFinal:    b.IsFinal,
		Source:     b.Source,
		AssetClass: b.AssetClass,
	}
}

func (r barRow) toDomain() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		StartTS:    r.StartTS.UTC(),
		EndTS:      r.EndTS.UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TickCount:  r.TickCount,
		IsFinal:    r.IsFinal,
		Source:     r.Source,
		AssetClass: r.AssetClass,
	}
}

// tradeRow is the trades table, the durable order audit trail.
type tradeRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	StrategyHash string `gorm:"size:64;index"`
	Symbol       string `gorm:"size:32;index"`
	Side         string `gorm:"size:8"`
	Quantity     float64
	FillPrice    *float64
	ExecutedAt   time.Time `gorm:"index"`
	Commission   float64
	Slippage     float64
	OrderType    string `gorm:"size:8"`
	Status       string `gorm:"size:16;index"`
	StatusReason string
	AccountID    string `gorm:"size:32"`
}

func (tradeRow) TableName() string { return "trades" }

func tradeToRow(t domain.TradeRecord) tradeRow {
	return tradeRow{
		ID:           t.ID,
		StrategyHash: t.StrategyHash,
		Symbol:       t.Symbol,
		Side:         string(t.Side),
		Quantity:     t.Quantity,
		FillPrice:    t.FillPrice,
		ExecutedAt:   t.ExecutedAt.UTC(),
		Commission:   t.Commission,
		Slippage:     t.Slippage,
		OrderType:    string(t.OrderType),
		Status:       string(t.Status),
		StatusReason: t.StatusReason,
		AccountID:    t.AccountID,
	}
}

func (r tradeRow) toDomain() domain.TradeRecord {
	return domain.TradeRecord{
		ID:           r.ID,
		StrategyHash: r.StrategyHash,
		Symbol:       r.Symbol,
		Side:         domain.OrderSide(r.Side),
		Quantity:     r.Quantity,
		FillPrice:    r.FillPrice,
		ExecutedAt:   r.ExecutedAt.UTC(),
		Commission:   r.Commission,
		Slippage:     r.Slippage,
		OrderType:    domain.OrderType(r.OrderType),
		Status:       domain.TradeStatus(r.Status),
		StatusReason: r.StatusReason,
		AccountID:    r.AccountID,
	}
}

// controlFlagRow is the control_flags table for durable operational flags.
type controlFlagRow struct {
	Name      string `gorm:"primaryKey;size:32"`
	Value     bool
	Reason    string
	UpdatedAt time.Time
}

func (controlFlagRow) TableName() string { return "control_flags" }

// pnlRow is the strategy_pnl table of heartbeat snapshots.
type pnlRow struct {
	StrategyHash string    `gorm:"primaryKey;size:64"`
	SnapshotAt   time.Time `gorm:"primaryKey"`
	RealizedPnL  float64   `gorm:"column:realized_pnl"`
	TradeCount   int64
}

func (pnlRow) TableName() string { return "strategy_pnl" }

// strategyRow is the active_strategies table. Rows are written by the
// governance subsystem; the core only reads the currently active one.
type strategyRow struct {
	Hash        string `gorm:"primaryKey;size:64"`
	Stage       string `gorm:"size:8"`
	TTLExpiry   time.Time
	ConfigJSON  string
	IsActive    bool `gorm:"index"`
	ActivatedAt time.Time
}

func (strategyRow) TableName() string { return "active_strategies" }
