package storewriter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// timeFormat is how timestamps travel through the proxy. Stored time columns
// are compared as text in parameterized WHERE clauses, so the format must be
// fixed-width (zero-padded nanoseconds, always UTC) for lexicographic order to
// match chronological order. RFC3339Nano would not: it trims trailing zeros,
// which mis-sorts at second boundaries.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string { return t.UTC().Format(timeFormat) }

// BarWriter implements domain.BarStore with writes routed through the proxy
// and reads served by a local read-only store.
type BarWriter struct {
	writer domain.StoreWriter
	reads  domain.BarStore
}

// NewBarWriter pairs the proxy with a read-only bar store.
func NewBarWriter(writer domain.StoreWriter, reads domain.BarStore) *BarWriter {
	return &BarWriter{writer: writer, reads: reads}
}

func (w *BarWriter) UpsertBatch(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	rows := make([]map[string]any, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, map[string]any{
			"symbol":      b.Symbol,
			"start_ts":    encodeTime(b.StartTS),
			"end_ts":      encodeTime(b.EndTS),
			"open":        b.Open,
			"high":        b.High,
			"low":         b.Low,
			"close":       b.Close,
			"volume":      b.Volume,
			"tick_count":  b.TickCount,
			"is_final":    b.IsFinal,
			"source":      b.Source,
			"asset_class": b.AssetClass,
		})
	}
	return w.writer.UpsertBatch(ctx, "bars", rows)
}

func (w *BarWriter) ListRange(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	return w.reads.ListRange(ctx, symbol, from, to)
}

func (w *BarWriter) ListBefore(ctx context.Context, before time.Time) ([]domain.Bar, error) {
	return w.reads.ListBefore(ctx, before)
}

func (w *BarWriter) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return w.writer.Execute(ctx, "DELETE FROM bars WHERE start_ts < ?", []any{encodeTime(before)})
}

// TradeWriter implements domain.TradeStore with writes routed through the
// proxy and reads served by a local read-only store.
type TradeWriter struct {
	writer domain.StoreWriter
	reads  domain.TradeStore
}

// NewTradeWriter pairs the proxy with a read-only trade store.
func NewTradeWriter(writer domain.StoreWriter, reads domain.TradeStore) *TradeWriter {
	return &TradeWriter{writer: writer, reads: reads}
}

func (w *TradeWriter) Create(ctx context.Context, rec domain.TradeRecord) error {
	const stmt = `INSERT INTO trades
		(id, strategy_hash, symbol, side, quantity, fill_price, executed_at,
		 commission, slippage, order_type, status, status_reason, account_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var fill any
	if rec.FillPrice != nil {
		fill = *rec.FillPrice
	}
	_, err := w.writer.Execute(ctx, stmt, []any{
		rec.ID, rec.StrategyHash, rec.Symbol, string(rec.Side), rec.Quantity,
		fill, encodeTime(rec.ExecutedAt), rec.Commission, rec.Slippage,
		string(rec.OrderType), string(rec.Status), rec.StatusReason, rec.AccountID,
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("storewriter: create trade %s: %w", rec.ID, domain.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (w *TradeWriter) UpdateStatus(ctx context.Context, id string, status domain.TradeStatus, reason string) error {
	n, err := w.writer.Execute(ctx,
		"UPDATE trades SET status = ?, status_reason = ? WHERE id = ?",
		[]any{string(status), reason, id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storewriter: update trade status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (w *TradeWriter) SetFill(ctx context.Context, id string, fillPrice, commission float64) error {
	n, err := w.writer.Execute(ctx,
		"UPDATE trades SET fill_price = ?, commission = ?, status = ? WHERE id = ?",
		[]any{fillPrice, commission, string(domain.TradeStatusFilled), id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storewriter: set trade fill %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (w *TradeWriter) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	return w.reads.GetByID(ctx, id)
}

func (w *TradeWriter) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	return w.reads.ListRecent(ctx, limit)
}

func (w *TradeWriter) ListFilledSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	return w.reads.ListFilledSince(ctx, since)
}

func (w *TradeWriter) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	return w.reads.ListBefore(ctx, before)
}

func (w *TradeWriter) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return w.writer.Execute(ctx, "DELETE FROM trades WHERE executed_at < ?", []any{encodeTime(before)})
}

// ControlWriter implements domain.ControlStore through the proxy.
type ControlWriter struct {
	writer domain.StoreWriter
	reads  domain.ControlStore
}

// NewControlWriter pairs the proxy with a read-only control store.
func NewControlWriter(writer domain.StoreWriter, reads domain.ControlStore) *ControlWriter {
	return &ControlWriter{writer: writer, reads: reads}
}

func (w *ControlWriter) SetFlag(ctx context.Context, name string, value bool, reason string) error {
	_, err := w.writer.UpsertBatch(ctx, "control_flags", []map[string]any{{
		"name":       name,
		"value":      value,
		"reason":     reason,
		"updated_at": encodeTime(time.Now()),
	}})
	return err
}

func (w *ControlWriter) GetFlag(ctx context.Context, name string) (bool, string, error) {
	return w.reads.GetFlag(ctx, name)
}

// PnLWriter implements domain.PnLStore through the proxy.
type PnLWriter struct {
	writer domain.StoreWriter
	reads  domain.PnLStore
}

// NewPnLWriter pairs the proxy with a read-only P&L store.
func NewPnLWriter(writer domain.StoreWriter, reads domain.PnLStore) *PnLWriter {
	return &PnLWriter{writer: writer, reads: reads}
}

func (w *PnLWriter) UpsertSnapshot(ctx context.Context, snap domain.StrategyPnL) error {
	_, err := w.writer.UpsertBatch(ctx, "strategy_pnl", []map[string]any{{
		"strategy_hash": snap.StrategyHash,
		"snapshot_at":   encodeTime(snap.SnapshotAt),
		"realized_pnl":  snap.RealizedPnL,
		"trade_count":   snap.TradeCount,
	}})
	return err
}

func (w *PnLWriter) ListSnapshots(ctx context.Context, strategyHash string, opts domain.ListOpts) ([]domain.StrategyPnL, error) {
	return w.reads.ListSnapshots(ctx, strategyHash, opts)
}

var (
	_ domain.BarStore     = (*BarWriter)(nil)
	_ domain.TradeStore   = (*TradeWriter)(nil)
	_ domain.ControlStore = (*ControlWriter)(nil)
	_ domain.PnLStore     = (*PnLWriter)(nil)
)
