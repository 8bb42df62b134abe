// Package archive moves bars and trade records past the retention window
// from the embedded database to object-store cold storage as JSONL.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// BlobWriter is the object-store upload surface the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Config holds archiver tunables.
type Config struct {
	RetentionDays int
	// Interval between archive runs. Defaults to 24h.
	Interval time.Duration
}

// Archiver writes aged rows to cold storage before deleting them. Deletes go
// through the same write path as everything else, so the single-writer rule
// holds.
type Archiver struct {
	cfg    Config
	bars   domain.BarStore
	trades domain.TradeStore
	blob   BlobWriter
	logger *slog.Logger
}

// New creates an Archiver.
func New(cfg Config, bars domain.BarStore, trades domain.TradeStore, blob BlobWriter, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Archiver{
		cfg:    cfg,
		bars:   bars,
		trades: trades,
		blob:   blob,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run executes archive runs on the configured interval until the context
// ends.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce archives everything older than the retention cutoff. Upload happens
// before delete: a failure between the two leaves duplicate cold data, never
// lost data.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.cfg.RetentionDays))

	barsArchived, err := a.archiveBars(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: bars before %v: %w", cutoff, err)
	}
	tradesArchived, err := a.archiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: trades before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("bars_archived", barsArchived),
		slog.Int64("trades_archived", tradesArchived))
	return nil
}

func (a *Archiver) archiveBars(ctx context.Context, cutoff time.Time) (int64, error) {
	bars, err := a.bars.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, b := range bars {
		if err := enc.Encode(barLine(b)); err != nil {
			return 0, fmt.Errorf("encode bar: %w", err)
		}
	}

	path := archivePath("bars", cutoff)
	if err := a.blob.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	return a.bars.DeleteBefore(ctx, cutoff)
}

func (a *Archiver) archiveTrades(ctx context.Context, cutoff time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		if err := enc.Encode(tradeLine(t)); err != nil {
			return 0, fmt.Errorf("encode trade: %w", err)
		}
	}

	path := archivePath("trades", cutoff)
	if err := a.blob.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	return a.trades.DeleteBefore(ctx, cutoff)
}

func archivePath(kind string, cutoff time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s.jsonl",
		kind, cutoff.Format("2006/01"), kind, cutoff.Format("20060102T150405Z"))
}

type barRecord struct {
	Symbol     string  `json:"symbol"`
	StartTS    int64   `json:"start_ts"`
	EndTS      int64   `json:"end_ts"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TickCount  int64   `json:"tick_count"`
	Source     string  `json:"source"`
	AssetClass string  `json:"asset_class"`
}

func barLine(b domain.Bar) barRecord {
	return barRecord{
		Symbol:     b.Symbol,
		StartTS:    b.StartTS.Unix(),
		EndTS:      b.EndTS.Unix(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TickCount:  b.TickCount,
		Source:     b.Source,
		AssetClass: b.AssetClass,
	}
}

type tradeRecord struct {
	ID           string   `json:"id"`
	StrategyHash string   `json:"strategy_hash"`
	Symbol       string   `json:"symbol"`
	Side         string   `json:"side"`
	Quantity     float64  `json:"quantity"`
	FillPrice    *float64 `json:"fill_price,omitempty"`
	ExecutedAt   int64    `json:"executed_at"`
	Commission   float64  `json:"commission"`
	Status       string   `json:"status"`
	StatusReason string   `json:"status_reason,omitempty"`
	AccountID    string   `json:"account_id,omitempty"`
}

func tradeLine(t domain.TradeRecord) tradeRecord {
	return tradeRecord{
		ID:           t.ID,
		StrategyHash: t.StrategyHash,
		Symbol:       t.Symbol,
		Side:         string(t.Side),
		Quantity:     t.Quantity,
		FillPrice:    t.FillPrice,
		ExecutedAt:   t.ExecutedAt.Unix(),
		Commission:   t.Commission,
		Status:       string(t.Status),
		StatusReason: t.StatusReason,
		AccountID:    t.AccountID,
	}
}
