package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/quantfold/tradecore/internal/domain"
)

// BarStore implements domain.BarStore on the embedded database.
type BarStore struct {
	client *Client
}

// NewBarStore creates a BarStore backed by the given client.
func NewBarStore(client *Client) *BarStore {
	return &BarStore{client: client}
}

// UpsertBatch writes bars keyed by (symbol, start_ts), replacing any existing
// row for the same bucket. Returns the number of rows written.
func (s *BarStore) UpsertBatch(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	rows := make([]barRow, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, barToRow(b))
	}

	res := s.client.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "start_ts"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"end_ts", "open", "high", "low", "close", "volume", "tick_count", "source", "asset_class",
		}),
	}).Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("sqlite: upsert bar batch: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListRange returns finalized bars for a symbol in [from, to), oldest first.
func (s *BarStore) ListRange(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	var rows []barRow
	err := s.client.db.WithContext(ctx).
		Where("symbol = ? AND start_ts >= ? AND start_ts < ?", symbol, from.UTC(), to.UTC()).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bars range: %w", err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, r.toDomain())
	}
	return bars, nil
}

// ListBefore returns all bars starting strictly before the given time, oldest
// first, for archiving.
func (s *BarStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Bar, error) {
	var rows []barRow
	err := s.client.db.WithContext(ctx).
		Where("start_ts < ?", before.UTC()).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bars before: %w", err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, r.toDomain())
	}
	return bars, nil
}

// DeleteBefore deletes bars starting before the given time. Returns the
// number deleted.
func (s *BarStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.client.db.WithContext(ctx).
		Where("start_ts < ?", before.UTC()).
		Delete(&barRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlite: delete bars before: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ domain.BarStore = (*BarStore)(nil)
