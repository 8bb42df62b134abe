package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quantfold/tradecore/internal/domain"
)

// TradeStore implements domain.TradeStore on the embedded database.
type TradeStore struct {
	client *Client
}

// NewTradeStore creates a TradeStore backed by the given client.
func NewTradeStore(client *Client) *TradeStore {
	return &TradeStore{client: client}
}

// Create inserts a new lifecycle record. The ID must be unique; a duplicate
// returns ErrAlreadyExists.
func (s *TradeStore) Create(ctx context.Context, rec domain.TradeRecord) error {
	row := tradeToRow(rec)
	err := s.client.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("sqlite: create trade %s: %w", rec.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create trade %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatus advances the lifecycle status of one record.
func (s *TradeStore) UpdateStatus(ctx context.Context, id string, status domain.TradeStatus, reason string) error {
	res := s.client.db.WithContext(ctx).
		Model(&tradeRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "status_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("sqlite: update trade status %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: update trade status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SetFill records the fill price and commission and marks the record filled.
func (s *TradeStore) SetFill(ctx context.Context, id string, fillPrice, commission float64) error {
	res := s.client.db.WithContext(ctx).
		Model(&tradeRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"fill_price": fillPrice,
			"commission": commission,
			"status":     string(domain.TradeStatusFilled),
		})
	if res.Error != nil {
		return fmt.Errorf("sqlite: set trade fill %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: set trade fill %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one record, or ErrNotFound.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	var row tradeRow
	err := s.client.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.TradeRecord{}, fmt.Errorf("sqlite: get trade %s: %w", id, domain.ErrNotFound)
		}
		return domain.TradeRecord{}, fmt.Errorf("sqlite: get trade %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// ListRecent returns the newest records first.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []tradeRow
	err := s.client.db.WithContext(ctx).
		Order("executed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent trades: %w", err)
	}
	return rowsToDomain(rows), nil
}

// ListFilledSince returns all filled records executed at or after the given
// time, oldest first. The heartbeat uses this to rebuild per-strategy P&L.
func (s *TradeStore) ListFilledSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	var rows []tradeRow
	err := s.client.db.WithContext(ctx).
		Where("status = ? AND executed_at >= ?", string(domain.TradeStatusFilled), since.UTC()).
		Order("executed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list filled trades since: %w", err)
	}
	return rowsToDomain(rows), nil
}

// ListBefore returns all records executed strictly before the given time,
// oldest first, for archiving.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	var rows []tradeRow
	err := s.client.db.WithContext(ctx).
		Where("executed_at < ?", before.UTC()).
		Order("executed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades before: %w", err)
	}
	return rowsToDomain(rows), nil
}

// DeleteBefore deletes records executed before the given time. Returns the
// number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.client.db.WithContext(ctx).
		Where("executed_at < ?", before.UTC()).
		Delete(&tradeRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlite: delete trades before: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func rowsToDomain(rows []tradeRow) []domain.TradeRecord {
	out := make([]domain.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

var _ domain.TradeStore = (*TradeStore)(nil)
