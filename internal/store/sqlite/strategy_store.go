package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/quantfold/tradecore/internal/domain"
)

// StrategyStore implements domain.StrategyReader on the embedded database.
// The governance subsystem owns the rows; this side only reads.
type StrategyStore struct {
	client *Client
}

// NewStrategyStore creates a StrategyStore backed by the given client.
func NewStrategyStore(client *Client) *StrategyStore {
	return &StrategyStore{client: client}
}

// GetActive returns the most recently activated strategy marked active, or
// ErrNoActiveStrategy.
func (s *StrategyStore) GetActive(ctx context.Context) (domain.ActiveStrategy, error) {
	var row strategyRow
	err := s.client.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("activated_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ActiveStrategy{}, domain.ErrNoActiveStrategy
		}
		return domain.ActiveStrategy{}, fmt.Errorf("sqlite: get active strategy: %w", err)
	}

	var cfg map[string]any
	if row.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return domain.ActiveStrategy{}, fmt.Errorf("sqlite: decode strategy config %s: %w", row.Hash, err)
		}
	}

	return domain.ActiveStrategy{
		Hash:      row.Hash,
		Stage:     domain.StrategyStage(row.Stage),
		TTLExpiry: row.TTLExpiry.UTC(),
		Config:    cfg,
	}, nil
}

var _ domain.StrategyReader = (*StrategyStore)(nil)
