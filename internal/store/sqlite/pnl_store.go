package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/quantfold/tradecore/internal/domain"
)

// PnLStore implements domain.PnLStore on the embedded database.
type PnLStore struct {
	client *Client
}

// NewPnLStore creates a PnLStore backed by the given client.
func NewPnLStore(client *Client) *PnLStore {
	return &PnLStore{client: client}
}

// UpsertSnapshot writes one heartbeat snapshot keyed by (strategy_hash,
// snapshot_at).
func (s *PnLStore) UpsertSnapshot(ctx context.Context, snap domain.StrategyPnL) error {
	row := pnlRow{
		StrategyHash: snap.StrategyHash,
		SnapshotAt:   snap.SnapshotAt.UTC(),
		RealizedPnL:  snap.RealizedPnL,
		TradeCount:   snap.TradeCount,
	}
	err := s.client.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy_hash"}, {Name: "snapshot_at"}},
		DoUpdates: clause.AssignmentColumns([]string{"realized_pnl", "trade_count"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: upsert pnl snapshot %s: %w", snap.StrategyHash, err)
	}
	return nil
}

// ListSnapshots returns snapshots for a strategy, newest first.
func (s *PnLStore) ListSnapshots(ctx context.Context, strategyHash string, opts domain.ListOpts) ([]domain.StrategyPnL, error) {
	q := s.client.db.WithContext(ctx).Where("strategy_hash = ?", strategyHash)
	if opts.Since != nil {
		q = q.Where("snapshot_at >= ?", opts.Since.UTC())
	}
	if opts.Until != nil {
		q = q.Where("snapshot_at <= ?", opts.Until.UTC())
	}
	q = q.Order("snapshot_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []pnlRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list pnl snapshots %s: %w", strategyHash, err)
	}

	out := make([]domain.StrategyPnL, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.StrategyPnL{
			StrategyHash: r.StrategyHash,
			RealizedPnL:  r.RealizedPnL,
			TradeCount:   r.TradeCount,
			SnapshotAt:   r.SnapshotAt.UTC(),
		})
	}
	return out, nil
}

var _ domain.PnLStore = (*PnLStore)(nil)
