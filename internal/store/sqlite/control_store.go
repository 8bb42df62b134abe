package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantfold/tradecore/internal/domain"
)

// HaltedFlag is the durable kill-switch flag consulted on every order path
// and re-read at startup.
const HaltedFlag = "halted"

// ControlStore implements domain.ControlStore on the embedded database.
type ControlStore struct {
	client *Client
}

// NewControlStore creates a ControlStore backed by the given client.
func NewControlStore(client *Client) *ControlStore {
	return &ControlStore{client: client}
}

// SetFlag upserts one named flag with its reason.
func (s *ControlStore) SetFlag(ctx context.Context, name string, value bool, reason string) error {
	row := controlFlagRow{
		Name:      name,
		Value:     value,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.client.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "reason", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: set flag %s: %w", name, err)
	}
	return nil
}

// GetFlag reads one named flag. A flag never set reads as false with no
// reason.
func (s *ControlStore) GetFlag(ctx context.Context, name string) (bool, string, error) {
	var row controlFlagRow
	err := s.client.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("sqlite: get flag %s: %w", name, err)
	}
	return row.Value, row.Reason, nil
}

var _ domain.ControlStore = (*ControlStore)(nil)
