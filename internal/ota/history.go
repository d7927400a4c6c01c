package ota

import (
	"context"
	"fmt"

	"github.com/halcyon-iot/halcyon/internal/common"
	"github.com/halcyon-iot/halcyon/pkg/types"
)

// DatabaseHistory persists finished transfer outcomes to the database
type DatabaseHistory struct {
	db *common.Database
}

// NewDatabaseHistory creates a database-backed history sink
func NewDatabaseHistory(db *common.Database) *DatabaseHistory {
	return &DatabaseHistory{db: db}
}

// Record appends one finished session outcome
func (h *DatabaseHistory) Record(ctx context.Context, rec *types.TransferRecord) error {
	if err := h.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to persist transfer record: %w", err)
	}
	return nil
}

// Recent returns the most recently finished transfers, newest first
func (h *DatabaseHistory) Recent(ctx context.Context, limit int) ([]types.TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []types.TransferRecord
	if err := h.db.WithContext(ctx).Order("finished_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfer records: %w", err)
	}
	return records, nil
}
