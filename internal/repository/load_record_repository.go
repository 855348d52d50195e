package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/viewer-core/internal/database"
	"github.com/otcheredev/viewer-core/internal/models"
)

// LoadRecordRepository handles stack load history database operations
type LoadRecordRepository struct{}

// NewLoadRecordRepository creates a new load record repository
func NewLoadRecordRepository() *LoadRecordRepository {
	return &LoadRecordRepository{}
}

// Create creates a new load record
func (r *LoadRecordRepository) Create(ctx context.Context, record *models.LoadRecord) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	if err := database.DB.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create load record: %w", err)
	}
	return nil
}

// GetByStudy retrieves the load records of a study, newest first
func (r *LoadRecordRepository) GetByStudy(ctx context.Context, studyUID string, limit, offset int) ([]models.LoadRecord, error) {
	if database.DB == nil {
		return nil, database.ErrNotConnected
	}
	var records []models.LoadRecord
	query := database.DB.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get load records: %w", err)
	}
	return records, nil
}

// GetByDisplaySet retrieves the load records of a display set
func (r *LoadRecordRepository) GetByDisplaySet(ctx context.Context, displaySetUID string) ([]models.LoadRecord, error) {
	if database.DB == nil {
		return nil, database.ErrNotConnected
	}
	var records []models.LoadRecord
	if err := database.DB.WithContext(ctx).
		Where("display_set_instance_uid = ?", displaySetUID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get load records: %w", err)
	}
	return records, nil
}
