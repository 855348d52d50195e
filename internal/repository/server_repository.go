package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otcheredev/viewer-core/internal/database"
	"github.com/otcheredev/viewer-core/internal/models"
)

// ErrNotFound is returned when no row matches
var ErrNotFound = errors.New("record not found")

// ServerRepository handles DICOMweb server configuration database operations
type ServerRepository struct{}

// NewServerRepository creates a new server repository
func NewServerRepository() *ServerRepository {
	return &ServerRepository{}
}

// Create creates a new server configuration
func (r *ServerRepository) Create(ctx context.Context, server *models.ServerConfig) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	if err := database.DB.WithContext(ctx).Create(server).Error; err != nil {
		return fmt.Errorf("failed to create server config: %w", err)
	}
	return nil
}

// GetByID retrieves a server configuration by ID
func (r *ServerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ServerConfig, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByName retrieves a server configuration by name
func (r *ServerRepository) GetByName(ctx context.Context, name string) (*models.ServerConfig, error) {
	return r.first(ctx, "name = ? AND is_active = ?", name, true)
}

// GetPrimary retrieves the primary server configuration
func (r *ServerRepository) GetPrimary(ctx context.Context) (*models.ServerConfig, error) {
	return r.first(ctx, "is_primary = ? AND is_active = ?", true, true)
}

// List retrieves all active server configurations, primary first
func (r *ServerRepository) List(ctx context.Context) ([]models.ServerConfig, error) {
	if database.DB == nil {
		return nil, database.ErrNotConnected
	}
	var servers []models.ServerConfig
	if err := database.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("is_primary DESC, created_at ASC").
		Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list server configs: %w", err)
	}
	return servers, nil
}

// Update updates a server configuration
func (r *ServerRepository) Update(ctx context.Context, server *models.ServerConfig) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	if err := database.DB.WithContext(ctx).Save(server).Error; err != nil {
		return fmt.Errorf("failed to update server config: %w", err)
	}
	return nil
}

// Delete soft deletes a server configuration
func (r *ServerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	if err := database.DB.WithContext(ctx).Delete(&models.ServerConfig{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete server config: %w", err)
	}
	return nil
}

// SetPrimary makes a server configuration the primary one and unsets the
// others
func (r *ServerRepository) SetPrimary(ctx context.Context, id uuid.UUID) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ServerConfig{}).
			Where("is_primary = ?", true).
			Update("is_primary", false).Error; err != nil {
			return fmt.Errorf("failed to unset primary flags: %w", err)
		}
		if err := tx.Model(&models.ServerConfig{}).
			Where("id = ?", id).
			Update("is_primary", true).Error; err != nil {
			return fmt.Errorf("failed to set primary: %w", err)
		}
		return nil
	})
}

// UpdateConnectionStatus records the outcome of a connection test
func (r *ServerRepository) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	updates := map[string]interface{}{
		"last_connection_test":   status.LastChecked,
		"last_connection_status": status.IsConnected,
		"last_error":             status.ErrorMessage,
	}

	if err := database.DB.WithContext(ctx).
		Model(&models.ServerConfig{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return nil
}

func (r *ServerRepository) first(ctx context.Context, query string, args ...interface{}) (*models.ServerConfig, error) {
	if database.DB == nil {
		return nil, database.ErrNotConnected
	}
	var server models.ServerConfig
	err := database.DB.WithContext(ctx).Where(query, args...).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server config: %w", err)
	}
	return &server, nil
}
