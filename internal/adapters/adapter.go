package adapters

import (
	"context"

	"github.com/otcheredev/viewer-core/internal/metadata"
	"github.com/otcheredev/viewer-core/internal/models"
)

// Adapter defines what the viewer needs from an image archive
type Adapter interface {
	// Query operations
	SearchStudies(ctx context.Context, params models.QueryParams) ([]models.StudySummary, error)

	// Retrieve operations
	RetrieveStudyMetadata(ctx context.Context, studyUID string) ([]metadata.Dataset, error)
	Load(ctx context.Context, imageID string, progress func(loaded, total int64)) ([]byte, error)

	// Connection management
	TestConnection(ctx context.Context) (*models.ConnectionStatus, error)
	Close() error

	// Adapter info
	Server() models.ServerConfig
	Capabilities() []string
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	server models.ServerConfig
}

// Server returns the server configuration
func (b *BaseAdapter) Server() models.ServerConfig {
	return b.server
}
