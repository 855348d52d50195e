package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/otcheredev/viewer-core/internal/adapters"
	"github.com/otcheredev/viewer-core/internal/models"
)

// ErrInvalidServer is returned for server configurations that cannot be used
var ErrInvalidServer = errors.New("invalid server config")

// ServerStore persists DICOMweb server configurations
type ServerStore interface {
	Create(ctx context.Context, server *models.ServerConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServerConfig, error)
	List(ctx context.Context) ([]models.ServerConfig, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetPrimary(ctx context.Context, id uuid.UUID) error
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error
}

// ServerService handles business logic for DICOMweb server configurations
type ServerService struct {
	servers        ServerStore
	adapterFactory *adapters.AdapterFactory
}

// NewServerService creates a new server service
func NewServerService(servers ServerStore, adapterFactory *adapters.AdapterFactory) *ServerService {
	return &ServerService{
		servers:        servers,
		adapterFactory: adapterFactory,
	}
}

// CreateServer creates a new server configuration
func (s *ServerService) CreateServer(ctx context.Context, req *models.ServerConfigRequest) (*models.ServerConfig, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServer, err)
	}
	scheme := req.ImageIDScheme
	if scheme == "" {
		scheme = models.SchemeWADORS
	}

	server := &models.ServerConfig{
		Name:          req.Name,
		WADORoot:      req.WADORoot,
		QIDORoot:      req.QIDORoot,
		ImageIDScheme: scheme,
		Username:      req.Username,
		Password:      req.Password,
		APIKey:        req.APIKey,
		IsActive:      true,
	}

	if err := s.servers.Create(ctx, server); err != nil {
		return nil, fmt.Errorf("failed to create server config: %w", err)
	}

	if req.IsPrimary {
		if err := s.servers.SetPrimary(ctx, server.ID); err != nil {
			return nil, fmt.Errorf("failed to set primary server: %w", err)
		}
		server.IsPrimary = true
	}

	return server, nil
}

// GetServers retrieves all active server configurations
func (s *ServerService) GetServers(ctx context.Context) ([]models.ServerConfig, error) {
	servers, err := s.servers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get server configs: %w", err)
	}
	return servers, nil
}

// GetServer retrieves a specific server configuration
func (s *ServerService) GetServer(ctx context.Context, id uuid.UUID) (*models.ServerConfig, error) {
	server, err := s.servers.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get server config: %w", err)
	}
	return server, nil
}

// DeleteServer deletes a server configuration and closes its adapter
func (s *ServerService) DeleteServer(ctx context.Context, id uuid.UUID) error {
	server, err := s.servers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get server config: %w", err)
	}
	if err := s.servers.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete server config: %w", err)
	}
	return s.adapterFactory.RemoveAdapter(server.Name)
}

// TestConnection tests a server that is not stored yet
func (s *ServerService) TestConnection(ctx context.Context, req *models.ConnectionTestRequest) (*models.ConnectionStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServer, err)
	}

	adapter, err := adapters.NewDICOMWebAdapter(models.ServerConfig{
		WADORoot: req.WADORoot,
		QIDORoot: req.QIDORoot,
		Username: req.Username,
		Password: req.Password,
		APIKey:   req.APIKey,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}
	defer adapter.Close()

	return adapter.TestConnection(ctx)
}

// TestServer tests a stored server and records the outcome
func (s *ServerService) TestServer(ctx context.Context, id uuid.UUID) (*models.ConnectionStatus, error) {
	server, err := s.servers.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get server config: %w", err)
	}

	adapter, err := s.adapterFactory.GetAdapter(*server)
	if err != nil {
		return nil, err
	}

	status, testErr := adapter.TestConnection(ctx)
	if status != nil {
		if err := s.servers.UpdateConnectionStatus(ctx, id, status); err != nil {
			return status, err
		}
	}
	return status, testErr
}
