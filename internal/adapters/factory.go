package adapters

import (
	"fmt"
	"sync"
	"time"

	"github.com/otcheredev/viewer-core/internal/models"
)

// AdapterFactory manages archive adapter instances
type AdapterFactory struct {
	mu       sync.RWMutex
	timeout  time.Duration
	adapters map[string]Adapter // keyed by server name
}

// NewAdapterFactory creates a new adapter factory
func NewAdapterFactory(timeout time.Duration) *AdapterFactory {
	return &AdapterFactory{
		timeout:  timeout,
		adapters: make(map[string]Adapter),
	}
}

// GetAdapter gets or creates the adapter of a server
func (f *AdapterFactory) GetAdapter(server models.ServerConfig) (Adapter, error) {
	f.mu.RLock()
	adapter, exists := f.adapters[server.Name]
	f.mu.RUnlock()

	if exists {
		return adapter, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if adapter, exists := f.adapters[server.Name]; exists {
		return adapter, nil
	}

	adapter, err := NewDICOMWebAdapter(server, f.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	f.adapters[server.Name] = adapter
	return adapter, nil
}

// RemoveAdapter removes the adapter of a server
func (f *AdapterFactory) RemoveAdapter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	adapter, exists := f.adapters[name]
	if !exists {
		return nil
	}

	if err := adapter.Close(); err != nil {
		return fmt.Errorf("failed to close adapter: %w", err)
	}

	delete(f.adapters, name)
	return nil
}

// CloseAll closes all adapters
func (f *AdapterFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errors []error
	for name, adapter := range f.adapters {
		if err := adapter.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close adapter for server %s: %w", name, err))
		}
		delete(f.adapters, name)
	}

	if len(errors) > 0 {
		return fmt.Errorf("encountered %d errors while closing adapters", len(errors))
	}

	return nil
}
