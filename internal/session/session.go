// Package session is the reactive key-value store progress is published to.
// Values are JSON documents; every change is announced to watchers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/viewer-core/internal/events"
)

// Change describes a write or a deletion.
type Change struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Session wraps a Store with JSON encoding and change notification
type Session struct {
	store   Store
	ttl     time.Duration
	changes *events.Bus[Change]
}

// New creates a session over store. Values expire after ttl; zero keeps
// them until deleted.
func New(store Store, ttl time.Duration) *Session {
	return &Session{
		store:   store,
		ttl:     ttl,
		changes: events.NewBus[Change](),
	}
}

// Set stores value as JSON under key and notifies watchers
func (s *Session) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode session value %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, raw, s.ttl); err != nil {
		return err
	}
	s.changes.Publish(Change{Key: key, Value: raw})
	return nil
}

// Get decodes the value of key into out
func (s *Session) Get(ctx context.Context, key string, out any) error {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode session value %s: %w", key, err)
	}
	return nil
}

// GetRaw returns the JSON value of key
func (s *Session) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Delete removes key and notifies watchers. Deleting a missing key is not an
// error.
func (s *Session) Delete(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.changes.Publish(Change{Key: key, Deleted: true})
	return nil
}

// Keys lists the keys starting with prefix
func (s *Session) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.store.Keys(ctx, prefix+"*")
}

// Watch subscribes to changes
func (s *Session) Watch(fn func(Change)) *events.Subscription {
	return s.changes.Subscribe(fn)
}

// Ping checks the backing store
func (s *Session) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close closes the backing store
func (s *Session) Close() error {
	return s.store.Close()
}
