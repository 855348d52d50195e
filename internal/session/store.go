package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not present in the store
var ErrNotFound = errors.New("session key not found")

// Store is the key-value backend of a Session
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
