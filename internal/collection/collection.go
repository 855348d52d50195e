// Package collection implements a reactive keyed store of distinct payloads.
//
// Payloads do not carry their own identity: the collection assigns each one
// a generated ID and guarantees that a payload (compared with ==, so by
// reference for pointer types) is stored at most once. Entries live in a
// dense slice with separate id and payload indexes. Every mutation bumps a
// version counter and notifies OnChange subscribers, which is how callers
// observe the collection without a UI framework.
package collection

import (
	"sync"

	"github.com/google/uuid"
	"github.com/otcheredev/viewer-core/internal/events"
)

// Entry pairs a payload with its generated ID.
type Entry[T comparable] struct {
	ID      string
	Payload T
}

// Collection stores distinct payloads of type T.
type Collection[T comparable] struct {
	mu        sync.RWMutex
	entries   []Entry[T]
	byID      map[string]int
	byPayload map[T]string
	version   uint64

	inserted *events.Bus[Entry[T]]
	changed  *events.Bus[uint64]
}

// New creates an empty collection.
func New[T comparable]() *Collection[T] {
	return &Collection[T]{
		byID:      make(map[string]int),
		byPayload: make(map[T]string),
		inserted:  events.NewBus[Entry[T]](),
		changed:   events.NewBus[uint64](),
	}
}

// OnInsert registers a handler fired after each successful Insert.
func (c *Collection[T]) OnInsert(fn func(Entry[T])) *events.Subscription {
	return c.inserted.Subscribe(fn)
}

// OnChange registers a handler fired with the new version after any
// mutation.
func (c *Collection[T]) OnChange(fn func(version uint64)) *events.Subscription {
	return c.changed.Subscribe(fn)
}

// Version returns the invalidation counter.
func (c *Collection[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// bump must be called with c.mu held.
func (c *Collection[T]) bump() uint64 {
	c.version++
	return c.version
}

// Insert stores payload under a new ID. It returns ok=false, and stores
// nothing, when the payload is already present.
func (c *Collection[T]) Insert(payload T) (string, bool) {
	c.mu.Lock()
	if _, exists := c.byPayload[payload]; exists {
		c.mu.Unlock()
		return "", false
	}

	entry := Entry[T]{ID: uuid.NewString(), Payload: payload}
	c.entries = append(c.entries, entry)
	c.byID[entry.ID] = len(c.entries) - 1
	c.byPayload[payload] = entry.ID
	v := c.bump()
	c.mu.Unlock()

	c.inserted.Publish(entry)
	c.changed.Publish(v)
	return entry.ID, true
}

// UpdateByID stores payload under id. It refuses payloads already stored
// under another ID and IDs that do not exist.
func (c *Collection[T]) UpdateByID(id string, payload T) bool {
	c.mu.Lock()
	if existing, ok := c.byPayload[payload]; ok {
		c.mu.Unlock()
		return existing == id
	}

	idx, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return false
	}

	delete(c.byPayload, c.entries[idx].Payload)
	c.entries[idx].Payload = payload
	c.byPayload[payload] = id
	v := c.bump()
	c.mu.Unlock()

	c.changed.Publish(v)
	return true
}

// Update signals that payload was mutated in place.
func (c *Collection[T]) Update(payload T) bool {
	c.mu.Lock()
	if _, ok := c.byPayload[payload]; !ok {
		c.mu.Unlock()
		return false
	}
	v := c.bump()
	c.mu.Unlock()

	c.changed.Publish(v)
	return true
}

// Remove deletes every entry matching props and returns the removed
// payloads in collection order.
func (c *Collection[T]) Remove(props Props) []T {
	c.mu.Lock()
	var removed []T
	kept := c.entries[:0]
	for _, e := range c.entries {
		if matches(e.Payload, props) {
			removed = append(removed, e.Payload)
			delete(c.byPayload, e.Payload)
			delete(c.byID, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		c.mu.Unlock()
		return nil
	}

	var zero Entry[T]
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = zero
	}
	c.entries = kept
	c.reindex()
	v := c.bump()
	c.mu.Unlock()

	c.changed.Publish(v)
	return removed
}

// RemoveAll clears the collection.
func (c *Collection[T]) RemoveAll() {
	c.mu.Lock()
	c.entries = nil
	c.byID = make(map[string]int)
	c.byPayload = make(map[T]string)
	v := c.bump()
	c.mu.Unlock()

	c.changed.Publish(v)
}

func (c *Collection[T]) reindex() {
	for i, e := range c.entries {
		c.byID[e.ID] = i
	}
}

// Find returns the first payload accepted by pred.
func (c *Collection[T]) Find(pred func(payload T, id string, index int) bool) (T, bool) {
	for i, e := range c.snapshot() {
		if pred(e.Payload, e.ID, i) {
			return e.Payload, true
		}
	}
	var zero T
	return zero, false
}

// FindBy returns the first payload matching props after optional sorting.
func (c *Collection[T]) FindBy(props Props, opts *QueryOptions) (T, bool, error) {
	var zero T
	found, err := c.FindAllBy(props, opts)
	if err != nil {
		return zero, false, err
	}
	if len(found) == 0 {
		return zero, false, nil
	}
	return found[0], true, nil
}

// FindAllBy returns every payload matching props, sorted per opts.
func (c *Collection[T]) FindAllBy(props Props, opts *QueryOptions) ([]T, error) {
	entries := c.FindAllEntriesBy(props)
	found := make([]T, len(entries))
	for i, e := range entries {
		found[i] = e.Payload
	}
	if opts != nil {
		if err := sortPayloads(found, opts.Sort); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// FindAllEntriesBy returns every entry matching props in collection order.
func (c *Collection[T]) FindAllEntriesBy(props Props) []Entry[T] {
	var found []Entry[T]
	for _, e := range c.snapshot() {
		if matches(e.Payload, props) {
			found = append(found, e)
		}
	}
	return found
}

// All returns every payload, sorted per opts.
func (c *Collection[T]) All(opts *QueryOptions) ([]T, error) {
	return c.FindAllBy(nil, opts)
}

// Count returns the number of entries.
func (c *Collection[T]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetElementByIndex returns the payload at position index.
func (c *Collection[T]) GetElementByIndex(index int) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entries) {
		var zero T
		return zero, false
	}
	return c.entries[index].Payload, true
}

// IndexOfElement returns the position of payload, or -1.
func (c *Collection[T]) IndexOfElement(payload T) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byPayload[payload]
	if !ok {
		return -1
	}
	return c.byID[id]
}

// IndexOfID returns the position of the entry with id, or -1.
func (c *Collection[T]) IndexOfID(id string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return -1
	}
	return idx
}

// GetElementID returns the id payload was inserted under.
func (c *Collection[T]) GetElementID(payload T) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byPayload[payload]
	return id, ok
}

// FindByID returns the payload stored under id.
func (c *Collection[T]) FindByID(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.entries[idx].Payload, true
}

// ForEach calls fn for every entry in collection order. fn may mutate the
// collection; it iterates over a snapshot.
func (c *Collection[T]) ForEach(fn func(payload T, id string, index int)) {
	for i, e := range c.snapshot() {
		fn(e.Payload, e.ID, i)
	}
}

func (c *Collection[T]) snapshot() []Entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry[T], len(c.entries))
	copy(out, c.entries)
	return out
}
