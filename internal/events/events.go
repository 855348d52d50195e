// Package events provides typed in-process event buses. Every subscription
// returns a handle, so listeners detach deterministically instead of by
// string keys on a shared registry.
package events

import "sync"

// Subscription is the handle returned by Bus.Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the handler. Calling it more than once, or on a nil
// subscription, is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Bus delivers events of type E to its subscribers.
type Bus[E any] struct {
	mu       sync.RWMutex
	nextID   uint64
	order    []uint64
	handlers map[uint64]func(E)
}

// NewBus creates an empty bus.
func NewBus[E any]() *Bus[E] {
	return &Bus[E]{
		handlers: make(map[uint64]func(E)),
	}
}

// Subscribe registers fn and returns its handle.
func (b *Bus[E]) Subscribe(fn func(E)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.order = append(b.order, id)

	return &Subscription{cancel: func() { b.remove(id) }}
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish calls every handler in subscription order. Handlers run outside
// the bus lock and may subscribe or unsubscribe.
func (b *Bus[E]) Publish(ev E) {
	b.mu.RLock()
	fns := make([]func(E), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}
