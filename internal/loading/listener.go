// Package loading tracks retrieval progress of display set stacks and
// publishes it to the session under "StackProgress:<displaySetInstanceUID>".
package loading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/viewer-core/internal/events"
	"github.com/otcheredev/viewer-core/internal/metrics"
	"github.com/otcheredev/viewer-core/internal/session"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

// SessionKeyPrefix prefixes the session keys progress is published under
const SessionKeyPrefix = "StackProgress:"

const publishTimeout = 3 * time.Second

// Default window sizes of the throughput statistics
const (
	DefaultFileStatsItemsLimit  = 2
	DefaultStackStatsItemsLimit = 20
)

// Kind tells which mechanism a listener observes.
type Kind string

const (
	KindFile  Kind = "file"
	KindStack Kind = "stack"
)

// Options tune a listener
type Options struct {
	StatsItemsLimit int
	Now             func() time.Time
	OnComplete      func(Summary)
}

// Summary is handed to OnComplete when progress first reaches 100%.
type Summary struct {
	DisplaySetInstanceUID string
	Kind                  Kind
	Duration              time.Duration
	BytesLoaded           int64
	FramesLoaded          int
	TotalFrames           int
}

// Listener is a live progress tracker for one stack
type Listener interface {
	DisplaySetInstanceUID() string
	SessionKey() string
	Kind() Kind
	Destroy()
}

// SessionKey returns the key progress of a display set is published under
func SessionKey(displaySetInstanceUID string) string {
	return SessionKeyPrefix + displaySetInstanceUID
}

// base holds what every listener shares. Its methods expect mu held unless
// stated otherwise.
type base struct {
	mu            sync.Mutex
	displaySetUID string
	kind          Kind
	session       *session.Session
	stats         *Stats
	now           func() time.Time
	started       time.Time
	onComplete    func(Summary)
	completed     bool
	destroyed     bool
	subs          []*events.Subscription
	log           zerolog.Logger
}

func (b *base) init(displaySetUID string, kind Kind, sess *session.Session, opts Options, defaultLimit int) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limit := opts.StatsItemsLimit
	if limit <= 0 {
		limit = defaultLimit
	}
	b.displaySetUID = displaySetUID
	b.kind = kind
	b.session = sess
	b.stats = NewStats(limit)
	b.now = now
	b.started = now()
	b.onComplete = opts.OnComplete
	b.log = logger.Component("loading").With().Str("display_set", displaySetUID).Str("kind", string(kind)).Logger()
	metrics.ActiveListeners.Inc()
}

// DisplaySetInstanceUID returns the display set being tracked
func (b *base) DisplaySetInstanceUID() string {
	return b.displaySetUID
}

// SessionKey returns the key progress is published under
func (b *base) SessionKey() string {
	return SessionKey(b.displaySetUID)
}

// Kind returns file or stack
func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) addStatsData(value float64) {
	b.stats.Add(value, b.now())
}

// publish writes progress to the session. Failures are logged only.
func (b *base) publish(progress any) {
	if b.session == nil || b.destroyed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.session.Set(ctx, b.SessionKey(), progress); err != nil {
		b.log.Warn().Err(err).Msg("Failed to publish loading progress")
	}
}

// complete returns the OnComplete callback the first time it is called
// with a finished summary, nil otherwise. The caller invokes it after
// releasing mu.
func (b *base) complete(summary Summary) func() {
	if b.completed || b.onComplete == nil {
		b.completed = true
		return nil
	}
	b.completed = true
	summary.DisplaySetInstanceUID = b.displaySetUID
	summary.Kind = b.kind
	summary.Duration = b.now().Sub(b.started)
	fn := b.onComplete
	return func() { fn(summary) }
}

// Destroy detaches the listener and removes its published progress. It is
// safe to call more than once. mu must not be held.
func (b *base) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	metrics.ActiveListeners.Dec()

	if b.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.session.Delete(ctx, b.SessionKey()); err != nil {
		b.log.Warn().Err(err).Msg("Failed to clear loading progress")
	}
}
