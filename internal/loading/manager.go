package loading

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/session"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

// ManagerConfig holds configuration for the listener manager
type ManagerConfig struct {
	FileStatsItemsLimit  int
	StackStatsItemsLimit int
	OnComplete           func(Summary)
}

// Manager owns the listeners of the stacks currently being loaded, one per
// display set.
type Manager struct {
	cache   *imagecache.Cache
	session *session.Session
	config  ManagerConfig
	log     zerolog.Logger

	mu        sync.Mutex
	listeners map[string]Listener
}

// NewManager creates a listener manager
func NewManager(cache *imagecache.Cache, sess *session.Session, config ManagerConfig) *Manager {
	if config.FileStatsItemsLimit <= 0 {
		config.FileStatsItemsLimit = DefaultFileStatsItemsLimit
	}
	if config.StackStatsItemsLimit <= 0 {
		config.StackStatsItemsLimit = DefaultStackStatsItemsLimit
	}
	return &Manager{
		cache:     cache,
		session:   sess,
		config:    config,
		log:       logger.Component("loading"),
		listeners: make(map[string]Listener),
	}
}

// AddStack starts tracking a display set. A stack whose images all come
// from a single file gets a file listener, any other a stack listener. A
// listener already tracking the display set is destroyed first.
func (m *Manager) AddStack(displaySetUID string, imageIDs []string) Listener {
	m.RemoveStack(displaySetUID)

	var l Listener
	if isSingleFile(imageIDs) {
		l = NewDICOMFileLoadingListener(displaySetUID, imageIDs, m.cache, m.session, Options{
			StatsItemsLimit: m.config.FileStatsItemsLimit,
			OnComplete:      m.config.OnComplete,
		})
	} else {
		l = NewStackLoadingListener(displaySetUID, imageIDs, m.cache, m.session, Options{
			StatsItemsLimit: m.config.StackStatsItemsLimit,
			OnComplete:      m.config.OnComplete,
		})
	}

	m.mu.Lock()
	m.listeners[displaySetUID] = l
	m.mu.Unlock()

	m.log.Debug().
		Str("display_set", displaySetUID).
		Str("kind", string(l.Kind())).
		Int("images", len(imageIDs)).
		Msg("Tracking stack")
	return l
}

// RemoveStack destroys the listener of a display set
func (m *Manager) RemoveStack(displaySetUID string) bool {
	m.mu.Lock()
	l, ok := m.listeners[displaySetUID]
	delete(m.listeners, displaySetUID)
	m.mu.Unlock()

	if ok {
		l.Destroy()
	}
	return ok
}

// Listener returns the listener of a display set
func (m *Manager) Listener(displaySetUID string) (Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[displaySetUID]
	return l, ok
}

// Clear destroys every listener
func (m *Manager) Clear() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = make(map[string]Listener)
	m.mu.Unlock()

	for _, l := range listeners {
		l.Destroy()
	}
}

// Count returns the number of tracked stacks
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func isSingleFile(imageIDs []string) bool {
	if len(imageIDs) == 0 {
		return false
	}
	url := imagecache.DatasetURL(imageIDs[0])
	for _, id := range imageIDs {
		if !imagecache.IsFileImageID(id) || imagecache.DatasetURL(id) != url {
			return false
		}
	}
	return true
}
