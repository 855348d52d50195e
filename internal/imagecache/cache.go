// Package imagecache is the shared image store the loading listeners and the
// prefetcher observe: an LRU cache bounded by bytes that announces loads,
// evictions and saturation, plus a prioritised request pool that fills it.
package imagecache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/otcheredev/viewer-core/internal/events"
	"github.com/otcheredev/viewer-core/internal/metrics"
)

var (
	// ErrCacheFull is returned by consumers that stop filling the cache once
	// it has saturated
	ErrCacheFull = errors.New("image cache is full")
	// ErrImageTooLarge is returned for images larger than the whole cache
	ErrImageTooLarge = errors.New("image exceeds cache capacity")
)

// LoadedEvent is published after an image is stored.
type LoadedEvent struct {
	ImageID     string
	SizeInBytes int64
}

// EvictedEvent is published when an image leaves the cache.
type EvictedEvent struct {
	ImageID     string
	SizeInBytes int64
}

// FullEvent is published after a put had to purge older images.
type FullEvent struct {
	MaxBytes     int64
	CurrentBytes int64
	Evicted      int
}

// ProgressEvent reports partial retrieval of an image.
type ProgressEvent struct {
	ImageID         string
	URL             string
	Loaded          int64
	Total           int64
	PercentComplete float64
}

// Info summarises cache occupancy.
type Info struct {
	MaxBytes       int64 `json:"maxBytes"`
	CurrentBytes   int64 `json:"currentBytes"`
	NumberOfImages int   `json:"numberOfImages"`
}

type entry struct {
	imageID string
	data    []byte
	size    int64
	dataset string
}

// Cache holds image payloads keyed by image ID, evicting the least recently
// used ones when the byte budget is exceeded.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	order    *list.List
	entries  map[string]*list.Element
	datasets map[string]*datasetRef

	loaded   *events.Bus[LoadedEvent]
	evicted  *events.Bus[EvictedEvent]
	full     *events.Bus[FullEvent]
	progress *events.Bus[ProgressEvent]
}

// datasetRef holds the file behind wadouri images. Frames of one file share
// it, and its bytes are charged once while any frame references it.
type datasetRef struct {
	data []byte
	size int64
	refs int
}

// NewCache creates a cache bounded to maxBytes
func NewCache(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		datasets: make(map[string]*datasetRef),
		loaded:   events.NewBus[LoadedEvent](),
		evicted:  events.NewBus[EvictedEvent](),
		full:     events.NewBus[FullEvent](),
		progress: events.NewBus[ProgressEvent](),
	}
}

// OnImageLoaded subscribes to stored images
func (c *Cache) OnImageLoaded(fn func(LoadedEvent)) *events.Subscription {
	return c.loaded.Subscribe(fn)
}

// OnImageEvicted subscribes to removed images
func (c *Cache) OnImageEvicted(fn func(EvictedEvent)) *events.Subscription {
	return c.evicted.Subscribe(fn)
}

// OnCacheFull subscribes to saturation signals
func (c *Cache) OnCacheFull(fn func(FullEvent)) *events.Subscription {
	return c.full.Subscribe(fn)
}

// OnProgress subscribes to retrieval progress
func (c *Cache) OnProgress(fn func(ProgressEvent)) *events.Subscription {
	return c.progress.Subscribe(fn)
}

// Put stores data under imageID, evicting least recently used images when
// needed. When anything had to be evicted a FullEvent follows the evictions.
// Frames of a file already cached share its payload and cost no bytes.
func (c *Cache) Put(imageID string, data []byte) error {
	size := int64(len(data))
	if size > c.maxBytes {
		return ErrImageTooLarge
	}

	c.mu.Lock()
	if el, ok := c.entries[imageID]; ok {
		c.removeElement(el)
	}

	dataset := ""
	if isFileImageID(imageID) {
		dataset = DatasetURL(imageID)
	}

	var evicted []EvictedEvent
	if ref, shared := c.datasets[dataset]; shared && dataset != "" {
		data = ref.data
		size = ref.size
	} else {
		for c.curBytes+size > c.maxBytes && c.order.Len() > 0 {
			oldest := c.order.Back()
			e := oldest.Value.(*entry)
			c.removeElement(oldest)
			evicted = append(evicted, EvictedEvent{ImageID: e.imageID, SizeInBytes: e.size})
		}
		if dataset != "" {
			c.datasets[dataset] = &datasetRef{data: data, size: size}
		}
		c.curBytes += size
	}

	e := &entry{imageID: imageID, data: data, size: size, dataset: dataset}
	if dataset != "" {
		c.datasets[dataset].refs++
	}
	c.entries[imageID] = c.order.PushFront(e)
	full := FullEvent{MaxBytes: c.maxBytes, CurrentBytes: c.curBytes, Evicted: len(evicted)}
	c.mu.Unlock()

	metrics.CacheBytes.Set(float64(full.CurrentBytes))
	for _, ev := range evicted {
		metrics.CacheEvictions.Inc()
		c.evicted.Publish(ev)
	}
	if len(evicted) > 0 {
		c.full.Publish(full)
	}
	c.loaded.Publish(LoadedEvent{ImageID: imageID, SizeInBytes: size})
	return nil
}

// Get returns the payload of imageID and marks it recently used
func (c *Cache) Get(imageID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[imageID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Contains reports whether imageID is cached without touching its recency
func (c *Cache) Contains(imageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[imageID]
	return ok
}

// SizeOf returns the cached size of imageID
func (c *Cache) SizeOf(imageID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[imageID]
	if !ok {
		return 0, false
	}
	return el.Value.(*entry).size, true
}

// DatasetSize returns the byte length of a fully cached file dataset, as
// produced by DatasetURL
func (c *Cache) DatasetSize(datasetURL string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.datasets[datasetURL]
	if !ok {
		return 0, false
	}
	return ref.size, true
}

// Dataset returns the payload of a cached file dataset
func (c *Cache) Dataset(datasetURL string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.datasets[datasetURL]
	if !ok {
		return nil, false
	}
	return ref.data, true
}

// Remove drops imageID
func (c *Cache) Remove(imageID string) bool {
	c.mu.Lock()
	el, ok := c.entries[imageID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := el.Value.(*entry)
	c.removeElement(el)
	current := c.curBytes
	c.mu.Unlock()

	metrics.CacheBytes.Set(float64(current))
	metrics.CacheEvictions.Inc()
	c.evicted.Publish(EvictedEvent{ImageID: e.imageID, SizeInBytes: e.size})
	return true
}

// Purge drops every image
func (c *Cache) Purge() {
	c.mu.Lock()
	var evicted []EvictedEvent
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		e := el.Value.(*entry)
		c.removeElement(el)
		evicted = append(evicted, EvictedEvent{ImageID: e.imageID, SizeInBytes: e.size})
	}
	c.mu.Unlock()

	metrics.CacheBytes.Set(0)
	for _, ev := range evicted {
		metrics.CacheEvictions.Inc()
		c.evicted.Publish(ev)
	}
}

// Info returns the current occupancy
func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{MaxBytes: c.maxBytes, CurrentBytes: c.curBytes, NumberOfImages: len(c.entries)}
}

// ReportProgress publishes retrieval progress of imageID
func (c *Cache) ReportProgress(imageID string, loaded, total int64) {
	ev := ProgressEvent{ImageID: imageID, URL: DatasetURL(imageID), Loaded: loaded, Total: total}
	if total > 0 {
		ev.PercentComplete = float64(loaded) / float64(total) * 100
	}
	c.progress.Publish(ev)
}

// removeElement must be called with c.mu held
func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.imageID)

	if e.dataset == "" {
		c.curBytes -= e.size
		return
	}
	ref := c.datasets[e.dataset]
	ref.refs--
	if ref.refs <= 0 {
		delete(c.datasets, e.dataset)
		c.curBytes -= ref.size
	}
}
