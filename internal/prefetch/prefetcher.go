// Package prefetch decides which display sets around the active viewport
// are requested ahead of display and queues them on the request pool.
package prefetch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/viewer-core/internal/collection"
	"github.com/otcheredev/viewer-core/internal/events"
	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/metadata"
	"github.com/otcheredev/viewer-core/internal/metrics"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

// DefaultDebounce delays prefetching after an image change
const DefaultDebounce = 300 * time.Millisecond

// Config holds configuration for the prefetcher
type Config struct {
	Enabled         bool
	Order           Order
	DisplaySetCount int
	Debounce        time.Duration
}

// RequestPool is the part of the request pool the prefetcher drives
type RequestPool interface {
	AddRequest(req imagecache.Request)
	StartGrabbing()
	ClearRequestStack(t imagecache.RequestType) int
}

// Prefetcher queues the images of the display sets next to the one shown
// in the active viewport.
type Prefetcher struct {
	studies *collection.Collection[*metadata.StudyMetadata]
	cache   *imagecache.Cache
	pool    RequestPool
	config  Config
	log     zerolog.Logger

	mu        sync.Mutex
	viewports map[string]*Viewport
	active    *Viewport
	activeSub *events.Subscription
	timer     *time.Timer
	halted    bool
	closed    bool
	fullSub   *events.Subscription
}

// New creates a prefetcher over the loaded studies
func New(studies *collection.Collection[*metadata.StudyMetadata], cache *imagecache.Cache, pool RequestPool, config Config) *Prefetcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	p := &Prefetcher{
		studies:   studies,
		cache:     cache,
		pool:      pool,
		config:    config,
		log:       logger.Component("prefetch"),
		viewports: make(map[string]*Viewport),
	}
	p.fullSub = cache.OnCacheFull(p.onCacheFull)
	return p
}

// RegisterViewport makes a viewport known to the prefetcher
func (p *Prefetcher) RegisterViewport(v *Viewport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewports[v.ID()] = v
}

// Viewport returns a registered viewport
func (p *Prefetcher) Viewport(id string) (*Viewport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.viewports[id]
	return v, ok
}

// ActiveViewport returns the active viewport, if any
func (p *Prefetcher) ActiveViewport() *Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetActiveViewport activates a registered viewport. Stack prefetching is
// disabled on every other viewport and enabled on this one when its stack
// holds more than one image. Later image changes in the viewport trigger a
// debounced prefetch.
func (p *Prefetcher) SetActiveViewport(id string) bool {
	p.mu.Lock()
	v, ok := p.viewports[id]
	if !ok || p.closed {
		p.mu.Unlock()
		return false
	}
	for _, other := range p.viewports {
		if other != v {
			other.setPrefetch(false)
		}
	}
	v.setPrefetch(len(v.ImageIDs()) > 1)

	p.activeSub.Unsubscribe()
	p.active = v
	p.activeSub = v.OnNewImage(func(NewImageEvent) { p.schedule() })
	p.mu.Unlock()

	p.log.Debug().Str("viewport", id).Msg("Viewport activated")
	if _, err := p.Prefetch(); err != nil && !errors.Is(err, imagecache.ErrCacheFull) {
		p.log.Warn().Err(err).Msg("Prefetch failed")
	}
	return true
}

// GetDisplaySetsToPrefetch returns the display sets selected by the
// configured order around the display set shown in the active viewport.
func (p *Prefetcher) GetDisplaySetsToPrefetch() []*metadata.ImageSet {
	if p.config.DisplaySetCount <= 0 {
		return nil
	}
	if !p.config.Order.Valid() {
		p.log.Warn().Str("order", string(p.config.Order)).Msg("Unknown prefetch order, nothing selected")
		return nil
	}

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active == nil {
		return nil
	}
	imageID, ok := active.CurrentImageID()
	if !ok {
		return nil
	}

	study, inst := p.findImage(imageID)
	if study == nil {
		return nil
	}
	sop := inst.GetSOPInstanceUID()
	current := study.FindDisplaySet(func(ds *metadata.ImageSet, _ int) bool {
		return ds.ContainsSOPInstanceUID(sop)
	})
	if current == nil {
		return nil
	}

	displaySets := study.GetDisplaySets()
	indices := selectIndices(p.config.Order, study.IndexOfDisplaySet(current), p.config.DisplaySetCount, len(displaySets))
	out := make([]*metadata.ImageSet, 0, len(indices))
	for _, i := range indices {
		out = append(out, displaySets[i])
	}
	return out
}

// GetImageIDsFromDisplaySet returns the image ID of every image of ds, one
// per frame for multiframe display sets.
func GetImageIDsFromDisplaySet(ds *metadata.ImageSet) []string {
	images := ds.Images()
	ids := make([]string, 0, len(images))
	for _, img := range images {
		withID, ok := img.(interface{ ImageID() string })
		if !ok {
			continue
		}
		if id := withID.ImageID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Prefetch queues the uncached images of the active stack, nearest to the
// current image first, followed by those of the selected display sets. It
// returns the queued image IDs, or ErrCacheFull while halted.
func (p *Prefetcher) Prefetch() ([]string, error) {
	p.mu.Lock()
	halted, closed, active := p.halted, p.closed, p.active
	p.mu.Unlock()
	if closed || !p.config.Enabled {
		return nil, nil
	}
	if halted {
		return nil, imagecache.ErrCacheFull
	}

	var candidates []string
	if active != nil && active.PrefetchEnabled() {
		candidates = append(candidates, nearestFirst(active.ImageIDs(), active.Index())...)
	}
	for _, ds := range p.GetDisplaySetsToPrefetch() {
		candidates = append(candidates, GetImageIDsFromDisplaySet(ds)...)
	}

	seen := make(map[string]struct{}, len(candidates))
	var queued []string
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p.cache.Contains(id) {
			continue
		}
		queued = append(queued, id)
	}
	if len(queued) == 0 {
		return nil, nil
	}

	for _, id := range queued {
		p.pool.AddRequest(imagecache.Request{
			ImageID:   id,
			Type:      imagecache.RequestPrefetch,
			OnFailure: p.onRequestFailed,
		})
	}
	metrics.PrefetchQueued.Add(float64(len(queued)))
	p.pool.StartGrabbing()

	p.log.Debug().Int("images", len(queued)).Msg("Prefetch queued")
	return queued, nil
}

// StopPrefetching disables stack prefetching on every viewport, detaches the
// image change handler and drops queued prefetch requests. Requests already
// being fetched complete.
func (p *Prefetcher) StopPrefetching() {
	p.mu.Lock()
	for _, v := range p.viewports {
		v.setPrefetch(false)
	}
	p.activeSub.Unsubscribe()
	p.activeSub = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if n := p.pool.ClearRequestStack(imagecache.RequestPrefetch); n > 0 {
		p.log.Debug().Int("requests", n).Msg("Prefetch requests cleared")
	}
}

// Start resumes prefetching after StopPrefetching or a cache full signal
func (p *Prefetcher) Start() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.halted = false
	active := p.active
	p.mu.Unlock()

	if active != nil {
		p.SetActiveViewport(active.ID())
	}
}

// Halted reports whether prefetching stopped on a full cache
func (p *Prefetcher) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Close stops prefetching for good
func (p *Prefetcher) Close() {
	p.StopPrefetching()

	p.mu.Lock()
	p.closed = true
	p.fullSub.Unsubscribe()
	p.mu.Unlock()
}

func (p *Prefetcher) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.config.Debounce, func() {
		if _, err := p.Prefetch(); err != nil && !errors.Is(err, imagecache.ErrCacheFull) {
			p.log.Warn().Err(err).Msg("Prefetch failed")
		}
	})
}

func (p *Prefetcher) onCacheFull(ev imagecache.FullEvent) {
	p.mu.Lock()
	if p.halted || p.closed {
		p.mu.Unlock()
		return
	}
	p.halted = true
	p.mu.Unlock()

	n := p.pool.ClearRequestStack(imagecache.RequestPrefetch)
	p.log.Warn().
		Int64("max_bytes", ev.MaxBytes).
		Int64("current_bytes", ev.CurrentBytes).
		Int("cleared", n).
		Msg("Image cache full, prefetching stopped")
}

func (p *Prefetcher) onRequestFailed(imageID string, err error) {
	if errors.Is(err, imagecache.ErrRequestCleared) {
		return
	}
	p.log.Warn().Err(err).Str("image_id", imageID).Msg("Prefetch request failed")
}

// findImage resolves an image ID to the loaded study and instance it
// belongs to
func (p *Prefetcher) findImage(imageID string) (*metadata.StudyMetadata, *metadata.InstanceMetadata) {
	var inst *metadata.InstanceMetadata
	study, ok := p.studies.Find(func(s *metadata.StudyMetadata, _ string, _ int) bool {
		inst = s.FindInstance(func(i *metadata.InstanceMetadata, _ int) bool {
			return hasImageID(i, imageID)
		})
		return inst != nil
	})
	if !ok {
		return nil, nil
	}
	return study, inst
}

func hasImageID(inst *metadata.InstanceMetadata, imageID string) bool {
	frames := max(inst.NumberOfFrames(), 1)
	for f := 0; f < frames; f++ {
		if inst.GetImageID(f) == imageID {
			return true
		}
	}
	return false
}

// nearestFirst orders a stack by distance to current, the previous image
// before the next one on ties. The current image is left out.
func nearestFirst(imageIDs []string, current int) []string {
	idx := make([]int, 0, len(imageIDs))
	for i := range imageIDs {
		if i != current {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		da, db := abs(idx[a]-current), abs(idx[b]-current)
		if da != db {
			return da < db
		}
		return idx[a] < idx[b]
	})
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = imageIDs[j]
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
