package imagecache

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/otcheredev/viewer-core/internal/metrics"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

// RequestType is the priority class of a request.
type RequestType string

const (
	RequestInteraction RequestType = "interaction"
	RequestThumbnail   RequestType = "thumbnail"
	RequestPrefetch    RequestType = "prefetch"
)

// priority order used when picking the next request
var requestTypes = []RequestType{RequestInteraction, RequestThumbnail, RequestPrefetch}

// ErrRequestCleared is passed to OnFailure of requests dropped by
// ClearRequestStack
var ErrRequestCleared = errors.New("request cleared from pool")

// Request asks the pool to bring one image into the cache.
type Request struct {
	ImageID      string
	Type         RequestType
	PreventCache bool
	OnSuccess    func(imageID string, data []byte)
	OnFailure    func(imageID string, err error)
}

// Loader fetches image payloads. progress may be called with the bytes
// received so far and the expected total (0 when unknown).
type Loader interface {
	Load(ctx context.Context, imageID string, progress func(loaded, total int64)) ([]byte, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, imageID string, progress func(loaded, total int64)) ([]byte, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, imageID string, progress func(loaded, total int64)) ([]byte, error) {
	return f(ctx, imageID, progress)
}

// PoolConfig holds configuration for the request pool
type PoolConfig struct {
	Workers int
}

// Pool queues image requests by priority and drains them with a fixed set
// of workers once StartGrabbing was called.
type Pool struct {
	cache   *Cache
	loader  Loader
	workers int
	log     zerolog.Logger

	mu       sync.Mutex
	queues   map[RequestType][]Request
	inflight map[string][]Request
	grabbing bool
	wake     chan struct{}
}

// NewPool creates a request pool filling cache through loader
func NewPool(cache *Cache, loader Loader, config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	return &Pool{
		cache:    cache,
		loader:   loader,
		workers:  config.Workers,
		log:      logger.Component("request-pool"),
		queues:   make(map[RequestType][]Request),
		inflight: make(map[string][]Request),
		wake:     make(chan struct{}),
	}
}

// AddRequest queues req. Unknown types are treated as prefetch requests.
func (p *Pool) AddRequest(req Request) {
	if req.Type != RequestInteraction && req.Type != RequestThumbnail {
		req.Type = RequestPrefetch
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[req.Type] = append(p.queues[req.Type], req)
	if p.grabbing {
		p.broadcast()
	}
}

// StartGrabbing lets the workers take queued requests
func (p *Pool) StartGrabbing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grabbing = true
	p.broadcast()
}

// ClearRequestStack drops every queued request of type t. Requests already
// handed to a worker are not cancelled.
func (p *Pool) ClearRequestStack(t RequestType) int {
	p.mu.Lock()
	dropped := p.queues[t]
	delete(p.queues, t)
	p.mu.Unlock()

	for _, req := range dropped {
		if req.OnFailure != nil {
			req.OnFailure(req.ImageID, ErrRequestCleared)
		}
	}
	return len(dropped)
}

// Pending returns the number of queued requests of type t
func (p *Pool) Pending(t RequestType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[t])
}

// Run starts the workers and blocks until ctx is done
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		req, ok := p.next(ctx)
		if !ok {
			return
		}
		p.handle(ctx, req)
	}
}

// next blocks until a request can be taken or ctx is done
func (p *Pool) next(ctx context.Context) (Request, bool) {
	for {
		p.mu.Lock()
		if p.grabbing {
			for _, t := range requestTypes {
				if q := p.queues[t]; len(q) > 0 {
					req := q[0]
					p.queues[t] = q[1:]
					p.mu.Unlock()
					return req, true
				}
			}
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, false
		case <-wake:
		}
	}
}

func (p *Pool) handle(ctx context.Context, req Request) {
	if !req.PreventCache {
		if data, ok := p.cached(req.ImageID); ok {
			metrics.ImageRequests.WithLabelValues(string(req.Type), "cached").Inc()
			if req.OnSuccess != nil {
				req.OnSuccess(req.ImageID, data)
			}
			return
		}
	}

	key := requestKey(req.ImageID)
	p.mu.Lock()
	if waiting, busy := p.inflight[key]; busy {
		p.inflight[key] = append(waiting, req)
		p.mu.Unlock()
		return
	}
	p.inflight[key] = []Request{req}
	p.mu.Unlock()

	data, err := p.loader.Load(ctx, req.ImageID, func(loaded, total int64) {
		p.cache.ReportProgress(req.ImageID, loaded, total)
	})

	// stored before the key is released so later frames find the file
	stored := make(map[string]bool)
	if err == nil && !req.PreventCache {
		p.store(req.ImageID, data)
		stored[req.ImageID] = true
	}

	p.mu.Lock()
	waiters := p.inflight[key]
	delete(p.inflight, key)
	p.mu.Unlock()

	if err == nil {
		for _, w := range waiters {
			if w.PreventCache || stored[w.ImageID] {
				continue
			}
			stored[w.ImageID] = true
			p.store(w.ImageID, data)
		}
	}

	for _, w := range waiters {
		if err != nil {
			metrics.ImageRequests.WithLabelValues(string(w.Type), "failed").Inc()
			p.log.Warn().Err(err).Str("image_id", w.ImageID).Str("type", string(w.Type)).Msg("Image request failed")
			if w.OnFailure != nil {
				w.OnFailure(w.ImageID, err)
			}
			continue
		}
		metrics.ImageRequests.WithLabelValues(string(w.Type), "loaded").Inc()
		if w.OnSuccess != nil {
			w.OnSuccess(w.ImageID, data)
		}
	}
}

// cached returns the payload of imageID. A frame of a file that is already
// cached is stored from that file instead of being fetched again.
func (p *Pool) cached(imageID string) ([]byte, bool) {
	if data, ok := p.cache.Get(imageID); ok {
		return data, true
	}
	if !isFileImageID(imageID) {
		return nil, false
	}
	data, ok := p.cache.Dataset(DatasetURL(imageID))
	if !ok {
		return nil, false
	}
	p.store(imageID, data)
	return data, true
}

func (p *Pool) store(imageID string, data []byte) {
	if err := p.cache.Put(imageID, data); err != nil {
		p.log.Warn().Err(err).Str("image_id", imageID).Msg("Image not cached")
	}
}

// requestKey groups requests served by one retrieval: the frames of a file
// share its dataset URL.
func requestKey(imageID string) string {
	if isFileImageID(imageID) {
		return DatasetURL(imageID)
	}
	return imageID
}

// broadcast wakes every waiting worker; p.mu must be held
func (p *Pool) broadcast() {
	close(p.wake)
	p.wake = make(chan struct{})
}
