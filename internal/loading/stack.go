package loading

import (
	"math"

	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/metrics"
	"github.com/otcheredev/viewer-core/internal/session"
)

// StackProgress is published by StackLoadingListener
type StackProgress struct {
	PercentComplete    float64 `json:"percentComplete"`
	TotalFramesCount   int     `json:"totalFramesCount"`
	LoadedFramesCount  int     `json:"loadedFramesCount"`
	LoadingFramesCount int     `json:"loadingFramesCount"`
	FramesPerSecond    float64 `json:"framesPerSecond"`
	FramesStatus       []bool  `json:"framesStatus"`
}

// StackLoadingListener follows a stack whose frames are loaded one request
// at a time.
type StackLoadingListener struct {
	base
	index        map[string]int
	framesStatus []bool
	loadedCount  int
}

// NewStackLoadingListener starts tracking imageIDs. Frames already cached are
// marked loaded before the first publication.
func NewStackLoadingListener(displaySetUID string, imageIDs []string, cache *imagecache.Cache, sess *session.Session, opts Options) *StackLoadingListener {
	l := &StackLoadingListener{
		index:        make(map[string]int, len(imageIDs)),
		framesStatus: make([]bool, len(imageIDs)),
	}
	l.init(displaySetUID, KindStack, sess, opts, DefaultStackStatsItemsLimit)
	for i, id := range imageIDs {
		if _, dup := l.index[id]; !dup {
			l.index[id] = i
		}
	}

	l.mu.Lock()
	l.subs = append(l.subs,
		cache.OnImageLoaded(func(ev imagecache.LoadedEvent) { l.updateFrameStatus(ev.ImageID, true) }),
		cache.OnImageEvicted(func(ev imagecache.EvictedEvent) { l.updateFrameStatus(ev.ImageID, false) }),
	)

	l.addStatsData(0)
	for id, i := range l.index {
		if cache.Contains(id) {
			l.framesStatus[i] = true
			l.loadedCount++
		}
	}
	done := l.updateProgress()
	l.mu.Unlock()

	if done != nil {
		done()
	}
	return l
}

// Progress returns a snapshot of the current progress
func (l *StackLoadingListener) Progress() StackProgress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *StackLoadingListener) updateFrameStatus(imageID string, loaded bool) {
	i, ok := l.index[imageID]
	if !ok {
		return
	}

	l.mu.Lock()
	if l.destroyed || l.framesStatus[i] == loaded {
		l.mu.Unlock()
		return
	}
	l.framesStatus[i] = loaded
	if loaded {
		l.loadedCount++
		l.addStatsData(1)
		metrics.FramesLoaded.Inc()
	} else {
		l.loadedCount--
	}
	done := l.updateProgress()
	l.mu.Unlock()

	if done != nil {
		done()
	}
}

// updateProgress publishes the current state; mu must be held
func (l *StackLoadingListener) updateProgress() func() {
	progress := l.snapshot()
	l.publish(progress)
	if progress.TotalFramesCount > 0 && progress.LoadedFramesCount == progress.TotalFramesCount {
		return l.complete(Summary{FramesLoaded: progress.LoadedFramesCount, TotalFrames: progress.TotalFramesCount})
	}
	return nil
}

func (l *StackLoadingListener) snapshot() StackProgress {
	total := len(l.framesStatus)
	p := StackProgress{
		TotalFramesCount:   total,
		LoadedFramesCount:  l.loadedCount,
		LoadingFramesCount: total - l.loadedCount,
		FramesPerSecond:    l.stats.Speed(),
		FramesStatus:       append([]bool(nil), l.framesStatus...),
	}
	if total > 0 {
		p.PercentComplete = math.Round(float64(l.loadedCount) / float64(total) * 100)
	}
	return p
}
