package loading

import (
	"math"

	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/metrics"
	"github.com/otcheredev/viewer-core/internal/session"
)

// FileProgress is published by DICOMFileLoadingListener
type FileProgress struct {
	PercentComplete float64 `json:"percentComplete"`
	BytesLoaded     int64   `json:"bytesLoaded"`
	BytesTotal      int64   `json:"bytesTotal"`
	BytesPerSecond  float64 `json:"bytesPerSecond"`
}

// DICOMFileLoadingListener follows the byte progress of the single file all
// images of a stack are read from.
type DICOMFileLoadingListener struct {
	base
	datasetURL string
	progress   FileProgress
}

// NewDICOMFileLoadingListener starts tracking the file behind imageIDs[0].
// A file already in the cache is reported complete immediately.
func NewDICOMFileLoadingListener(displaySetUID string, imageIDs []string, cache *imagecache.Cache, sess *session.Session, opts Options) *DICOMFileLoadingListener {
	l := &DICOMFileLoadingListener{}
	l.init(displaySetUID, KindFile, sess, opts, DefaultFileStatsItemsLimit)
	if len(imageIDs) > 0 {
		l.datasetURL = imagecache.DatasetURL(imageIDs[0])
	}

	l.mu.Lock()
	l.subs = append(l.subs,
		cache.OnProgress(l.onProgress),
		cache.OnImageLoaded(l.onImageLoaded),
	)

	l.addStatsData(0)
	l.publish(l.progress)

	var done func()
	if size, ok := cache.DatasetSize(l.datasetURL); ok {
		done = l.finish(size)
	}
	l.mu.Unlock()

	if done != nil {
		done()
	}
	return l
}

// DatasetURL returns the file being tracked
func (l *DICOMFileLoadingListener) DatasetURL() string {
	return l.datasetURL
}

// Progress returns the last published progress
func (l *DICOMFileLoadingListener) Progress() FileProgress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

func (l *DICOMFileLoadingListener) onProgress(ev imagecache.ProgressEvent) {
	if ev.URL != l.datasetURL {
		return
	}

	l.mu.Lock()
	// a second stream of the same file never moves progress backwards
	if l.destroyed || ev.Loaded < l.progress.BytesLoaded {
		l.mu.Unlock()
		return
	}
	delta := ev.Loaded - l.progress.BytesLoaded
	if delta > 0 {
		metrics.BytesLoaded.Add(float64(delta))
	}
	l.addStatsData(float64(delta))

	l.progress.BytesLoaded = ev.Loaded
	l.progress.BytesTotal = ev.Total
	if ev.Total > 0 {
		l.progress.PercentComplete = math.Round(float64(ev.Loaded) / float64(ev.Total) * 100)
	}
	l.progress.BytesPerSecond = l.stats.Speed()
	l.publish(l.progress)

	var done func()
	if l.progress.PercentComplete >= 100 {
		done = l.complete(Summary{BytesLoaded: l.progress.BytesLoaded, FramesLoaded: 1, TotalFrames: 1})
	}
	l.mu.Unlock()

	if done != nil {
		done()
	}
}

// onImageLoaded completes the file when it lands in the cache without a
// final progress event.
func (l *DICOMFileLoadingListener) onImageLoaded(ev imagecache.LoadedEvent) {
	if imagecache.DatasetURL(ev.ImageID) != l.datasetURL {
		return
	}

	l.mu.Lock()
	var done func()
	if !l.destroyed && l.progress.PercentComplete < 100 {
		done = l.finish(ev.SizeInBytes)
	}
	l.mu.Unlock()

	if done != nil {
		done()
	}
}

// finish publishes a complete file of size bytes; mu must be held
func (l *DICOMFileLoadingListener) finish(size int64) func() {
	l.progress.PercentComplete = 100
	l.progress.BytesLoaded = size
	l.progress.BytesTotal = size
	l.publish(l.progress)
	return l.complete(Summary{BytesLoaded: size, FramesLoaded: 1, TotalFrames: 1})
}
