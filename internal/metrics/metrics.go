// Package metrics holds the Prometheus collectors of the viewer core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "viewer"

var (
	// FramesLoaded counts frames reported loaded to stack listeners
	FramesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loading",
		Name:      "frames_loaded_total",
		Help:      "Frames marked loaded by stack loading listeners.",
	})

	// BytesLoaded counts bytes reported to file listeners
	BytesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loading",
		Name:      "bytes_loaded_total",
		Help:      "Bytes received by file loading listeners.",
	})

	// ActiveListeners is the number of live loading listeners
	ActiveListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "loading",
		Name:      "listeners_active",
		Help:      "Loading listeners currently attached.",
	})

	// CacheBytes is the size of the image cache
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "image_cache",
		Name:      "bytes",
		Help:      "Bytes held by the image cache.",
	})

	// CacheEvictions counts images evicted from the image cache
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "image_cache",
		Name:      "evictions_total",
		Help:      "Images removed from the image cache.",
	})

	// ImageRequests counts finished pool requests by type and outcome
	ImageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "request_pool",
		Name:      "requests_total",
		Help:      "Image requests handled by the request pool.",
	}, []string{"type", "status"})

	// PrefetchQueued counts image IDs queued by the prefetcher
	PrefetchQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "prefetch",
		Name:      "queued_total",
		Help:      "Image requests queued by the study prefetcher.",
	})

	// StudiesLoaded is the number of studies held by the viewer
	StudiesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "studies_loaded",
		Help:      "Studies currently loaded.",
	})
)
