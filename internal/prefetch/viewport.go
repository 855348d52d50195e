package prefetch

import (
	"slices"
	"sync"

	"github.com/otcheredev/viewer-core/internal/events"
)

// NewImageEvent is published when a viewport moves to another image of its
// stack.
type NewImageEvent struct {
	ViewportID string
	ImageID    string
	Index      int
}

// Viewport is the server-side state of a viewer pane: the stack of image
// IDs it shows and the index of the current one.
type Viewport struct {
	id string

	mu       sync.Mutex
	imageIDs []string
	index    int
	prefetch bool
	newImage *events.Bus[NewImageEvent]
}

// NewViewport creates an empty viewport
func NewViewport(id string) *Viewport {
	return &Viewport{
		id:       id,
		newImage: events.NewBus[NewImageEvent](),
	}
}

// ID returns the viewport identifier
func (v *Viewport) ID() string {
	return v.id
}

// SetStack replaces the stack and moves to index
func (v *Viewport) SetStack(imageIDs []string, index int) {
	v.mu.Lock()
	v.imageIDs = slices.Clone(imageIDs)
	v.index = clampIndex(index, len(imageIDs))
	ev, ok := v.current()
	v.mu.Unlock()

	if ok {
		v.newImage.Publish(ev)
	}
}

// SetImageIndex moves to another image of the stack. It returns false when
// index is out of range.
func (v *Viewport) SetImageIndex(index int) bool {
	v.mu.Lock()
	if index < 0 || index >= len(v.imageIDs) {
		v.mu.Unlock()
		return false
	}
	changed := index != v.index
	v.index = index
	ev, _ := v.current()
	v.mu.Unlock()

	if changed {
		v.newImage.Publish(ev)
	}
	return true
}

// SetImage moves to imageID if it is part of the stack
func (v *Viewport) SetImage(imageID string) bool {
	v.mu.Lock()
	index := slices.Index(v.imageIDs, imageID)
	v.mu.Unlock()
	if index < 0 {
		return false
	}
	return v.SetImageIndex(index)
}

// CurrentImageID returns the image shown by the viewport
func (v *Viewport) CurrentImageID() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ev, ok := v.current()
	return ev.ImageID, ok
}

// ImageIDs returns a copy of the stack
func (v *Viewport) ImageIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.imageIDs)
}

// Index returns the index of the current image
func (v *Viewport) Index() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.index
}

// PrefetchEnabled reports whether the images of the stack itself are
// prefetched
func (v *Viewport) PrefetchEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.prefetch
}

// OnNewImage subscribes to image changes
func (v *Viewport) OnNewImage(fn func(NewImageEvent)) *events.Subscription {
	return v.newImage.Subscribe(fn)
}

func (v *Viewport) setPrefetch(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prefetch = enabled
}

// current must be called with v.mu held
func (v *Viewport) current() (NewImageEvent, bool) {
	if len(v.imageIDs) == 0 {
		return NewImageEvent{ViewportID: v.id}, false
	}
	return NewImageEvent{ViewportID: v.id, ImageID: v.imageIDs[v.index], Index: v.index}, true
}

func clampIndex(index, n int) int {
	if n == 0 || index < 0 {
		return 0
	}
	if index >= n {
		return n - 1
	}
	return index
}
