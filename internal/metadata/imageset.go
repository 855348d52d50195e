package metadata

import (
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Attribute names set on display sets by CreateDisplaySets.
const (
	AttrDisplaySetInstanceUID = "displaySetInstanceUID"
	AttrStudyInstanceUID      = "studyInstanceUID"
	AttrSeriesInstanceUID     = "seriesInstanceUID"
	AttrSeriesNumber          = "seriesNumber"
	AttrSeriesDescription     = "seriesDescription"
	AttrModality              = "modality"
	AttrIsMultiFrame          = "isMultiFrame"
	AttrNumImageFrames        = "numImageFrames"
	AttrSOPInstanceUID        = "sopInstanceUID"
)

// Image is an entry of a display set.
type Image interface {
	GetSOPInstanceUID() string
}

// FrameImage addresses one zero-based frame of a multiframe instance.
type FrameImage struct {
	Instance *InstanceMetadata
	Frame    int
}

// GetSOPInstanceUID returns the UID of the instance holding the frame
func (f FrameImage) GetSOPInstanceUID() string {
	return f.Instance.GetSOPInstanceUID()
}

// ImageID returns the image ID of the frame
func (f FrameImage) ImageID() string {
	return f.Instance.GetImageID(f.Frame)
}

// ImageSet is an ordered list of images with arbitrary attributes, used as
// a display set.
type ImageSet struct {
	uid string

	mu         sync.RWMutex
	images     []Image
	attributes map[string]any
}

// NewImageSet creates a display set over images. A nil slice is rejected;
// an empty one is allowed.
func NewImageSet(images []Image) (*ImageSet, error) {
	if images == nil {
		return nil, newError("NewImageSet", "images must be a list")
	}
	return &ImageSet{
		uid:        uuid.NewString(),
		images:     images,
		attributes: make(map[string]any),
	}, nil
}

// UID returns the display set instance UID
func (s *ImageSet) UID() string {
	return s.uid
}

// Images returns a copy of the image list.
func (s *ImageSet) Images() []Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.images)
}

// ImageCount returns the number of images
func (s *ImageSet) ImageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// GetImage returns the image at index, or nil
func (s *ImageSet) GetImage(index int) Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.images) {
		return nil
	}
	return s.images[index]
}

// SetAttribute stores an attribute of the display set
func (s *ImageSet) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes[name] = value
}

// GetAttribute returns an attribute, or nil
func (s *ImageSet) GetAttribute(name string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attributes[name]
}

// StringAttribute returns the attribute when it is a string.
func (s *ImageSet) StringAttribute(name string) string {
	v, _ := s.GetAttribute(name).(string)
	return v
}

// SetAttributes applies every pair of attrs.
func (s *ImageSet) SetAttributes(attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range attrs {
		s.attributes[k] = v
	}
}

// Attributes returns a copy of all attributes.
func (s *ImageSet) Attributes() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.attributes)
}

// SortBy sorts the images in place with a stable sort and returns the
// sorted list.
func (s *ImageSet) SortBy(cmp func(a, b Image) int) []Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	slices.SortStableFunc(s.images, cmp)
	return s.images
}

// IndexOfSOPInstanceUID returns the position of the first image of the
// instance, or -1.
func (s *ImageSet) IndexOfSOPInstanceUID(sopInstanceUID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, img := range s.images {
		if img != nil && img.GetSOPInstanceUID() == sopInstanceUID {
			return i
		}
	}
	return -1
}

// ContainsSOPInstanceUID reports whether an image belongs to the instance
func (s *ImageSet) ContainsSOPInstanceUID(sopInstanceUID string) bool {
	return s.IndexOfSOPInstanceUID(sopInstanceUID) >= 0
}
