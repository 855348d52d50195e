package metadata

import (
	"fmt"
	"net/url"
	"sync"
)

// ImageIDScheme selects how instance image IDs are built.
type ImageIDScheme string

const (
	// SchemeWADORS addresses single frames through the WADO-RS frames
	// resource.
	SchemeWADORS ImageIDScheme = "wadors"
	// SchemeWADOURI addresses whole Part-10 files through WADO-URI; frames of
	// a multiframe file share the file.
	SchemeWADOURI ImageIDScheme = "wadouri"
)

// InstanceMetadata is one DICOM instance.
type InstanceMetadata struct {
	Metadata
	sopInstanceUID string

	linkMu sync.RWMutex
	series *SeriesMetadata
	cache  *TagCache
}

// NewInstanceMetadata wraps data. When uid is empty the SOP Instance UID of
// data is used as identity.
func NewInstanceMetadata(data Dataset, uid string) *InstanceMetadata {
	sop := data.String(TagSOPInstanceUID)
	if uid == "" {
		uid = sop
	}
	if sop == "" {
		sop = uid
	}
	inst := &InstanceMetadata{sopInstanceUID: sop}
	inst.init(data, uid)
	return inst
}

// GetSOPInstanceUID returns the SOP Instance UID
func (i *InstanceMetadata) GetSOPInstanceUID() string {
	return i.sopInstanceUID
}

// Series returns the owning series, or nil before the instance is added to
// one.
func (i *InstanceMetadata) Series() *SeriesMetadata {
	i.linkMu.RLock()
	defer i.linkMu.RUnlock()
	return i.series
}

// Study returns the study of the owning series.
func (i *InstanceMetadata) Study() *StudyMetadata {
	if s := i.Series(); s != nil {
		return s.Study()
	}
	return nil
}

func (i *InstanceMetadata) attach(s *SeriesMetadata, cache *TagCache) {
	i.linkMu.Lock()
	defer i.linkMu.Unlock()
	i.series = s
	i.cache = cache
}

func (i *InstanceMetadata) tagCache() *TagCache {
	i.linkMu.RLock()
	defer i.linkMu.RUnlock()
	return i.cache
}

// LookupTag resolves an attribute on the instance, then the owning series,
// then the study. Results are memoised unless bypassCache is set, in which
// case the tree is walked again and the memo refreshed.
func (i *InstanceMetadata) LookupTag(tagOrKeyword string, bypassCache bool) (any, bool) {
	key, ok := NormalizeTag(tagOrKeyword)
	if !ok {
		return nil, false
	}
	return i.lookup(key, bypassCache)
}

func (i *InstanceMetadata) lookup(key string, bypassCache bool) (any, bool) {
	cache := i.tagCache()
	if !bypassCache {
		if v, ok := cache.get(i, key); ok {
			return v.value, v.found
		}
	}

	v, found := i.resolve(key)
	cache.put(i, key, cachedValue{value: v, found: found})
	return v, found
}

func (i *InstanceMetadata) resolve(key string) (any, bool) {
	if v, ok := i.data.lookup(key); ok {
		return v, true
	}
	series := i.Series()
	if series == nil {
		return nil, false
	}
	return series.lookup(key)
}

// GetTagValue returns the resolved attribute or def.
func (i *InstanceMetadata) GetTagValue(tagOrKeyword string, def any) any {
	if v, ok := i.LookupTag(tagOrKeyword, false); ok {
		return v
	}
	return def
}

// TagExists reports whether the tag resolves anywhere in the hierarchy
func (i *InstanceMetadata) TagExists(tagOrKeyword string) bool {
	_, ok := i.LookupTag(tagOrKeyword, false)
	return ok
}

func (i *InstanceMetadata) values() tagValues {
	return tagValues{lookup: func(key string) (any, bool) { return i.lookup(key, false) }}
}

// GetStringValues splits a multi-valued attribute on backslashes.
func (i *InstanceMetadata) GetStringValues(tagOrKeyword string) []string {
	return i.values().parts(tagOrKeyword)
}

// GetStringValue returns component index of the attribute, or def when the
// attribute is missing or index is out of range.
func (i *InstanceMetadata) GetStringValue(tagOrKeyword string, index int, def string) string {
	return i.values().stringValue(tagOrKeyword, index, def)
}

// GetFloatValues parses every component; nil if any component is not a
// number.
func (i *InstanceMetadata) GetFloatValues(tagOrKeyword string) []float64 {
	return i.values().floatValues(tagOrKeyword)
}

// GetFloatValue returns value index of the tag as a float, or def
func (i *InstanceMetadata) GetFloatValue(tagOrKeyword string, index int, def float64) float64 {
	return i.values().floatValue(tagOrKeyword, index, def)
}

// GetIntValues returns every value of the tag as ints
func (i *InstanceMetadata) GetIntValues(tagOrKeyword string) []int {
	return i.values().intValues(tagOrKeyword)
}

// GetIntValue returns value index of the tag as an int, or def
func (i *InstanceMetadata) GetIntValue(tagOrKeyword string, index int, def int) int {
	return i.values().intValue(tagOrKeyword, index, def)
}

// NumberOfFrames returns the frame count, 1 for single-frame instances.
func (i *InstanceMetadata) NumberOfFrames() int {
	n := i.GetIntValue(TagNumberOfFrames, 0, 1)
	if n < 1 {
		return 1
	}
	return n
}

// IsMultiframe reports whether the instance holds more than one frame.
func (i *InstanceMetadata) IsMultiframe() bool {
	return i.NumberOfFrames() > 1
}

// ImageID returns the image ID of the first frame, so an instance can be
// used directly as a display set image.
func (i *InstanceMetadata) ImageID() string {
	return i.GetImageID(0)
}

// GetImageID builds the image ID of a zero-based frame from the study's
// retrieve root. It is empty while the instance is not part of a study.
func (i *InstanceMetadata) GetImageID(frame int) string {
	series := i.Series()
	if series == nil {
		return ""
	}
	study := series.Study()
	if study == nil || study.wadoRoot == "" {
		return ""
	}

	switch study.scheme {
	case SchemeWADOURI:
		q := url.Values{}
		q.Set("requestType", "WADO")
		q.Set("studyUID", study.GetStudyInstanceUID())
		q.Set("seriesUID", series.GetSeriesInstanceUID())
		q.Set("objectUID", i.sopInstanceUID)
		q.Set("contentType", "application/dicom")
		id := fmt.Sprintf("wadouri:%s?%s", study.wadoRoot, q.Encode())
		if i.IsMultiframe() {
			id += fmt.Sprintf("&frame=%d", frame)
		}
		return id
	default:
		return fmt.Sprintf("wadors:%s/studies/%s/series/%s/instances/%s/frames/%d",
			study.wadoRoot, study.GetStudyInstanceUID(), series.GetSeriesInstanceUID(),
			i.sopInstanceUID, frame+1)
	}
}

// Equals reports reference equality or equal SOP Instance UIDs.
func (i *InstanceMetadata) Equals(other *InstanceMetadata) bool {
	if i == other {
		return true
	}
	if i == nil || other == nil {
		return false
	}
	return i.sopInstanceUID == other.sopInstanceUID
}
