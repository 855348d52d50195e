package metadata

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// StudyMetadata is one DICOM study. It owns its series and, separately, the
// display sets derived from them.
type StudyMetadata struct {
	Metadata
	studyInstanceUID string
	wadoRoot         string
	scheme           ImageIDScheme
	cache            *TagCache

	mu               sync.RWMutex
	series           []*SeriesMetadata
	seriesByUID      map[string]int
	displaySets      []*ImageSet
	displaySetsByUID map[string]int
	firstSeries      *SeriesMetadata
	firstInstance    *InstanceMetadata
}

// StudyOption configures a StudyMetadata.
type StudyOption func(*StudyMetadata)

// WithTagCache shares an existing cache with the study tree.
func WithTagCache(c *TagCache) StudyOption {
	return func(s *StudyMetadata) { s.cache = c }
}

// WithWADORoot sets the retrieve root used to build image IDs.
func WithWADORoot(root string) StudyOption {
	return func(s *StudyMetadata) { s.wadoRoot = strings.TrimRight(root, "/") }
}

// WithImageIDScheme selects WADO-RS or WADO-URI image IDs.
func WithImageIDScheme(scheme ImageIDScheme) StudyOption {
	return func(s *StudyMetadata) { s.scheme = scheme }
}

// NewStudyMetadata wraps data. When uid is empty the Study Instance UID of
// data is used as identity.
func NewStudyMetadata(data Dataset, uid string, opts ...StudyOption) *StudyMetadata {
	studyUID := data.String(TagStudyInstanceUID)
	if uid == "" {
		uid = studyUID
	}
	if studyUID == "" {
		studyUID = uid
	}
	s := &StudyMetadata{
		studyInstanceUID: studyUID,
		scheme:           SchemeWADORS,
		seriesByUID:      make(map[string]int),
		displaySetsByUID: make(map[string]int),
	}
	s.init(data, uid)
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewTagCache()
	}
	return s
}

// GetStudyInstanceUID returns the Study Instance UID
func (s *StudyMetadata) GetStudyInstanceUID() string {
	return s.studyInstanceUID
}

// WADORoot returns the retrieve root image IDs are built from
func (s *StudyMetadata) WADORoot() string {
	return s.wadoRoot
}

// ImageIDScheme returns the scheme of the study's image IDs
func (s *StudyMetadata) ImageIDScheme() ImageIDScheme {
	return s.scheme
}

// TagCache returns the cache shared by the study's instances.
func (s *StudyMetadata) TagCache() *TagCache {
	return s.cache
}

// AddSeries appends series unless one with the same Series Instance UID is
// already present.
func (s *StudyMetadata) AddSeries(series *SeriesMetadata) bool {
	if series == nil {
		return false
	}

	s.mu.Lock()
	if _, exists := s.seriesByUID[series.GetSeriesInstanceUID()]; exists {
		s.mu.Unlock()
		return false
	}
	s.series = append(s.series, series)
	s.seriesByUID[series.GetSeriesInstanceUID()] = len(s.series) - 1
	s.mu.Unlock()

	series.attach(s, s.cache)
	return true
}

// GetSeriesCount returns the number of series
func (s *StudyMetadata) GetSeriesCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

// GetInstanceCount sums the instances of every series.
func (s *StudyMetadata) GetInstanceCount() int {
	count := 0
	for _, series := range s.Series() {
		count += series.GetInstanceCount()
	}
	return count
}

// Series returns a copy of the series list.
func (s *StudyMetadata) Series() []*SeriesMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*SeriesMetadata(nil), s.series...)
}

// GetSeriesByIndex returns the series at index, or nil
func (s *StudyMetadata) GetSeriesByIndex(index int) *SeriesMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.series) {
		return nil
	}
	return s.series[index]
}

// GetSeriesByUID returns the series with the given UID, or nil
func (s *StudyMetadata) GetSeriesByUID(seriesInstanceUID string) *SeriesMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.seriesByUID[seriesInstanceUID]
	if !ok {
		return nil
	}
	return s.series[idx]
}

// ContainsSeries reports whether series, or one with its UID, belongs to the study
func (s *StudyMetadata) ContainsSeries(series *SeriesMetadata) bool {
	if series == nil {
		return false
	}
	return s.GetSeriesByUID(series.GetSeriesInstanceUID()) != nil
}

// FindSeries returns the first series pred accepts
func (s *StudyMetadata) FindSeries(pred func(series *SeriesMetadata, index int) bool) *SeriesMetadata {
	for i, series := range s.Series() {
		if pred(series, i) {
			return series
		}
	}
	return nil
}

// ForEachSeries calls fn for every series in order
func (s *StudyMetadata) ForEachSeries(fn func(series *SeriesMetadata, index int)) {
	for i, series := range s.Series() {
		fn(series, i)
	}
}

// GetFirstSeries returns the first series. The result is computed once and
// kept.
func (s *StudyMetadata) GetFirstSeries() *SeriesMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstSeries == nil && len(s.series) > 0 {
		s.firstSeries = s.series[0]
	}
	return s.firstSeries
}

// GetFirstInstance returns the first instance of the first series. The
// result is computed once and kept.
func (s *StudyMetadata) GetFirstInstance() *InstanceMetadata {
	s.mu.RLock()
	cached := s.firstInstance
	s.mu.RUnlock()
	if cached != nil {
		return cached
	}

	series := s.GetFirstSeries()
	if series == nil {
		return nil
	}
	inst := series.GetFirstInstance()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstInstance == nil {
		s.firstInstance = inst
	}
	return s.firstInstance
}

// FindSeriesAndInstanceByInstance walks the series in order and returns the
// first series whose FindInstance accepts an instance, with that instance.
func (s *StudyMetadata) FindSeriesAndInstanceByInstance(pred func(inst *InstanceMetadata, index int) bool) (*SeriesMetadata, *InstanceMetadata) {
	for _, series := range s.Series() {
		if inst := series.FindInstance(pred); inst != nil {
			return series, inst
		}
	}
	return nil, nil
}

// FindSeriesByInstance returns the series holding the first instance pred accepts
func (s *StudyMetadata) FindSeriesByInstance(pred func(inst *InstanceMetadata, index int) bool) *SeriesMetadata {
	series, _ := s.FindSeriesAndInstanceByInstance(pred)
	return series
}

// FindInstance returns the first instance of any series pred accepts
func (s *StudyMetadata) FindInstance(pred func(inst *InstanceMetadata, index int) bool) *InstanceMetadata {
	_, inst := s.FindSeriesAndInstanceByInstance(pred)
	return inst
}

// AddDisplaySet appends ds unless a display set with the same UID is
// already registered.
func (s *StudyMetadata) AddDisplaySet(ds *ImageSet) bool {
	if ds == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.displaySetsByUID[ds.UID()]; exists {
		return false
	}
	s.displaySets = append(s.displaySets, ds)
	s.displaySetsByUID[ds.UID()] = len(s.displaySets) - 1
	return true
}

// GetDisplaySets returns a copy of the display sets in registration order.
func (s *StudyMetadata) GetDisplaySets() []*ImageSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ImageSet(nil), s.displaySets...)
}

// GetDisplaySetCount returns the number of display sets
func (s *StudyMetadata) GetDisplaySetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.displaySets)
}

// GetDisplaySetByUID returns the display set with uid, or nil
func (s *StudyMetadata) GetDisplaySetByUID(uid string) *ImageSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.displaySetsByUID[uid]
	if !ok {
		return nil
	}
	return s.displaySets[idx]
}

// IndexOfDisplaySet returns the position of ds, or -1.
func (s *StudyMetadata) IndexOfDisplaySet(ds *ImageSet) int {
	if ds == nil {
		return -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.displaySetsByUID[ds.UID()]
	if !ok {
		return -1
	}
	return idx
}

// FindDisplaySet returns the first display set pred accepts
func (s *StudyMetadata) FindDisplaySet(pred func(ds *ImageSet, index int) bool) *ImageSet {
	for i, ds := range s.GetDisplaySets() {
		if pred(ds, i) {
			return ds
		}
	}
	return nil
}

// SortSeriesByDisplaySets reorders the series to follow the first display
// set referencing each of them. Series no display set refers to keep their
// relative order after the referenced ones.
func (s *StudyMetadata) SortSeriesByDisplaySets() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := make(map[string]int, len(s.displaySets))
	for i, ds := range s.displaySets {
		if ds == nil {
			return newError("SortSeriesByDisplaySets", "display set %d is not an image set", i)
		}
		uid := ds.StringAttribute(AttrSeriesInstanceUID)
		if uid == "" {
			continue
		}
		if _, seen := first[uid]; !seen {
			first[uid] = i
		}
	}
	for i, series := range s.series {
		if series == nil {
			return newError("SortSeriesByDisplaySets", "series %d is not series metadata", i)
		}
	}

	slices.SortStableFunc(s.series, func(a, b *SeriesMetadata) int {
		ra, aok := first[a.GetSeriesInstanceUID()]
		rb, bok := first[b.GetSeriesInstanceUID()]
		switch {
		case aok && bok:
			return cmp.Compare(ra, rb)
		case aok:
			return -1
		case bok:
			return 1
		}
		return 0
	})
	for i, series := range s.series {
		s.seriesByUID[series.GetSeriesInstanceUID()] = i
	}
	return nil
}

// LookupTag resolves an attribute on the study dataset.
func (s *StudyMetadata) LookupTag(tagOrKeyword string) (any, bool) {
	return s.data.Lookup(tagOrKeyword)
}

// GetTagValue returns a study level attribute, or def
func (s *StudyMetadata) GetTagValue(tagOrKeyword string, def any) any {
	if v, ok := s.LookupTag(tagOrKeyword); ok {
		return v
	}
	return def
}

// GetStringValue returns value index of a study level attribute, or def
func (s *StudyMetadata) GetStringValue(tagOrKeyword string, index int, def string) string {
	return tagValues{lookup: s.data.lookup}.stringValue(tagOrKeyword, index, def)
}

// Property exposes study fields to collection queries. Names other than
// the ones below are resolved as DICOM tags or keywords.
func (s *StudyMetadata) Property(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	switch name {
	case "studyInstanceUID":
		return s.studyInstanceUID, true
	case "patientName":
		return s.data.String(TagPatientName), true
	case "patientID":
		return s.data.String(TagPatientID), true
	case "studyDate":
		return s.data.String(TagStudyDate), true
	case "studyDescription":
		return s.data.String(TagStudyDescription), true
	case "seriesCount":
		return s.GetSeriesCount(), true
	case "instanceCount":
		return s.GetInstanceCount(), true
	case "displaySetCount":
		return s.GetDisplaySetCount(), true
	}
	return s.LookupTag(name)
}

// Equals reports reference equality or equal Study Instance UIDs.
func (s *StudyMetadata) Equals(other *StudyMetadata) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.studyInstanceUID == other.studyInstanceUID
}
