package metadata

import "sync"

// SeriesMetadata is one DICOM series and owns its instances.
type SeriesMetadata struct {
	Metadata
	seriesInstanceUID string

	mu            sync.RWMutex
	instances     []*InstanceMetadata
	byUID         map[string]int
	firstInstance *InstanceMetadata
	study         *StudyMetadata
	cache         *TagCache
}

// NewSeriesMetadata wraps data. When uid is empty the Series Instance UID of
// data is used as identity.
func NewSeriesMetadata(data Dataset, uid string) *SeriesMetadata {
	seriesUID := data.String(TagSeriesInstanceUID)
	if uid == "" {
		uid = seriesUID
	}
	if seriesUID == "" {
		seriesUID = uid
	}
	s := &SeriesMetadata{
		seriesInstanceUID: seriesUID,
		byUID:             make(map[string]int),
	}
	s.init(data, uid)
	return s
}

// GetSeriesInstanceUID returns the Series Instance UID
func (s *SeriesMetadata) GetSeriesInstanceUID() string {
	return s.seriesInstanceUID
}

// Study returns the owning study, or nil.
func (s *SeriesMetadata) Study() *StudyMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.study
}

func (s *SeriesMetadata) attach(study *StudyMetadata, cache *TagCache) {
	s.mu.Lock()
	s.study = study
	s.cache = cache
	instances := append([]*InstanceMetadata(nil), s.instances...)
	s.mu.Unlock()

	for _, inst := range instances {
		inst.attach(s, cache)
	}
}

// AddInstance appends inst unless an instance with the same SOP Instance UID
// is already present.
func (s *SeriesMetadata) AddInstance(inst *InstanceMetadata) bool {
	if inst == nil {
		return false
	}

	s.mu.Lock()
	if _, exists := s.byUID[inst.GetSOPInstanceUID()]; exists {
		s.mu.Unlock()
		return false
	}
	s.instances = append(s.instances, inst)
	s.byUID[inst.GetSOPInstanceUID()] = len(s.instances) - 1
	cache := s.cache
	s.mu.Unlock()

	inst.attach(s, cache)
	return true
}

// GetInstanceCount returns the number of instances
func (s *SeriesMetadata) GetInstanceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// GetInstanceByIndex returns the instance at index, or nil
func (s *SeriesMetadata) GetInstanceByIndex(index int) *InstanceMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.instances) {
		return nil
	}
	return s.instances[index]
}

// GetInstanceByUID returns the instance with the given SOP Instance UID, or nil
func (s *SeriesMetadata) GetInstanceByUID(sopInstanceUID string) *InstanceMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byUID[sopInstanceUID]
	if !ok {
		return nil
	}
	return s.instances[idx]
}

// ContainsInstance reports whether an instance with the same SOP Instance
// UID belongs to the series.
func (s *SeriesMetadata) ContainsInstance(inst *InstanceMetadata) bool {
	return s.IndexOfInstance(inst) >= 0
}

// IndexOfInstance returns the position of inst, or -1
func (s *SeriesMetadata) IndexOfInstance(inst *InstanceMetadata) int {
	if inst == nil {
		return -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byUID[inst.GetSOPInstanceUID()]
	if !ok {
		return -1
	}
	return idx
}

// GetFirstInstance returns the first instance. The result is computed once
// and kept, even if instances are added later.
func (s *SeriesMetadata) GetFirstInstance() *InstanceMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstInstance == nil && len(s.instances) > 0 {
		s.firstInstance = s.instances[0]
	}
	return s.firstInstance
}

// FindInstance returns the first instance accepted by pred, which receives
// the instance and its index within this series.
func (s *SeriesMetadata) FindInstance(pred func(inst *InstanceMetadata, index int) bool) *InstanceMetadata {
	for i, inst := range s.Instances() {
		if pred(inst, i) {
			return inst
		}
	}
	return nil
}

// ForEachInstance calls fn for every instance in order
func (s *SeriesMetadata) ForEachInstance(fn func(inst *InstanceMetadata, index int)) {
	for i, inst := range s.Instances() {
		fn(inst, i)
	}
}

// Instances returns a copy of the instance list.
func (s *SeriesMetadata) Instances() []*InstanceMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*InstanceMetadata(nil), s.instances...)
}

func (s *SeriesMetadata) lookup(key string) (any, bool) {
	if v, ok := s.data.lookup(key); ok {
		return v, true
	}
	if study := s.Study(); study != nil {
		return study.data.lookup(key)
	}
	return nil, false
}

// LookupTag resolves an attribute on the series, then the study.
func (s *SeriesMetadata) LookupTag(tagOrKeyword string) (any, bool) {
	key, ok := NormalizeTag(tagOrKeyword)
	if !ok {
		return nil, false
	}
	return s.lookup(key)
}

// GetTagValue returns a series level attribute, or def
func (s *SeriesMetadata) GetTagValue(tagOrKeyword string, def any) any {
	if v, ok := s.LookupTag(tagOrKeyword); ok {
		return v
	}
	return def
}

// GetStringValue returns value index of a series level attribute, or def
func (s *SeriesMetadata) GetStringValue(tagOrKeyword string, index int, def string) string {
	return tagValues{lookup: s.lookup}.stringValue(tagOrKeyword, index, def)
}

// GetIntValue returns value index of a series level attribute as an int, or def
func (s *SeriesMetadata) GetIntValue(tagOrKeyword string, index int, def int) int {
	return tagValues{lookup: s.lookup}.intValue(tagOrKeyword, index, def)
}

// Equals reports reference equality or equal Series Instance UIDs.
func (s *SeriesMetadata) Equals(other *SeriesMetadata) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.seriesInstanceUID == other.seriesInstanceUID
}
