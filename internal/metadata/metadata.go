// Package metadata models DICOM studies as a Study → Series → Instance
// hierarchy over raw DICOMweb JSON, plus the display sets (ImageSet) a
// viewer derives from them.
//
// Identity (raw data and UID) is fixed at construction. Instance attribute
// lookups fall back from instance to series to study; resolved values are
// memoised in a TagCache owned by the study and shared down the tree.
package metadata

import (
	"fmt"
	"maps"
	"sync"
)

// Error reports a violated contract of the model, such as building an
// ImageSet without an image list. It signals a programming error.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("metadata: %s: %s", e.Op, e.Msg)
}

func newError(op, format string, args ...any) *Error {
	return &Error{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Metadata is the shared base of studies, series and instances.
type Metadata struct {
	data Dataset
	uid  string

	customMu sync.RWMutex
	custom   map[string]any
}

func (m *Metadata) init(data Dataset, uid string) {
	if data == nil {
		data = Dataset{}
	}
	m.data = data
	m.uid = uid
}

// Data returns a copy of the raw payload.
func (m *Metadata) Data() Dataset {
	return maps.Clone(m.data)
}

// UID returns the identity string given at construction.
func (m *Metadata) UID() string {
	return m.uid
}

// SetCustomAttribute stores an application value under name.
func (m *Metadata) SetCustomAttribute(name string, value any) {
	m.customMu.Lock()
	defer m.customMu.Unlock()
	if m.custom == nil {
		m.custom = make(map[string]any)
	}
	m.custom[name] = value
}

// SetCustomAttributes applies every pair of attrs.
func (m *Metadata) SetCustomAttributes(attrs map[string]any) {
	m.customMu.Lock()
	defer m.customMu.Unlock()
	if m.custom == nil {
		m.custom = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		m.custom[k] = v
	}
}

// CustomAttribute returns the value stored under name, or nil.
func (m *Metadata) CustomAttribute(name string) any {
	m.customMu.RLock()
	defer m.customMu.RUnlock()
	return m.custom[name]
}

// CustomAttributeExists reports whether name was set.
func (m *Metadata) CustomAttributeExists(name string) bool {
	m.customMu.RLock()
	defer m.customMu.RUnlock()
	_, ok := m.custom[name]
	return ok
}

// TagCache memoises resolved instance attributes. It is created by the
// owning study (or supplied with WithTagCache) and handed to series and
// instances as they join the tree.
type TagCache struct {
	mu      sync.RWMutex
	entries map[tagCacheKey]cachedValue
}

type tagCacheKey struct {
	owner *InstanceMetadata
	tag   string
}

type cachedValue struct {
	value any
	found bool
}

// NewTagCache creates an empty cache
func NewTagCache() *TagCache {
	return &TagCache{entries: make(map[tagCacheKey]cachedValue)}
}

func (c *TagCache) get(owner *InstanceMetadata, key string) (cachedValue, bool) {
	if c == nil {
		return cachedValue{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[tagCacheKey{owner, key}]
	return v, ok
}

func (c *TagCache) put(owner *InstanceMetadata, key string, v cachedValue) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tagCacheKey{owner, key}] = v
}

// Len returns the number of memoised lookups.
func (c *TagCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset drops every memoised lookup.
func (c *TagCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[tagCacheKey]cachedValue)
}
