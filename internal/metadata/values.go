package metadata

import (
	"strconv"
	"strings"
)

// lookupFunc resolves a normalised tag key.
type lookupFunc func(key string) (any, bool)

// tagValues implements the typed accessors shared by instances, series and
// studies on top of a lookup function.
type tagValues struct {
	lookup lookupFunc
}

func (v tagValues) get(tagOrKeyword string) (any, bool) {
	key, ok := NormalizeTag(tagOrKeyword)
	if !ok {
		return nil, false
	}
	return v.lookup(key)
}

func (v tagValues) parts(tagOrKeyword string) []string {
	raw, ok := v.get(tagOrKeyword)
	if !ok {
		return nil
	}
	s, isString := raw.(string)
	if !isString {
		return nil
	}
	return strings.Split(s, `\`)
}

func (v tagValues) stringValue(tagOrKeyword string, index int, def string) string {
	parts := v.parts(tagOrKeyword)
	if index < 0 || index >= len(parts) {
		return def
	}
	return parts[index]
}

func (v tagValues) floatValues(tagOrKeyword string) []float64 {
	parts := v.parts(tagOrKeyword)
	if parts == nil {
		return nil
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		out[i] = f
	}
	return out
}

func (v tagValues) floatValue(tagOrKeyword string, index int, def float64) float64 {
	parts := v.parts(tagOrKeyword)
	if index < 0 || index >= len(parts) {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(parts[index]), 64)
	if err != nil {
		return def
	}
	return f
}

func (v tagValues) intValues(tagOrKeyword string) []int {
	parts := v.parts(tagOrKeyword)
	if parts == nil {
		return nil
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		n, ok := parseInt(p)
		if !ok {
			return nil
		}
		out[i] = n
	}
	return out
}

func (v tagValues) intValue(tagOrKeyword string, index int, def int) int {
	parts := v.parts(tagOrKeyword)
	if index < 0 || index >= len(parts) {
		return def
	}
	n, ok := parseInt(parts[index])
	if !ok {
		return def
	}
	return n
}

// parseInt accepts IS values and integral DS values such as "3.0".
func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}
