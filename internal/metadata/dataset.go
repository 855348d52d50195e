package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Attribute is one DICOM JSON attribute as returned by DICOMweb
// (PS3.18 F.2). Values are kept raw and decoded on lookup.
type Attribute struct {
	VR           string            `json:"vr"`
	Value        []json.RawMessage `json:"Value,omitempty"`
	BulkDataURI  string            `json:"BulkDataURI,omitempty"`
	InlineBinary string            `json:"InlineBinary,omitempty"`
}

// Dataset maps 8-digit uppercase hex tags ("00280030") to attributes.
type Dataset map[string]Attribute

// NewAttribute builds an attribute from Go values. Strings, numbers and
// Datasets (for SQ) are supported.
func NewAttribute(vr string, values ...any) Attribute {
	attr := Attribute{VR: vr}
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		attr.Value = append(attr.Value, raw)
	}
	return attr
}

// ParseDatasets decodes a DICOMweb metadata response (a JSON array of
// instance datasets).
func ParseDatasets(body []byte) ([]Dataset, error) {
	var out []Dataset
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode DICOM JSON: %w", err)
	}
	return out, nil
}

// Lookup resolves tag (any form accepted by NormalizeTag) on this dataset
// only. Attributes without values count as absent.
func (d Dataset) Lookup(tagOrKeyword string) (any, bool) {
	key, ok := NormalizeTag(tagOrKeyword)
	if !ok {
		return nil, false
	}
	return d.lookup(key)
}

// String returns the value of tag in its DICOM string form.
func (d Dataset) String(tagOrKeyword string) string {
	v, ok := d.Lookup(tagOrKeyword)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (d Dataset) lookup(key string) (any, bool) {
	attr, ok := d[key]
	if !ok {
		return nil, false
	}
	return attr.resolve()
}

// subset copies the attributes whose keys are in keys.
func (d Dataset) subset(keys map[string]struct{}) Dataset {
	out := make(Dataset, len(keys))
	for k, v := range d {
		if _, ok := keys[k]; ok {
			out[k] = v
		}
	}
	return out
}

// resolve turns the attribute into a string (multiple values joined with a
// backslash, person names by their alphabetic group) or []Dataset for
// sequences.
func (a Attribute) resolve() (any, bool) {
	if len(a.Value) == 0 {
		return nil, false
	}

	if a.VR == "SQ" {
		items := make([]Dataset, 0, len(a.Value))
		for _, raw := range a.Value {
			var item Dataset
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			items = append(items, item)
		}
		return items, true
	}

	parts := make([]string, len(a.Value))
	for i, raw := range a.Value {
		parts[i] = rawString(raw)
	}
	return strings.Join(parts, `\`), true
}

func rawString(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}

	switch text[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '{':
		var pn struct {
			Alphabetic string `json:"Alphabetic"`
		}
		if err := json.Unmarshal(raw, &pn); err == nil {
			return pn.Alphabetic
		}
	}
	// numbers keep their textual form
	return text
}
