package provider

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/viewer-core/internal/metadata"
)

// Dataset gives access to a raw dataset received with a loaded image. Values
// use the DICOM string form, multiple values joined with a backslash.
type Dataset interface {
	String(t tag.Tag) (string, bool)
}

// JSONDataset reads a DICOMweb JSON dataset
type JSONDataset struct {
	Data metadata.Dataset
}

// String returns the value of t
func (d JSONDataset) String(t tag.Tag) (string, bool) {
	v, ok := d.Data.Lookup(metadata.TagKey(t))
	if !ok {
		return "", false
	}
	s, isString := v.(string)
	return s, isString
}

// Part10Dataset reads a parsed Part-10 file
type Part10Dataset struct {
	Data dicom.Dataset
}

// ParsePart10 parses a Part-10 stream without its pixel data
func ParsePart10(r io.Reader, size int64) (*Part10Dataset, error) {
	ds, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("failed to parse DICOM file: %w", err)
	}
	return &Part10Dataset{Data: ds}, nil
}

// String returns the value of t
func (d *Part10Dataset) String(t tag.Tag) (string, bool) {
	if d == nil {
		return "", false
	}
	elem, err := d.Data.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return "", false
	}

	var parts []string
	switch v := elem.Value.GetValue().(type) {
	case []string:
		parts = v
	case []int:
		for _, n := range v {
			parts = append(parts, strconv.Itoa(n))
		}
	case []float64:
		for _, f := range v {
			parts = append(parts, strconv.FormatFloat(f, 'f', -1, 64))
		}
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, `\`), true
}
