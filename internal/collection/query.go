package collection

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
)

// ErrInvalidSort is returned when a sort specifier cannot be applied.
var ErrInvalidSort = errors.New("invalid sort specifier")

// Props is an exact-match property map. Keys are dot paths such as
// "study.date".
type Props map[string]any

// Order is a sort direction token.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// SortSpec orders results by one property path.
type SortSpec struct {
	Property string
	Order    Order
}

// QueryOptions tunes FindBy, FindAllBy and All.
type QueryOptions struct {
	Sort []SortSpec
}

// PropertyGetter lets payloads expose computed properties to queries
// without relying on struct field names.
type PropertyGetter interface {
	Property(name string) (any, bool)
}

// ParseSort builds sort specifiers from [property, order] pairs.
func ParseSort(pairs [][]string) ([]SortSpec, error) {
	specs := make([]SortSpec, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: expected [property, order], got %v", ErrInvalidSort, p)
		}
		spec := SortSpec{Property: p[0], Order: Order(strings.ToLower(p[1]))}
		if err := spec.validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (s SortSpec) validate() error {
	if s.Property == "" {
		return fmt.Errorf("%w: empty property", ErrInvalidSort)
	}
	if s.Order != Asc && s.Order != Desc {
		return fmt.Errorf("%w: unknown order %q for %q", ErrInvalidSort, s.Order, s.Property)
	}
	return nil
}

// matches reports whether every property of props is strictly equal on v.
func matches(v any, props Props) bool {
	for path, want := range props {
		got, ok := lookupPath(v, path)
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// sortPayloads sorts items in place. The sort is stable, so equal keys keep
// their relative order.
func sortPayloads[T any](items []T, specs []SortSpec) error {
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return err
		}
	}
	if len(specs) == 0 {
		return nil
	}

	slices.SortStableFunc(items, func(a, b T) int {
		for _, s := range specs {
			va, aok := lookupPath(a, s.Property)
			vb, bok := lookupPath(b, s.Property)
			c := compareValues(va, aok, vb, bok)
			if s.Order == Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
	return nil
}

func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		next, ok := lookupField(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func lookupField(v any, name string) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false
	}
	if g, ok := v.(PropertyGetter); ok {
		return g.Property(name)
	}

	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		if f, ok := structField(rv, name); ok {
			return f.Interface(), true
		}
	}
	return nil, false
}

// structField matches an exported field by name or json tag first, then by
// case-insensitive name.
func structField(rv reflect.Value, name string) (reflect.Value, bool) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if f.Name == name || tag == name {
			return rv.Field(i), true
		}
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.IsExported() && strings.EqualFold(f.Name, name) {
			return rv.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// compareValues orders missing values first, then numbers, times, bools and
// strings by their natural order. Mixed kinds fall back to their printed
// form.
func compareValues(a any, aok bool, b any, bok bool) int {
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
