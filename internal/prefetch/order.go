package prefetch

import "fmt"

// Order selects which display sets around the active one are prefetched.
type Order string

const (
	// OrderTopDown takes the first display sets of the study
	OrderTopDown Order = "topdown"
	// OrderDownward takes the display sets following the active one
	OrderDownward Order = "downward"
	// OrderClosest alternates left and right of the active display set
	OrderClosest Order = "closest"
)

// Valid reports whether o is a known order
func (o Order) Valid() bool {
	switch o {
	case OrderTopDown, OrderDownward, OrderClosest:
		return true
	}
	return false
}

// ParseOrder validates a configured order
func ParseOrder(s string) (Order, error) {
	o := Order(s)
	if !o.Valid() {
		return "", fmt.Errorf("unknown prefetch order %q", s)
	}
	return o, nil
}

// selectIndices returns the indices of up to count display sets out of
// total to prefetch around active.
func selectIndices(order Order, active, count, total int) []int {
	if count <= 0 || total <= 0 {
		return nil
	}
	switch order {
	case OrderTopDown:
		return topDown(active, count, total)
	case OrderDownward:
		return downward(active, count, total)
	case OrderClosest:
		return closest(active, count, total)
	}
	return nil
}

func topDown(active, count, total int) []int {
	var out []int
	for i := 0; i < total && len(out) < count; i++ {
		if i != active {
			out = append(out, i)
		}
	}
	return out
}

func downward(active, count, total int) []int {
	var out []int
	for i := active + 1; i < total && len(out) < count; i++ {
		out = append(out, i)
	}
	return out
}

func closest(active, count, total int) []int {
	var out []int
	prev, next := active-1, active+1
	for len(out) < count && (prev >= 0 || next < total) {
		if prev >= 0 {
			out = append(out, prev)
			prev--
		}
		if next < total && len(out) < count {
			out = append(out, next)
			next++
		}
	}
	return out
}
