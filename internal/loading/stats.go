package loading

import "time"

type sample struct {
	value     float64
	timestamp time.Time
}

// Stats is a sliding window of samples used to compute throughput. The
// oldest retained sample anchors the window start, so its own value is not
// counted in the speed.
type Stats struct {
	limit int
	items []sample
	total float64
	speed float64
}

// NewStats creates a window retaining at most limit samples
func NewStats(limit int) *Stats {
	if limit < 2 {
		limit = 2
	}
	return &Stats{limit: limit}
}

// Add appends a sample, evicts the oldest ones above the limit and updates
// the speed
func (s *Stats) Add(value float64, at time.Time) {
	s.items = append(s.items, sample{value: value, timestamp: at})
	s.total += value

	for len(s.items) > s.limit {
		s.total -= s.items[0].value
		s.items = s.items[1:]
	}

	if len(s.items) < 2 {
		return
	}
	oldest, newest := s.items[0], s.items[len(s.items)-1]
	elapsed := newest.timestamp.Sub(oldest.timestamp).Seconds()
	if elapsed > 0 {
		s.speed = (s.total - oldest.value) / elapsed
	}
}

// Speed returns units per second over the window
func (s *Stats) Speed() float64 {
	return s.speed
}

// Total returns the sum of the retained samples
func (s *Stats) Total() float64 {
	return s.total
}

// Len returns the number of retained samples
func (s *Stats) Len() int {
	return len(s.items)
}
