package perfstats

import (
	"sync"
	"time"
)

// Accumulate samples of how long something took.
// Safe for concurrent use.
type TimeAccumulator struct {
	lock    sync.Mutex
	samples int64
	total   time.Duration
	max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples = 0
	a.total = 0
	a.max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples++
	a.total += v
	a.max = max(a.max, v)
}

// Time since start
func (a *TimeAccumulator) AddSince(start time.Time) time.Duration {
	d := time.Since(start)
	a.AddSample(d)
	return d
}

// Summary of the samples so far
type TimeStats struct {
	Samples int64
	Total   time.Duration
	Average time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Stats() TimeStats {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := TimeStats{
		Samples: a.samples,
		Total:   a.total,
		Max:     a.max,
	}
	if a.samples != 0 {
		s.Average = time.Duration(a.total.Nanoseconds() / a.samples)
	}
	return s
}
