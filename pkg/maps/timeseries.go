package maps

import "sync"

const sampleBytes = 16 // timestamp + value

// Sample is one time-series point.
type Sample struct {
	Timestamp uint64
	Value     int64
}

// TimeSeries is a ring of timestamped samples. Pushing into a full
// ring overwrites the oldest sample.
type TimeSeries struct {
	spec Spec

	mu      sync.RWMutex
	samples []Sample
	head    int // next write position
	count   int
}

func newTimeSeries(spec Spec) *TimeSeries {
	return &TimeSeries{
		spec:    spec,
		samples: make([]Sample, spec.MaxEntries),
	}
}

func (t *TimeSeries) Spec() Spec { return t.spec }

func (t *TimeSeries) Lookup([]byte) ([]byte, error)       { return nil, ErrWrongKind }
func (t *TimeSeries) Update([]byte, []byte, uint32) error { return ErrWrongKind }
func (t *TimeSeries) Delete([]byte) error                 { return ErrWrongKind }

// Push records a sample, evicting the oldest when full.
func (t *TimeSeries) Push(ts uint64, value int64) {
	t.mu.Lock()
	t.samples[t.head] = Sample{Timestamp: ts, Value: value}
	t.head = (t.head + 1) % len(t.samples)
	if t.count < len(t.samples) {
		t.count++
	}
	t.mu.Unlock()
}

// Len returns the stored sample count.
func (t *TimeSeries) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Last returns the most recent sample.
func (t *TimeSeries) Last() (Sample, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.count == 0 {
		return Sample{}, false
	}
	idx := (t.head - 1 + len(t.samples)) % len(t.samples)
	return t.samples[idx], true
}

// Range returns samples with from <= Timestamp <= to, oldest first.
func (t *TimeSeries) Range(from, to uint64) []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Sample, 0, t.count)
	start := (t.head - t.count + len(t.samples)) % len(t.samples)
	for i := 0; i < t.count; i++ {
		s := t.samples[(start+i)%len(t.samples)]
		if s.Timestamp >= from && s.Timestamp <= to {
			out = append(out, s)
		}
	}
	return out
}
