package indicators

import (
	"sync"
	"time"
)

// Series is a bounded, append-only sample window for one symbol. When
// full it overwrites the oldest sample. Out-of-order samples (older
// than the newest held) are dropped so windows stay chronological.
type Series struct {
	mu      sync.RWMutex
	buf     []Sample
	head    int
	size    int
	dropped int
}

// NewSeries creates a series bounded to capacity samples.
func NewSeries(capacity int) *Series {
	if capacity < 2 {
		capacity = 2
	}
	return &Series{buf: make([]Sample, capacity)}
}

// Append adds a sample. It reports false when the sample was dropped
// for being older than the newest held.
func (s *Series) Append(sample Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size > 0 {
		newest := s.buf[(s.head+s.size-1)%len(s.buf)]
		if sample.Ts.Before(newest.Ts) {
			s.dropped++
			return false
		}
	}
	if s.size < len(s.buf) {
		s.buf[(s.head+s.size)%len(s.buf)] = sample
		s.size++
		return true
	}
	s.buf[s.head] = sample
	s.head = (s.head + 1) % len(s.buf)
	return true
}

// Len reports held samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Dropped reports out-of-order samples discarded so far.
func (s *Series) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Newest returns the most recent sample.
func (s *Series) Newest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return Sample{}, false
	}
	return s.buf[(s.head+s.size-1)%len(s.buf)], true
}

// Last returns the most recent n samples in chronological order, or
// nil when fewer are held.
func (s *Series) Last(n int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLocked(n)
}

// LastWithWarmup returns the most recent n samples plus the one sample
// strictly before the window start, chronological. Algorithms whose
// value depends on the transition into the window need that extra
// point. Returns nil when fewer than n+1 samples are held.
func (s *Series) LastWithWarmup(n int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLocked(n + 1)
}

func (s *Series) lastLocked(n int) []Sample {
	if n <= 0 || s.size < n {
		return nil
	}
	out := make([]Sample, n)
	start := s.head + s.size - n
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// Since returns samples with Ts >= t, chronological.
func (s *Series) Since(t time.Time) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Sample
	for i := 0; i < s.size; i++ {
		sample := s.buf[(s.head+i)%len(s.buf)]
		if !sample.Ts.Before(t) {
			out = append(out, sample)
		}
	}
	return out
}

// SeriesStore holds one series per symbol.
type SeriesStore struct {
	mu       sync.RWMutex
	capacity int
	series   map[string]*Series
}

// NewSeriesStore creates a store; each symbol's series is bounded to
// capacity samples.
func NewSeriesStore(capacity int) *SeriesStore {
	return &SeriesStore{capacity: capacity, series: make(map[string]*Series)}
}

// Get returns the series for symbol, creating it on first use.
func (st *SeriesStore) Get(symbol string) *Series {
	st.mu.RLock()
	s, ok := st.series[symbol]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.series[symbol]; ok {
		return s
	}
	s = NewSeries(st.capacity)
	st.series[symbol] = s
	return s
}

// Peek returns the series for symbol without creating it.
func (st *SeriesStore) Peek(symbol string) (*Series, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.series[symbol]
	return s, ok
}

// Drop removes a symbol's series.
func (st *SeriesStore) Drop(symbol string) {
	st.mu.Lock()
	delete(st.series, symbol)
	st.mu.Unlock()
}

// Symbols lists symbols with live series.
func (st *SeriesStore) Symbols() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.series))
	for symbol := range st.series {
		out = append(out, symbol)
	}
	return out
}
