// Package monitor measures the engine: latency histograms and counters
// fed from bus traffic, with threshold rules that raise alerts through
// pluggable sinks.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram keeps a sliding window of samples and computes
// percentile stats lazily, so hot-path Record calls never sort.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds one sample in milliseconds, evicting the oldest when the
// window is full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed percentiles over the current window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats recomputes only when samples changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// Metrics aggregates engine activity. Counters are atomics because the
// bus pump and HTTP handlers read them concurrently.
type Metrics struct {
	OrderLatency *LatencyHistogram // order created -> terminal state
	EvalLatency  *LatencyHistogram // one strategy evaluation pass

	ticks       uint64
	signals     uint64
	orders      uint64
	riskAlerts  uint64
	corrections uint64
	errors      uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		OrderLatency: NewLatencyHistogram(1000),
		EvalLatency:  NewLatencyHistogram(1000),
	}
}

func (m *Metrics) AddTick()       { atomic.AddUint64(&m.ticks, 1) }
func (m *Metrics) AddSignal()     { atomic.AddUint64(&m.signals, 1) }
func (m *Metrics) AddOrder()      { atomic.AddUint64(&m.orders, 1) }
func (m *Metrics) AddRiskAlert()  { atomic.AddUint64(&m.riskAlerts, 1) }
func (m *Metrics) AddCorrection() { atomic.AddUint64(&m.corrections, 1) }
func (m *Metrics) AddError()      { atomic.AddUint64(&m.errors, 1) }

// Snapshot is a point-in-time view, JSON-shaped for the status API.
type Snapshot struct {
	OrderLatency LatencyStats `json:"order_latency"`
	EvalLatency  LatencyStats `json:"eval_latency"`
	Ticks        uint64       `json:"ticks"`
	Signals      uint64       `json:"signals"`
	Orders       uint64       `json:"orders"`
	RiskAlerts   uint64       `json:"risk_alerts"`
	Corrections  uint64       `json:"corrections"`
	Errors       uint64       `json:"errors"`
	Goroutines   int          `json:"goroutines"`
	HeapAlloc    uint64       `json:"heap_alloc_bytes"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Snapshot{
		OrderLatency: m.OrderLatency.Stats(),
		EvalLatency:  m.EvalLatency.Stats(),
		Ticks:        atomic.LoadUint64(&m.ticks),
		Signals:      atomic.LoadUint64(&m.signals),
		Orders:       atomic.LoadUint64(&m.orders),
		RiskAlerts:   atomic.LoadUint64(&m.riskAlerts),
		Corrections:  atomic.LoadUint64(&m.corrections),
		Errors:       atomic.LoadUint64(&m.errors),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		Timestamp:    time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start time.Time
	h     *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), h: h}
}

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.h != nil {
		t.h.RecordDuration(elapsed)
	}
	return elapsed
}
