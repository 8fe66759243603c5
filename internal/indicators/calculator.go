package indicators

import (
	"fmt"

	"github.com/moznion/go-optional"
)

// Calculator incrementally maintains one indicator value stream. Update
// folds a new sample into internal state; Value returns None until the
// minimum sample count is reached.
type Calculator interface {
	Update(Sample)
	Value() optional.Option[Value]
	MinSamples() int
	Reset()
}

// newCalculator builds the calculator for a variant. The variant's
// parameters are validated here, so strategies fail activation on bad
// configs instead of producing garbage streams.
func newCalculator(v Variant) (Calculator, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	switch v.Kind {
	case KindSMA:
		return newSMA(v.Period()), nil
	case KindEMA:
		return newEMACalc(v.Period()), nil
	case KindRSI:
		return newRSICalc(v.Period()), nil
	case KindBollinger:
		return newBollinger(v.Period(), v.ParamF("mult", 2)), nil
	case KindMACD:
		return newMACD(v.Param("fast", 12), v.Param("slow", 26), v.Param("signal", 9)), nil
	case KindATR:
		return newATR(v.Period()), nil
	case KindVWAP:
		return newVWAP(v.Period()), nil
	case KindOBV:
		return newOBV(), nil
	case KindStochastic:
		return newStochastic(v.Param("k", 14), v.Param("d", 3)), nil
	case KindROC:
		return newROC(v.Period()), nil
	case KindStdDev:
		return newStdDev(v.Period()), nil
	case KindVolumeRatio:
		return newVolumeRatio(v.Param("short", 0), v.Param("long", 0)), nil
	default:
		return nil, fmt.Errorf("unknown indicator kind %q", v.Kind)
	}
}

// floatRing is a fixed-size chronological ring of float64 values.
type floatRing struct {
	buf  []float64
	head int
	size int
}

func newFloatRing(n int) *floatRing {
	return &floatRing{buf: make([]float64, n)}
}

// push appends v and returns the evicted oldest value when the ring was
// already full.
func (r *floatRing) push(v float64) (float64, bool) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return 0, false
	}
	evicted := r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return evicted, true
}

func (r *floatRing) len() int { return r.size }

func (r *floatRing) full() bool { return r.size == len(r.buf) }

// oldest returns the first chronological value.
func (r *floatRing) oldest() float64 { return r.buf[r.head] }

// at returns the i-th chronological value.
func (r *floatRing) at(i int) float64 { return r.buf[(r.head+i)%len(r.buf)] }

func (r *floatRing) reset() {
	r.head, r.size = 0, 0
}

// emaState is a reusable exponential moving average. It seeds with the
// simple average of the first period values, then updates as
// v = (x - v) * k + v with k = 2 / (period + 1).
type emaState struct {
	period  int
	k       float64
	seedSum float64
	seen    int
	value   float64
}

func newEMAState(period int) *emaState {
	return &emaState{period: period, k: 2.0 / (float64(period) + 1)}
}

// push folds x in and reports the current value and whether the average
// is seeded yet.
func (e *emaState) push(x float64) (float64, bool) {
	e.seen++
	if e.seen < e.period {
		e.seedSum += x
		return 0, false
	}
	if e.seen == e.period {
		e.seedSum += x
		e.value = e.seedSum / float64(e.period)
		return e.value, true
	}
	e.value += (x - e.value) * e.k
	return e.value, true
}

func (e *emaState) ready() bool { return e.seen >= e.period }

func (e *emaState) reset() {
	e.seedSum, e.seen, e.value = 0, 0, 0
}

// slidingMoments maintains mean and population variance over a sliding
// window using Welford-style updates, which stay stable where the naive
// sum-of-squares difference cancels catastrophically.
type slidingMoments struct {
	window *floatRing
	mean   float64
	m2     float64
}

func newSlidingMoments(n int) *slidingMoments {
	return &slidingMoments{window: newFloatRing(n)}
}

func (s *slidingMoments) push(x float64) {
	old, evicted := s.window.push(x)
	n := float64(s.window.len())
	if !evicted {
		delta := x - s.mean
		s.mean += delta / n
		s.m2 += delta * (x - s.mean)
		return
	}
	oldMean := s.mean
	s.mean += (x - old) / n
	s.m2 += (x - old) * (x - s.mean + old - oldMean)
	if s.m2 < 0 {
		s.m2 = 0
	}
}

func (s *slidingMoments) full() bool { return s.window.full() }

func (s *slidingMoments) variance() float64 {
	if s.window.len() == 0 {
		return 0
	}
	return s.m2 / float64(s.window.len())
}

func (s *slidingMoments) reset() {
	s.window.reset()
	s.mean, s.m2 = 0, 0
}
