package indicators

import (
	"time"

	"github.com/moznion/go-optional"
)

// vwapCalc is a windowed volume-weighted average price over the last
// period samples. A window with zero total volume has no defined VWAP
// and yields None.
type vwapCalc struct {
	period  int
	pvRing  *floatRing
	volRing *floatRing
	sumPV   float64
	sumVol  float64
	at      time.Time
	seen    int
}

func newVWAP(period int) *vwapCalc {
	return &vwapCalc{period: period, pvRing: newFloatRing(period), volRing: newFloatRing(period)}
}

func (c *vwapCalc) Update(s Sample) {
	pv := s.Price * s.Volume
	if old, full := c.pvRing.push(pv); full {
		c.sumPV -= old
	}
	c.sumPV += pv
	if old, full := c.volRing.push(s.Volume); full {
		c.sumVol -= old
	}
	c.sumVol += s.Volume
	c.at = s.Ts
	c.seen++
}

func (c *vwapCalc) Value() optional.Option[Value] {
	if !c.volRing.full() || c.sumVol <= 0 {
		return optional.None[Value]()
	}
	return optional.Some(scalar(c.sumPV/c.sumVol, c.at, c.seen))
}

func (c *vwapCalc) MinSamples() int { return c.period }

func (c *vwapCalc) Reset() {
	c.pvRing.reset()
	c.volRing.reset()
	c.sumPV, c.sumVol, c.seen = 0, 0, 0
	c.at = time.Time{}
}

// obvCalc is a cumulative on-balance volume: volume adds on an up move,
// subtracts on a down move, and is ignored on an unchanged price.
type obvCalc struct {
	prev    float64
	hasPrev bool
	obv     float64
	at      time.Time
	seen    int
}

func newOBV() *obvCalc {
	return &obvCalc{}
}

func (c *obvCalc) Update(s Sample) {
	c.at = s.Ts
	c.seen++
	if !c.hasPrev {
		c.prev = s.Price
		c.hasPrev = true
		return
	}
	switch {
	case s.Price > c.prev:
		c.obv += s.Volume
	case s.Price < c.prev:
		c.obv -= s.Volume
	}
	c.prev = s.Price
}

func (c *obvCalc) Value() optional.Option[Value] {
	if c.seen < 2 {
		return optional.None[Value]()
	}
	return optional.Some(scalar(c.obv, c.at, c.seen))
}

func (c *obvCalc) MinSamples() int { return 2 }

func (c *obvCalc) Reset() {
	*c = obvCalc{}
}

// volumeRatioCalc compares average volume over a short window against a
// long window. Both windows must be full before it produces anything: a
// None from either sub-window propagates to None rather than being
// papered over with a default, which would misstate confidence.
type volumeRatioCalc struct {
	longPeriod int
	short      *smaVolume
	long       *smaVolume
	at         time.Time
	seen       int
}

type smaVolume struct {
	ring *floatRing
	sum  float64
}

func newSMAVolume(n int) *smaVolume {
	return &smaVolume{ring: newFloatRing(n)}
}

func (s *smaVolume) push(v float64) {
	if old, full := s.ring.push(v); full {
		s.sum -= old
	}
	s.sum += v
}

func (s *smaVolume) avg() optional.Option[float64] {
	if !s.ring.full() {
		return optional.None[float64]()
	}
	return optional.Some(s.sum / float64(s.ring.len()))
}

func newVolumeRatio(short, long int) *volumeRatioCalc {
	return &volumeRatioCalc{longPeriod: long, short: newSMAVolume(short), long: newSMAVolume(long)}
}

func (c *volumeRatioCalc) Update(s Sample) {
	c.short.push(s.Volume)
	c.long.push(s.Volume)
	c.at = s.Ts
	c.seen++
}

func (c *volumeRatioCalc) Value() optional.Option[Value] {
	shortAvg := c.short.avg()
	longAvg := c.long.avg()
	if shortAvg.IsNone() || longAvg.IsNone() {
		return optional.None[Value]()
	}
	long := longAvg.Unwrap()
	if long <= 0 {
		return optional.None[Value]()
	}
	short := shortAvg.Unwrap()
	return optional.Some(Value{
		Value: short / long,
		Components: map[string]float64{
			"short_avg": short,
			"long_avg":  long,
		},
		At:      c.at,
		Samples: c.seen,
	})
}

func (c *volumeRatioCalc) MinSamples() int { return c.longPeriod }

func (c *volumeRatioCalc) Reset() {
	c.short.ring.reset()
	c.short.sum = 0
	c.long.ring.reset()
	c.long.sum = 0
	c.seen = 0
	c.at = time.Time{}
}
