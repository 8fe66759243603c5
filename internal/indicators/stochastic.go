package indicators

import (
	"time"

	"github.com/moznion/go-optional"
)

// stochasticCalc produces %K over the last kPeriod highs/lows and %D as
// the simple average of the last dPeriod %K values. A flat window
// (highest high equals lowest low) pins %K at 50.
type stochasticCalc struct {
	kPeriod int
	dPeriod int
	highs   *floatRing
	lows    *floatRing
	kRing   *floatRing
	kSum    float64
	at      time.Time
	seen    int
}

func newStochastic(kPeriod, dPeriod int) *stochasticCalc {
	return &stochasticCalc{
		kPeriod: kPeriod,
		dPeriod: dPeriod,
		highs:   newFloatRing(kPeriod),
		lows:    newFloatRing(kPeriod),
		kRing:   newFloatRing(dPeriod),
	}
}

func (c *stochasticCalc) Update(s Sample) {
	c.highs.push(s.High)
	c.lows.push(s.Low)
	c.at = s.Ts
	c.seen++

	if !c.highs.full() {
		return
	}

	hh := c.highs.at(0)
	ll := c.lows.at(0)
	for i := 1; i < c.highs.len(); i++ {
		if h := c.highs.at(i); h > hh {
			hh = h
		}
		if l := c.lows.at(i); l < ll {
			ll = l
		}
	}

	k := 50.0
	if hh > ll {
		k = (s.Price - ll) / (hh - ll) * 100
	}
	if old, full := c.kRing.push(k); full {
		c.kSum -= old
	}
	c.kSum += k
}

func (c *stochasticCalc) Value() optional.Option[Value] {
	if !c.kRing.full() {
		return optional.None[Value]()
	}
	k := c.kRing.at(c.kRing.len() - 1)
	d := c.kSum / float64(c.dPeriod)
	return optional.Some(Value{
		Value: k,
		Components: map[string]float64{
			"k": k,
			"d": d,
		},
		At:      c.at,
		Samples: c.seen,
	})
}

func (c *stochasticCalc) MinSamples() int { return c.kPeriod + c.dPeriod - 1 }

func (c *stochasticCalc) Reset() {
	c.highs.reset()
	c.lows.reset()
	c.kRing.reset()
	c.kSum, c.seen = 0, 0
	c.at = time.Time{}
}

// rocCalc is the percent rate of change against the price period
// samples back. It keeps period+1 prices so the comparison point sits
// strictly before the window.
type rocCalc struct {
	period int
	prices *floatRing
	at     time.Time
	seen   int
}

func newROC(period int) *rocCalc {
	return &rocCalc{period: period, prices: newFloatRing(period + 1)}
}

func (c *rocCalc) Update(s Sample) {
	c.prices.push(s.Price)
	c.at = s.Ts
	c.seen++
}

func (c *rocCalc) Value() optional.Option[Value] {
	if !c.prices.full() {
		return optional.None[Value]()
	}
	base := c.prices.oldest()
	if base == 0 {
		return optional.None[Value]()
	}
	newest := c.prices.at(c.prices.len() - 1)
	return optional.Some(scalar((newest-base)/base*100, c.at, c.seen))
}

func (c *rocCalc) MinSamples() int { return c.period + 1 }

func (c *rocCalc) Reset() {
	c.prices.reset()
	c.seen = 0
	c.at = time.Time{}
}
