package indicators

import (
	"math"
	"time"

	"github.com/moznion/go-optional"
)

// atrCalc is a Wilder-smoothed average true range. True range needs the
// previous close, so the first sample only anchors and the calculator
// becomes ready after period+1 samples.
type atrCalc struct {
	period    int
	prevClose float64
	hasPrev   bool
	ranges    int
	seedSum   float64
	atr       float64
	at        time.Time
	seen      int
}

func newATR(period int) *atrCalc {
	return &atrCalc{period: period}
}

func (c *atrCalc) Update(s Sample) {
	c.at = s.Ts
	c.seen++
	if !c.hasPrev {
		c.prevClose = s.Price
		c.hasPrev = true
		return
	}

	tr := math.Max(s.High-s.Low,
		math.Max(math.Abs(s.High-c.prevClose), math.Abs(s.Low-c.prevClose)))
	c.prevClose = s.Price

	c.ranges++
	switch {
	case c.ranges < c.period:
		c.seedSum += tr
	case c.ranges == c.period:
		c.seedSum += tr
		c.atr = c.seedSum / float64(c.period)
	default:
		c.atr = (c.atr*float64(c.period-1) + tr) / float64(c.period)
	}
}

func (c *atrCalc) Value() optional.Option[Value] {
	if c.ranges < c.period {
		return optional.None[Value]()
	}
	return optional.Some(scalar(c.atr, c.at, c.seen))
}

func (c *atrCalc) MinSamples() int { return c.period + 1 }

func (c *atrCalc) Reset() {
	*c = atrCalc{period: c.period}
}
