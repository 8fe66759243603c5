package indicators

import (
	"math"
	"time"

	"github.com/moznion/go-optional"
)

// bollingerCalc produces middle/upper/lower bands from sliding moments.
// The primary value is the middle band.
type bollingerCalc struct {
	period  int
	mult    float64
	moments *slidingMoments
	at      time.Time
	seen    int
}

func newBollinger(period int, mult float64) *bollingerCalc {
	return &bollingerCalc{period: period, mult: mult, moments: newSlidingMoments(period)}
}

func (c *bollingerCalc) Update(s Sample) {
	c.moments.push(s.Price)
	c.at = s.Ts
	c.seen++
}

func (c *bollingerCalc) Value() optional.Option[Value] {
	if !c.moments.full() {
		return optional.None[Value]()
	}
	mean := c.moments.mean
	sigma := math.Sqrt(c.moments.variance())
	return optional.Some(Value{
		Value: mean,
		Components: map[string]float64{
			"middle": mean,
			"upper":  mean + c.mult*sigma,
			"lower":  mean - c.mult*sigma,
			"sigma":  sigma,
		},
		At:      c.at,
		Samples: c.seen,
	})
}

func (c *bollingerCalc) MinSamples() int { return c.period }

func (c *bollingerCalc) Reset() {
	c.moments.reset()
	c.seen = 0
	c.at = time.Time{}
}

// stddevCalc is the scalar sibling of the band calculator.
type stddevCalc struct {
	period  int
	moments *slidingMoments
	at      time.Time
	seen    int
}

func newStdDev(period int) *stddevCalc {
	return &stddevCalc{period: period, moments: newSlidingMoments(period)}
}

func (c *stddevCalc) Update(s Sample) {
	c.moments.push(s.Price)
	c.at = s.Ts
	c.seen++
}

func (c *stddevCalc) Value() optional.Option[Value] {
	if !c.moments.full() {
		return optional.None[Value]()
	}
	return optional.Some(scalar(math.Sqrt(c.moments.variance()), c.at, c.seen))
}

func (c *stddevCalc) MinSamples() int { return c.period }

func (c *stddevCalc) Reset() {
	c.moments.reset()
	c.seen = 0
	c.at = time.Time{}
}
