package indicators

import (
	"time"

	"github.com/moznion/go-optional"
)

// smaCalc keeps a running sum over a sliding window, so each update is
// one add and at most one subtract instead of a window rescan.
type smaCalc struct {
	period int
	window *floatRing
	sum    float64
	at     time.Time
	seen   int
}

func newSMA(period int) *smaCalc {
	return &smaCalc{period: period, window: newFloatRing(period)}
}

func (c *smaCalc) Update(s Sample) {
	evicted, wasFull := c.window.push(s.Price)
	c.sum += s.Price
	if wasFull {
		c.sum -= evicted
	}
	c.at = s.Ts
	c.seen++
}

func (c *smaCalc) Value() optional.Option[Value] {
	if !c.window.full() {
		return optional.None[Value]()
	}
	return optional.Some(scalar(c.sum/float64(c.period), c.at, c.seen))
}

func (c *smaCalc) MinSamples() int { return c.period }

func (c *smaCalc) Reset() {
	c.window.reset()
	c.sum, c.seen = 0, 0
	c.at = time.Time{}
}

// emaCalc wraps the shared exponential average state.
type emaCalc struct {
	state *emaState
	at    time.Time
	seen  int
}

func newEMACalc(period int) *emaCalc {
	return &emaCalc{state: newEMAState(period)}
}

func (c *emaCalc) Update(s Sample) {
	c.state.push(s.Price)
	c.at = s.Ts
	c.seen++
}

func (c *emaCalc) Value() optional.Option[Value] {
	if !c.state.ready() {
		return optional.None[Value]()
	}
	return optional.Some(scalar(c.state.value, c.at, c.seen))
}

func (c *emaCalc) MinSamples() int { return c.state.period }

func (c *emaCalc) Reset() {
	c.state.reset()
	c.seen = 0
	c.at = time.Time{}
}
