package indicators

import (
	"time"

	"github.com/moznion/go-optional"
)

// rsiCalc is a Wilder-smoothed RSI. The first average is the plain mean
// of the first period changes; after that each change folds in as
// avg = (avg*(period-1) + x) / period. It needs period+1 samples before
// producing a value because the first sample only anchors the first
// change.
type rsiCalc struct {
	period   int
	prev     float64
	hasPrev  bool
	changes  int
	seedGain float64
	seedLoss float64
	avgGain  float64
	avgLoss  float64
	at       time.Time
	seen     int
}

func newRSICalc(period int) *rsiCalc {
	return &rsiCalc{period: period}
}

func (c *rsiCalc) Update(s Sample) {
	c.at = s.Ts
	c.seen++
	if !c.hasPrev {
		c.prev = s.Price
		c.hasPrev = true
		return
	}

	change := s.Price - c.prev
	c.prev = s.Price
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	c.changes++
	switch {
	case c.changes < c.period:
		c.seedGain += gain
		c.seedLoss += loss
	case c.changes == c.period:
		c.seedGain += gain
		c.seedLoss += loss
		c.avgGain = c.seedGain / float64(c.period)
		c.avgLoss = c.seedLoss / float64(c.period)
	default:
		c.avgGain = (c.avgGain*float64(c.period-1) + gain) / float64(c.period)
		c.avgLoss = (c.avgLoss*float64(c.period-1) + loss) / float64(c.period)
	}
}

func (c *rsiCalc) Value() optional.Option[Value] {
	if c.changes < c.period {
		return optional.None[Value]()
	}
	var rsi float64
	if c.avgLoss == 0 {
		rsi = 100
	} else {
		rs := c.avgGain / c.avgLoss
		rsi = 100 - (100 / (1 + rs))
	}
	return optional.Some(scalar(rsi, c.at, c.seen))
}

func (c *rsiCalc) MinSamples() int { return c.period + 1 }

func (c *rsiCalc) Reset() {
	*c = rsiCalc{period: c.period}
}
