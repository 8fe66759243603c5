package indicators

import (
	"time"

	"github.com/moznion/go-optional"
)

// macdCalc maintains fast and slow EMAs plus a signal EMA over their
// difference. The primary value is the MACD line; the signal line and
// histogram ride along as components.
type macdCalc struct {
	fast   *emaState
	slow   *emaState
	signal *emaState
	at     time.Time
	seen   int
}

func newMACD(fast, slow, signal int) *macdCalc {
	return &macdCalc{
		fast:   newEMAState(fast),
		slow:   newEMAState(slow),
		signal: newEMAState(signal),
	}
}

func (c *macdCalc) Update(s Sample) {
	c.at = s.Ts
	c.seen++
	fastV, fastOK := c.fast.push(s.Price)
	slowV, slowOK := c.slow.push(s.Price)
	if fastOK && slowOK {
		c.signal.push(fastV - slowV)
	}
}

func (c *macdCalc) Value() optional.Option[Value] {
	if !c.signal.ready() {
		return optional.None[Value]()
	}
	line := c.fast.value - c.slow.value
	sig := c.signal.value
	return optional.Some(Value{
		Value: line,
		Components: map[string]float64{
			"macd":      line,
			"signal":    sig,
			"histogram": line - sig,
		},
		At:      c.at,
		Samples: c.seen,
	})
}

// MinSamples: the slow EMA seeds after slow samples, and the signal EMA
// needs signal MACD-line values on top of the first one.
func (c *macdCalc) MinSamples() int { return c.slow.period + c.signal.period - 1 }

func (c *macdCalc) Reset() {
	c.fast.reset()
	c.slow.reset()
	c.signal.reset()
	c.seen = 0
	c.at = time.Time{}
}
