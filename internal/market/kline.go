package market

import (
	"sync"
	"time"

	"signal-engine/internal/indicators"
)

// Candle is one fixed-interval OHLCV bar.
type Candle struct {
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Start  time.Time
	End    time.Time
}

// Sample converts a closed candle into an indicator sample. The sample
// is stamped at candle end so series stay chronological against the
// next candle's ticks.
func (c Candle) Sample() indicators.Sample {
	return indicators.Sample{
		Ts:     c.End,
		Price:  c.Close,
		High:   c.High,
		Low:    c.Low,
		Volume: c.Volume,
	}
}

// Aggregator folds ticks into fixed-interval candles per symbol. A
// candle closes when the first tick of the next interval arrives;
// Flush force-closes whatever is open.
type Aggregator struct {
	interval time.Duration

	mu   sync.Mutex
	open map[string]*Candle
}

func NewAggregator(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{interval: interval, open: make(map[string]*Candle)}
}

// Add folds one tick in and returns the candle it closed, if any.
func (a *Aggregator) Add(t Tick) (Candle, bool) {
	bucket := t.Ts.Truncate(a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.open[t.Symbol]
	if ok && bucket.After(cur.Start) {
		closed := *cur
		a.open[t.Symbol] = newCandle(t, bucket, a.interval)
		return closed, true
	}
	if !ok {
		a.open[t.Symbol] = newCandle(t, bucket, a.interval)
		return Candle{}, false
	}

	// late tick for an already-closed bucket folds into the open candle
	cur.Close = t.Price
	cur.Volume += t.Volume
	if t.Price > cur.High {
		cur.High = t.Price
	}
	if t.Price < cur.Low {
		cur.Low = t.Price
	}
	return Candle{}, false
}

// Flush force-closes and returns the open candle for a symbol.
func (a *Aggregator) Flush(symbol string) (Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.open[symbol]
	if !ok {
		return Candle{}, false
	}
	delete(a.open, symbol)
	return *cur, true
}

func newCandle(t Tick, start time.Time, interval time.Duration) *Candle {
	return &Candle{
		Symbol: t.Symbol,
		Open:   t.Price,
		High:   t.Price,
		Low:    t.Price,
		Close:  t.Price,
		Volume: t.Volume,
		Start:  start,
		End:    start.Add(interval),
	}
}
