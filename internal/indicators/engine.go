package indicators

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"signal-engine/pkg/logger"
)

// Config tunes the engine's memory and freshness behaviour.
type Config struct {
	SeriesCapacity int
	TTLFloor       time.Duration
	SweepInterval  time.Duration
	MaxEntries     int
	MaxBytes       int64
	PressureRatio  float64
	PressureTarget float64
	VariantGrace   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SeriesCapacity: 4096,
		TTLFloor:       time.Second,
		SweepInterval:  30 * time.Second,
		MaxEntries:     10000,
		MaxBytes:       64 << 20,
		PressureRatio:  0.9,
		PressureTarget: 0.7,
		VariantGrace:   5 * time.Minute,
	}
}

// EngineStats is the engine's observability surface.
type EngineStats struct {
	Cache     CacheStats
	Variants  int
	Symbols   int
	HeapBytes uint64
}

// Engine composes the sample store, the refcounted variant registry,
// and the TTL cache behind the calculate contract. Each collaborator
// keeps its own synchronization; the engine itself only coordinates.
type Engine struct {
	cfg    Config
	log    *logger.Logger
	series *SeriesStore
	reg    *VariantRegistry
	cache  *ValueCache

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine builds an engine from config.
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SeriesCapacity <= 0 {
		cfg.SeriesCapacity = def.SeriesCapacity
	}
	if cfg.TTLFloor <= 0 {
		cfg.TTLFloor = def.TTLFloor
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.PressureRatio <= 0 || cfg.PressureRatio > 1 {
		cfg.PressureRatio = def.PressureRatio
	}
	if cfg.PressureTarget <= 0 || cfg.PressureTarget >= cfg.PressureRatio {
		cfg.PressureTarget = def.PressureTarget
	}
	if cfg.VariantGrace <= 0 {
		cfg.VariantGrace = def.VariantGrace
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		log:    log,
		series: NewSeriesStore(cfg.SeriesCapacity),
		reg:    NewVariantRegistry(cfg.VariantGrace),
		cache:  NewValueCache(cfg.MaxEntries, cfg.MaxBytes, cfg.TTLFloor),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// OnSample ingests one market data point: it lands in the symbol's
// series, folds into every live calculator for the symbol, and
// refreshes the primary cache bucket per variant.
func (e *Engine) OnSample(symbol string, s Sample) {
	if !e.series.Get(symbol).Append(s) {
		return
	}
	for _, entry := range e.reg.forSymbol(symbol) {
		entry.calcMu.Lock()
		entry.calc.Update(s)
		value := entry.calc.Value()
		entry.calcMu.Unlock()

		if value.IsSome() {
			key := entry.variant.Key()
			ttl := AdaptiveTTL(entry.refresh, entry.variant.Period(), e.cfg.TTLFloor)
			e.cache.Put(cacheKey(key, 0), value.Unwrap(), ttl)
		}
	}
}

// AcquireVariant registers a strategy's interest in a variant. On first
// reference the calculator is created and warmed by replaying the
// symbol's held history, so a freshly declared variant on a warm symbol
// is ready immediately.
func (e *Engine) AcquireVariant(v Variant, refresh time.Duration) (string, error) {
	key, created, err := e.reg.Acquire(v, refresh)
	if err != nil {
		return "", err
	}
	if created {
		if series, ok := e.series.Peek(v.Symbol); ok {
			if entry, found := e.reg.get(key); found {
				history := series.Last(series.Len())
				entry.calcMu.Lock()
				for _, s := range history {
					entry.calc.Update(s)
				}
				entry.calcMu.Unlock()
			}
		}
		e.log.Debug("indicator variant created", zap.String("variant", key))
	}
	return key, nil
}

// ReleaseVariant drops one reference to a variant key.
func (e *Engine) ReleaseVariant(key string) {
	e.reg.Release(key)
}

// RefCount reports live references for a variant key.
func (e *Engine) RefCount(key string) int {
	return e.reg.RefCount(key)
}

// Calculate returns the variant's value over the requested window.
// window <= 0 means the variant's own period. The result is None
// whenever the held data cannot fill the window; no placeholder is ever
// substituted.
func (e *Engine) Calculate(v Variant, window int) optional.Option[Value] {
	key := v.Key()
	ck := cacheKey(key, window)

	if cached, ok := e.cache.Get(ck); ok {
		return optional.Some(cached)
	}

	entry, registered := e.reg.get(key)
	refresh := time.Duration(0)
	if registered {
		refresh = entry.refresh
	}

	if window <= 0 && registered {
		entry.calcMu.Lock()
		value := entry.calc.Value()
		entry.calcMu.Unlock()
		if value.IsSome() {
			e.cache.Put(ck, value.Unwrap(), AdaptiveTTL(refresh, v.Period(), e.cfg.TTLFloor))
		}
		return value
	}

	value := e.computeWindow(v, window)
	if value.IsSome() {
		width := window
		if width <= 0 {
			width = v.Period()
		}
		e.cache.Put(ck, value.Unwrap(), AdaptiveTTL(refresh, width, e.cfg.TTLFloor))
	}
	return value
}

// computeWindow evaluates a variant from scratch over the series tail.
// Transition-dependent algorithms fetch one extra sample strictly
// before the window start.
func (e *Engine) computeWindow(v Variant, window int) optional.Option[Value] {
	adjusted := v
	if window > 0 {
		switch v.Kind {
		case KindSMA, KindEMA, KindRSI, KindATR, KindVWAP, KindStdDev, KindROC, KindBollinger:
			params := make(map[string]float64, len(v.Params)+1)
			for name, val := range v.Params {
				params[name] = val
			}
			params["period"] = float64(window)
			adjusted.Params = params
		}
	}

	calc, err := newCalculator(adjusted)
	if err != nil {
		return optional.None[Value]()
	}

	feed := window
	if feed <= 0 || feed < calc.MinSamples() {
		feed = calc.MinSamples()
	}

	series, ok := e.series.Peek(v.Symbol)
	if !ok {
		return optional.None[Value]()
	}

	var samples []Sample
	if transitionDependent(v.Kind) {
		samples = series.LastWithWarmup(feed - 1)
	} else {
		samples = series.Last(feed)
	}
	if samples == nil {
		return optional.None[Value]()
	}
	for _, s := range samples {
		calc.Update(s)
	}
	return calc.Value()
}

// transitionDependent reports whether the algorithm's value depends on
// the change into the first window sample, which is what the one-extra
// warm-up sample exists for.
func transitionDependent(k Kind) bool {
	switch k {
	case KindRSI, KindATR, KindOBV, KindROC:
		return true
	}
	return false
}

// SeriesLen reports how many samples are held for a symbol.
func (e *Engine) SeriesLen(symbol string) int {
	if series, ok := e.series.Peek(symbol); ok {
		return series.Len()
	}
	return 0
}

// VariantCount reports registered variants, referenced or in grace.
func (e *Engine) VariantCount() int {
	return e.reg.Count()
}

// Stats snapshots the engine for monitoring.
func (e *Engine) Stats() EngineStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return EngineStats{
		Cache:     e.cache.Stats(),
		Variants:  e.reg.Count(),
		Symbols:   len(e.series.Symbols()),
		HeapBytes: mem.HeapAlloc,
	}
}

// Sweep runs one maintenance pass: TTL expiry, grace-expired variant
// teardown, and the emergency shed when the byte budget is under
// pressure. The background loop calls it on its interval; tests call it
// directly.
func (e *Engine) Sweep() {
	e.sweep()
}

func (e *Engine) sweep() {
	expired := e.cache.SweepExpired()

	removed := e.reg.SweepReleased()
	for _, key := range removed {
		e.cache.RemovePrefix(key)
	}

	shed := 0
	if e.cache.UnderPressure(e.cfg.PressureRatio) {
		shed = e.cache.EmergencyCleanup(e.cfg.PressureTarget)
	}

	if expired > 0 || len(removed) > 0 || shed > 0 {
		e.log.Debug("indicator sweep",
			zap.Int("expired", expired),
			zap.Int("variants_removed", len(removed)),
			zap.Int("pressure_shed", shed))
	}
	if shed > 0 {
		e.log.Warn("indicator cache under memory pressure",
			zap.Int("shed", shed),
			zap.Int64("bytes", e.cache.Stats().Bytes))
	}
}

func cacheKey(variantKey string, window int) string {
	return variantKey + "|w" + strconv.Itoa(window)
}
