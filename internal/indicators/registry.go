package indicators

import (
	"sync"
	"time"
)

// variantEntry pairs a live calculator with its bookkeeping. calcMu
// guards the calculator state alone so per-variant updates never
// serialize behind registry-wide structural changes.
type variantEntry struct {
	variant Variant
	refresh time.Duration

	calcMu sync.Mutex
	calc   Calculator

	refs       int
	releasedAt time.Time
}

func (e *variantEntry) update(s Sample) {
	e.calcMu.Lock()
	e.calc.Update(s)
	e.calcMu.Unlock()
}

// VariantRegistry tracks the live indicator variants by reference
// count. A variant stays resident for a grace period after its last
// reference drops, so a strategy restart does not pay the warm-up cost
// again.
type VariantRegistry struct {
	mu      sync.Mutex
	entries map[string]*variantEntry
	grace   time.Duration
}

// NewVariantRegistry creates a registry with the given release grace
// period.
func NewVariantRegistry(grace time.Duration) *VariantRegistry {
	return &VariantRegistry{entries: make(map[string]*variantEntry), grace: grace}
}

// Acquire registers one reference to the variant, creating its
// calculator on first reference. Identical parameter sets share one
// entry. It returns the variant's canonical key and whether this call
// created the entry.
func (r *VariantRegistry) Acquire(v Variant, refresh time.Duration) (string, bool, error) {
	key := v.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		entry.refs++
		entry.releasedAt = time.Time{}
		return key, false, nil
	}

	calc, err := newCalculator(v)
	if err != nil {
		return "", false, err
	}
	r.entries[key] = &variantEntry{variant: v, refresh: refresh, calc: calc, refs: 1}
	return key, true, nil
}

// Release drops one reference. The last release stamps the grace
// timer instead of tearing the variant down immediately. Releasing an
// unknown or unreferenced key is a no-op.
func (r *VariantRegistry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || entry.refs == 0 {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		entry.releasedAt = time.Now()
	}
}

// RefCount reports live references for a key.
func (r *VariantRegistry) RefCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry.refs
	}
	return 0
}

// get returns the entry for key.
func (r *VariantRegistry) get(key string) (*variantEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	return entry, ok
}

// forSymbol snapshots the entries maintained for one symbol.
func (r *VariantRegistry) forSymbol(symbol string) []*variantEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*variantEntry
	for _, entry := range r.entries {
		if entry.variant.Symbol == symbol {
			out = append(out, entry)
		}
	}
	return out
}

// SweepReleased removes variants unreferenced for longer than the grace
// period and returns their keys so callers can clear dependent cache
// entries.
func (r *VariantRegistry) SweepReleased() []string {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for key, entry := range r.entries {
		if entry.refs == 0 && !entry.releasedAt.IsZero() && now.Sub(entry.releasedAt) > r.grace {
			delete(r.entries, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Count reports registered variants, referenced or in grace.
func (r *VariantRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys lists registered variant keys.
func (r *VariantRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for key := range r.entries {
		out = append(out, key)
	}
	return out
}
