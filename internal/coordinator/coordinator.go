// Package coordinator arbitrates the shared resources strategy
// instances compete for: a fixed pool of signal slots and exclusive
// per-symbol locks. Every acquisition is a single check-and-set under
// the resource's own mutex, so there is no window between "can acquire"
// and "acquire". Releases are idempotent.
package coordinator

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"signal-engine/pkg/logger"
)

// Coordinator owns the slot pool and the symbol lock table. The two
// resource types are guarded independently so slot churn never contends
// with symbol lock churn.
type Coordinator struct {
	log *logger.Logger

	slotMu      sync.Mutex
	capacity    int
	slotHolders map[string]struct{}

	symMu      sync.Mutex
	symHolders map[string]string // symbol -> owner
}

// Snapshot is a point-in-time view of resource usage.
type Snapshot struct {
	SlotCapacity int
	SlotsInUse   int
	SlotHolders  []string
	SymbolLocks  map[string]string
}

// New creates a coordinator with the given signal slot capacity.
func New(capacity int, log *logger.Logger) *Coordinator {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		log:         log,
		capacity:    capacity,
		slotHolders: make(map[string]struct{}),
		symHolders:  make(map[string]string),
	}
}

// TryAcquireSlot attempts to take one signal slot for owner. It reports
// false when the pool is exhausted; the caller treats that as
// backpressure, not failure. An owner already holding a slot keeps it
// and gets true.
func (c *Coordinator) TryAcquireSlot(owner string) bool {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	if _, held := c.slotHolders[owner]; held {
		return true
	}
	if len(c.slotHolders) >= c.capacity {
		return false
	}
	c.slotHolders[owner] = struct{}{}
	return true
}

// ReleaseSlot returns owner's slot to the pool. Releasing a slot not
// held is a no-op, so duplicate event deliveries cannot inflate the
// free count.
func (c *Coordinator) ReleaseSlot(owner string) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	delete(c.slotHolders, owner)
}

// SlotsInUse reports currently held slots.
func (c *Coordinator) SlotsInUse() int {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	return len(c.slotHolders)
}

// SlotCapacity reports the fixed pool size.
func (c *Coordinator) SlotCapacity() int {
	return c.capacity
}

// TryLockSymbol attempts to take the exclusive lock for symbol. A
// symbol already locked by the same owner stays locked and reports
// true; a symbol locked by anyone else reports false.
func (c *Coordinator) TryLockSymbol(symbol, owner string) bool {
	c.symMu.Lock()
	defer c.symMu.Unlock()

	holder, locked := c.symHolders[symbol]
	if locked {
		return holder == owner
	}
	c.symHolders[symbol] = owner
	return true
}

// UnlockSymbol releases symbol if owner holds it. Unlocking a symbol
// held by someone else, or not held at all, is a no-op.
func (c *Coordinator) UnlockSymbol(symbol, owner string) {
	c.symMu.Lock()
	defer c.symMu.Unlock()

	if holder, locked := c.symHolders[symbol]; locked && holder == owner {
		delete(c.symHolders, symbol)
	}
}

// SymbolHolder reports who holds the lock for symbol, if anyone.
func (c *Coordinator) SymbolHolder(symbol string) (string, bool) {
	c.symMu.Lock()
	defer c.symMu.Unlock()
	holder, ok := c.symHolders[symbol]
	return holder, ok
}

// ReleaseAll frees every resource owned by owner, slot and symbol locks
// alike. Session teardown calls this per instance so nothing leaks when
// an instance dies mid-flight.
func (c *Coordinator) ReleaseAll(owner string) {
	c.slotMu.Lock()
	_, hadSlot := c.slotHolders[owner]
	delete(c.slotHolders, owner)
	c.slotMu.Unlock()

	c.symMu.Lock()
	var freed []string
	for symbol, holder := range c.symHolders {
		if holder == owner {
			freed = append(freed, symbol)
			delete(c.symHolders, symbol)
		}
	}
	c.symMu.Unlock()

	if hadSlot || len(freed) > 0 {
		c.log.Debug("released resources",
			zap.String("owner", owner),
			zap.Bool("slot", hadSlot),
			zap.Strings("symbols", freed))
	}
}

// ReleaseAllForSession frees every resource whose owner id starts with
// prefix. Instance owner ids embed their session id, so session
// teardown uses this as a backstop after per-instance releases.
func (c *Coordinator) ReleaseAllForSession(prefix string) {
	if prefix == "" {
		return
	}

	c.slotMu.Lock()
	var slots []string
	for owner := range c.slotHolders {
		if strings.HasPrefix(owner, prefix) {
			slots = append(slots, owner)
			delete(c.slotHolders, owner)
		}
	}
	c.slotMu.Unlock()

	c.symMu.Lock()
	var freed []string
	for symbol, holder := range c.symHolders {
		if strings.HasPrefix(holder, prefix) {
			freed = append(freed, symbol)
			delete(c.symHolders, symbol)
		}
	}
	c.symMu.Unlock()

	if len(slots) > 0 || len(freed) > 0 {
		c.log.Info("released session resources",
			zap.String("prefix", prefix),
			zap.Int("slots", len(slots)),
			zap.Strings("symbols", freed))
	}
}

// SnapshotUsage reports current holders for monitoring endpoints.
func (c *Coordinator) SnapshotUsage() Snapshot {
	snap := Snapshot{SlotCapacity: c.capacity, SymbolLocks: make(map[string]string)}

	c.slotMu.Lock()
	snap.SlotsInUse = len(c.slotHolders)
	snap.SlotHolders = make([]string, 0, len(c.slotHolders))
	for owner := range c.slotHolders {
		snap.SlotHolders = append(snap.SlotHolders, owner)
	}
	c.slotMu.Unlock()

	c.symMu.Lock()
	for symbol, holder := range c.symHolders {
		snap.SymbolLocks[symbol] = holder
	}
	c.symMu.Unlock()

	return snap
}
