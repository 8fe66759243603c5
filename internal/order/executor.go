package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/balance"
	"signal-engine/internal/events"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

// RiskChecker vetoes orders before funds are reserved.
type RiskChecker interface {
	CheckOrder(ctx context.Context, o Order) error
}

// Queuer buffers orders between intake and the worker pool. Queue and
// WALQueue both satisfy it.
type Queuer interface {
	TryEnqueue(Order) bool
	Drain(ctx context.Context, handler func(Order))
	Len() int
	PendingNotional() float64
	Close()
}

// ExecutorConfig tunes the intake pipeline.
type ExecutorConfig struct {
	Workers int
	FeeRate float64 // reservation buffer applied to buy notional
}

// ExecutorDeps wires the executor's collaborators.
type ExecutorDeps struct {
	Gateway *Gateway
	Queue   Queuer
	Funds   *balance.Manager
	Risk    RiskChecker
	Store   *db.Database
	Bus     *events.Bus
	Tasks   *tasks.Registry
	Log     *logger.Logger
}

// Executor turns strategy signals into orders: dedup, risk check, fund
// reservation, persisted pending row, then the queue feeding a worker
// pool that drives the gateway. A full queue or an exhausted balance is
// backpressure and drops the signal; the strategy's next evaluation
// cycle produces a fresh one.
type Executor struct {
	log   *logger.Logger
	bus   *events.Bus
	store *db.Database
	gw    *Gateway
	funds *balance.Manager
	risk  RiskChecker
	queue Queuer
	reg   *tasks.Registry
	cfg   ExecutorConfig

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewExecutor builds the pipeline. Risk may be nil.
func NewExecutor(cfg ExecutorConfig, d ExecutorDeps) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	return &Executor{
		log:   d.Log,
		bus:   d.Bus,
		store: d.Store,
		gw:    d.Gateway,
		funds: d.Funds,
		risk:  d.Risk,
		queue: d.Queue,
		reg:   d.Tasks,
		cfg:   cfg,
		seen:  make(map[string]time.Time),
	}
}

// Start registers the signal intake task and the worker pool.
func (e *Executor) Start(ctx context.Context) error {
	ch, unsub := e.bus.Subscribe(events.EventSignalGenerated, 128)
	if err := e.reg.Go(ctx, "order-signal-intake", func(taskCtx context.Context) error {
		defer unsub()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				sig, ok := msg.(events.SignalPayload)
				if !ok {
					continue
				}
				if err := e.HandleSignal(taskCtx, sig); err != nil {
					e.log.Warn("signal rejected",
						zap.String("symbol", sig.Symbol),
						zap.String("kind", sig.Kind),
						zap.Error(err))
				}
			}
		}
	}); err != nil {
		return err
	}

	for i := 0; i < e.cfg.Workers; i++ {
		name := fmt.Sprintf("order-worker-%d", i)
		if err := e.reg.Go(ctx, name, func(taskCtx context.Context) error {
			e.queue.Drain(taskCtx, func(o Order) {
				if err := e.gw.Submit(taskCtx, o); err != nil {
					e.log.Warn("order did not complete",
						zap.String("order_id", o.ID),
						zap.String("symbol", o.Symbol),
						zap.Error(err))
				}
			})
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleSignal validates, sizes, and enqueues one signal. Duplicate
// deliveries of the same signal ID are dropped, keeping the at-least-
// once bus safe to consume.
func (e *Executor) HandleSignal(ctx context.Context, sig events.SignalPayload) error {
	if sig.Symbol == "" || sig.Size <= 0 || sig.Price <= 0 {
		return apperrors.New(apperrors.CodeValidation, "signal needs symbol, positive size, and positive price")
	}
	side, err := sideFor(sig.Kind)
	if err != nil {
		return err
	}
	if sig.SignalID != "" && !e.firstSight(sig.SignalID) {
		e.log.Debug("duplicate signal delivery ignored", zap.String("signal_id", sig.SignalID))
		return nil
	}

	now := time.Now()
	o := Order{
		ID:         uuid.NewString(),
		SignalID:   sig.SignalID,
		SessionID:  sig.SessionID,
		InstanceID: sig.InstanceID,
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       exchange.OrderTypeMarket,
		Qty:        sig.Size,
		Price:      sig.Price,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if e.risk != nil {
		if err := e.risk.CheckOrder(ctx, o); err != nil {
			return apperrors.Wrap(err, apperrors.CodeValidation, "risk check rejected order")
		}
	}

	if side == exchange.SideBuy {
		reserve := o.Qty * o.Price * (1 + e.cfg.FeeRate)
		if err := e.funds.Reserve(reserve); err != nil {
			e.log.Warn("insufficient funds, dropping signal",
				zap.String("symbol", o.Symbol),
				zap.Float64("needed", reserve))
			return nil
		}
		o.Reserved = reserve
	}

	if err := e.store.CreateOrder(ctx, db.Order{
		ID:         o.ID,
		SessionID:  o.SessionID,
		InstanceID: o.InstanceID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Price:      o.Price,
		Qty:        o.Qty,
		State:      string(o.State),
		CreatedAt:  o.CreatedAt,
	}); err != nil {
		e.releaseReservation(o)
		return apperrors.Wrap(err, apperrors.CodeInternal, "persist order")
	}
	e.publishCreated(o)

	if !e.queue.TryEnqueue(o) {
		e.releaseReservation(o)
		if err := e.store.UpdateOrderState(ctx, o.ID, string(StateFailed), "queue full"); err != nil {
			e.log.Error("order state persist failed", zap.String("order_id", o.ID), zap.Error(err))
		}
		e.log.Warn("order queue full, shedding order",
			zap.String("order_id", o.ID),
			zap.String("symbol", o.Symbol))
		return nil
	}
	return nil
}

// PendingNotional exposes the queue's quote value for risk checks.
func (e *Executor) PendingNotional() float64 {
	return e.queue.PendingNotional()
}

// Close stops intake. Buffered orders still drain until the worker
// contexts end.
func (e *Executor) Close() {
	e.queue.Close()
}

func (e *Executor) releaseReservation(o Order) {
	if o.Reserved > 0 && e.funds != nil {
		e.funds.Release(o.Reserved)
	}
}

func (e *Executor) publishCreated(o Order) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventOrderCreated, events.OrderPayload{
		OrderID:    o.ID,
		SessionID:  o.SessionID,
		InstanceID: o.InstanceID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		State:      string(o.State),
		Qty:        o.Qty,
		At:         o.CreatedAt,
	})
}

// firstSight records a signal ID, reporting false on replays. Old
// entries age out so the map stays bounded.
func (e *Executor) firstSight(signalID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[signalID]; ok {
		return false
	}
	if len(e.seen) > 4096 {
		cutoff := time.Now().Add(-time.Hour)
		for id, at := range e.seen {
			if at.Before(cutoff) {
				delete(e.seen, id)
			}
		}
	}
	e.seen[signalID] = time.Now()
	return true
}

func sideFor(kind string) (exchange.Side, error) {
	switch kind {
	case "buy":
		return exchange.SideBuy, nil
	case "sell":
		return exchange.SideSell, nil
	default:
		return "", apperrors.Newf(apperrors.CodeValidation, "unknown signal kind %q", kind)
	}
}
