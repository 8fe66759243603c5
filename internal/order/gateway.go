package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/balance"
	"signal-engine/internal/events"
	"signal-engine/internal/state"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

// GatewayConfig tunes submission behaviour.
type GatewayConfig struct {
	SubmitTimeout time.Duration // watchdog window per order
	MaxRetries    int           // transient-failure retries per order
}

// GatewayDeps wires the gateway's collaborators.
type GatewayDeps struct {
	Venue   exchange.Gateway
	Pacer   *exchange.Pacer
	Breaker *Breaker
	Book    *state.Manager
	Funds   *balance.Manager
	Store   *db.Database
	Bus     *events.Bus
	Tasks   *tasks.Registry
	Log     *logger.Logger
}

// Gateway submits orders to the venue adapter under a circuit breaker
// and a per-order timeout watchdog. Transient venue failures retry with
// exponential backoff; permanent rejections surface immediately. The
// watchdog and the submission path race for the terminal state; the
// transition guard makes the loser a no-op.
type Gateway struct {
	log     *logger.Logger
	bus     *events.Bus
	store   *db.Database
	venue   exchange.Gateway
	pacer   *exchange.Pacer
	breaker *Breaker
	book    *state.Manager
	funds   *balance.Manager
	reg     *tasks.Registry

	timeout    time.Duration
	maxRetries int
	backoff    func(attempt int) time.Duration

	mu   sync.Mutex
	live map[string]*tracked
}

// tracked serializes state access for one in-flight order.
type tracked struct {
	mu  sync.Mutex
	ord Order
}

func (t *tracked) transition(to State, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ord.Apply(to); err != nil {
		return false
	}
	if reason != "" {
		t.ord.Reason = reason
	}
	return true
}

func (t *tracked) fill(res exchange.OrderResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ord.Apply(StateFilled); err != nil {
		return false
	}
	t.ord.FilledQty = res.FilledQty
	t.ord.FillPrice = res.FillPrice
	t.ord.Fee = res.Fee
	if res.VenueOrderID != "" {
		t.ord.VenueOrderID = res.VenueOrderID
	}
	return true
}

func (t *tracked) setVenueID(id string) {
	t.mu.Lock()
	if id != "" {
		t.ord.VenueOrderID = id
	}
	t.mu.Unlock()
}

func (t *tracked) snapshot() Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ord
}

func (t *tracked) terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ord.State.Terminal()
}

// NewGateway builds a gateway. Nil Pacer, Breaker, or Log fall back to
// defaults; the remaining dependencies are required.
func NewGateway(cfg GatewayConfig, d GatewayDeps) *Gateway {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if d.Pacer == nil {
		d.Pacer = exchange.NewPacer(8)
	}
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	if d.Breaker == nil {
		d.Breaker = NewBreaker(5, 30*time.Second, 2, d.Log)
	}
	return &Gateway{
		log:        d.Log,
		bus:        d.Bus,
		store:      d.Store,
		venue:      d.Venue,
		pacer:      d.Pacer,
		breaker:    d.Breaker,
		book:       d.Book,
		funds:      d.Funds,
		reg:        d.Tasks,
		timeout:    cfg.SubmitTimeout,
		maxRetries: cfg.MaxRetries,
		backoff:    backoffDelay,
		live:       make(map[string]*tracked),
	}
}

// Submit drives one pending order to a terminal state, or to submitted
// when the venue acks without a synchronous fill. Re-submitting an ID
// already in flight is a no-op.
func (g *Gateway) Submit(ctx context.Context, o Order) error {
	if o.ID == "" || o.Symbol == "" || o.Qty <= 0 {
		return apperrors.New(apperrors.CodeValidation, "order needs id, symbol, and positive quantity")
	}
	if o.State == "" {
		o.State = StatePending
	}
	if o.State != StatePending {
		return apperrors.Newf(apperrors.CodeValidation, "order %s is %s, not pending", o.ID, o.State)
	}

	t, fresh := g.track(o)
	if !fresh {
		return nil
	}

	if !g.breaker.Allow() {
		g.resolve(ctx, t, StateFailed, "venue circuit open")
		return apperrors.New(apperrors.CodeServiceUnavailable, "venue circuit open")
	}

	if !t.transition(StateSubmitted, "") {
		return nil
	}
	g.persistState(ctx, t)
	g.publish(t)
	g.armWatchdog(ctx, t)

	subCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if t.terminal() {
			return nil
		}
		if attempt > 0 {
			if !g.breaker.Allow() {
				g.resolve(ctx, t, StateFailed, "venue circuit open")
				return apperrors.New(apperrors.CodeServiceUnavailable, "venue circuit open")
			}
			select {
			case <-subCtx.Done():
				lastErr = subCtx.Err()
				attempt = g.maxRetries + 1
				continue
			case <-time.After(g.backoff(attempt - 1)):
			}
		}

		if err := g.pacer.Wait(subCtx); err != nil {
			lastErr = err
			break
		}

		res, err := g.venue.SubmitOrder(subCtx, g.request(t))
		if err == nil {
			g.breaker.RecordSuccess()
			switch res.Status {
			case exchange.AckFilled:
				g.applyFill(ctx, t, res)
				return nil
			case exchange.AckAccepted:
				t.setVenueID(res.VenueOrderID)
				g.persistState(ctx, t)
				return nil
			default:
				g.resolve(ctx, t, StateFailed, "venue rejected order")
				return apperrors.Newf(apperrors.CodeValidation, "venue rejected order %s", o.ID)
			}
		}

		if exchange.IsRejection(err) {
			g.resolve(ctx, t, StateFailed, err.Error())
			return apperrors.Wrap(err, apperrors.CodeValidation, "venue rejected order")
		}

		g.breaker.RecordFailure()
		lastErr = err
		g.log.Warn("order submission attempt failed",
			zap.String("order_id", o.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if t.terminal() {
		return nil
	}
	if subCtx.Err() != nil || errors.Is(lastErr, context.DeadlineExceeded) {
		if g.resolve(ctx, t, StateTimedOut, "submission timeout") {
			g.cancelAtVenue(ctx, t)
		}
		return apperrors.Wrap(lastErr, apperrors.CodeTimeout, "order submission timed out")
	}
	g.resolve(ctx, t, StateFailed, "retries exhausted")
	return apperrors.Wrap(lastErr, apperrors.CodeServiceUnavailable, "order submission failed")
}

// RecordFill applies an asynchronous fill confirmation. Unknown orders
// and orders already terminal are no-ops, which makes a late fill after
// a timeout harmless.
func (g *Gateway) RecordFill(ctx context.Context, orderID string, price, qty, fee float64) bool {
	t := g.lookup(orderID)
	if t == nil {
		return false
	}
	return g.applyFill(ctx, t, exchange.OrderResult{
		Status:    exchange.AckFilled,
		FillPrice: price,
		FilledQty: qty,
		Fee:       fee,
	})
}

// Cancel aborts a live order, releasing its reservation. Cancelling an
// unknown or terminal order reports false and changes nothing.
func (g *Gateway) Cancel(ctx context.Context, orderID, reason string) bool {
	t := g.lookup(orderID)
	if t == nil {
		return false
	}
	if !t.transition(StateCancelled, reason) {
		return false
	}
	g.cancelAtVenue(ctx, t)
	g.settleNonFill(t)
	g.persistState(ctx, t)
	g.publish(t)
	g.untrack(orderID)
	return true
}

// CancelSession aborts every live order belonging to a session,
// returning how many were cancelled. Session teardown calls this
// before releasing symbol resources.
func (g *Gateway) CancelSession(ctx context.Context, sessionID, reason string) int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.live))
	for id, t := range g.live {
		if t.snapshot().SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.Cancel(ctx, id, reason) {
			n++
		}
	}
	return n
}

// Open snapshots all in-flight orders.
func (g *Gateway) Open() []Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Order, 0, len(g.live))
	for _, t := range g.live {
		out = append(out, t.snapshot())
	}
	return out
}

// BreakerState exposes the breaker position for status endpoints.
func (g *Gateway) BreakerState() BreakerState {
	return g.breaker.State()
}

func (g *Gateway) track(o Order) (*tracked, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.live[o.ID]; ok {
		return t, false
	}
	t := &tracked{ord: o}
	g.live[o.ID] = t
	return t, true
}

func (g *Gateway) lookup(orderID string) *tracked {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live[orderID]
}

func (g *Gateway) untrack(orderID string) {
	g.mu.Lock()
	delete(g.live, orderID)
	g.mu.Unlock()
}

// resolve moves the order to a non-fill terminal state. Only the caller
// that wins the transition books the funds release and emits events.
func (g *Gateway) resolve(ctx context.Context, t *tracked, to State, reason string) bool {
	if !t.transition(to, reason) {
		return false
	}
	g.settleNonFill(t)
	g.persistState(ctx, t)
	g.publish(t)
	g.untrack(t.snapshot().ID)
	return true
}

// settleNonFill returns the order's reservation to available funds.
func (g *Gateway) settleNonFill(t *tracked) {
	o := t.snapshot()
	if o.Reserved > 0 && g.funds != nil {
		g.funds.Release(o.Reserved)
	}
}

// applyFill books a fill: position, funds, fill row, order row, event.
func (g *Gateway) applyFill(ctx context.Context, t *tracked, res exchange.OrderResult) bool {
	if !t.fill(res) {
		return false
	}
	o := t.snapshot()
	cost := o.FillPrice * o.FilledQty

	if g.funds != nil {
		switch o.Side {
		case exchange.SideBuy:
			g.funds.SettleBuy(o.Reserved, cost, o.Fee)
		case exchange.SideSell:
			if o.Reserved > 0 {
				g.funds.Release(o.Reserved)
			}
			g.funds.SettleSell(cost, o.Fee)
		}
	}
	if g.book != nil {
		if _, err := g.book.ApplyFill(ctx, o.Symbol, string(o.Side), o.FilledQty, o.FillPrice, o.Fee); err != nil {
			g.log.Error("position book update failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if err := g.store.UpdateOrderFill(ctx, o.ID, string(o.State), o.FilledQty, o.FillPrice); err != nil {
		g.log.Error("order fill persist failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	fill := db.Fill{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		SessionID: o.SessionID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Price:     o.FillPrice,
		Qty:       o.FilledQty,
		Fee:       o.Fee,
		CreatedAt: time.Now(),
	}
	if err := g.store.CreateFill(ctx, fill); err != nil {
		g.log.Error("fill row persist failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	g.publish(t)
	g.untrack(o.ID)
	return true
}

// armWatchdog starts the timeout task racing the submission path.
func (g *Gateway) armWatchdog(ctx context.Context, t *tracked) {
	o := t.snapshot()
	name := "order-timeout-" + shortID(o.ID)
	err := g.reg.Go(ctx, name, func(taskCtx context.Context) error {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
			return nil
		case <-timer.C:
		}
		if !t.transition(StateTimedOut, "submission timeout") {
			return nil
		}
		g.log.Warn("order timed out, cancelling at venue", zap.String("order_id", o.ID))
		g.cancelAtVenue(taskCtx, t)
		g.settleNonFill(t)
		g.persistState(taskCtx, t)
		g.publish(t)
		g.untrack(o.ID)
		return nil
	})
	if err != nil {
		g.log.Warn("watchdog not armed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// cancelAtVenue issues a best-effort cancel for orders the venue knows.
func (g *Gateway) cancelAtVenue(ctx context.Context, t *tracked) {
	o := t.snapshot()
	if o.VenueOrderID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.venue.CancelOrder(cctx, o.Symbol, o.VenueOrderID); err != nil {
		g.log.Warn("venue cancel failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (g *Gateway) request(t *tracked) exchange.OrderRequest {
	o := t.snapshot()
	req := exchange.OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Qty:         o.Remaining(),
		TimeInForce: exchange.TIFGTC,
		ClientID:    o.ID,
	}
	if o.Type == exchange.OrderTypeLimit {
		req.Price = o.Price
	}
	return req
}

func (g *Gateway) persistState(ctx context.Context, t *tracked) {
	o := t.snapshot()
	if err := g.store.UpdateOrderState(ctx, o.ID, string(o.State), o.Reason); err != nil {
		g.log.Error("order state persist failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (g *Gateway) publish(t *tracked) {
	if g.bus == nil {
		return
	}
	o := t.snapshot()
	g.bus.Publish(events.EventOrderUpdated, events.OrderPayload{
		OrderID:    o.ID,
		SessionID:  o.SessionID,
		InstanceID: o.InstanceID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		State:      string(o.State),
		Qty:        o.Qty,
		FillPrice:  o.FillPrice,
		Reason:     o.Reason,
		At:         time.Now(),
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
