package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/coordinator"
	"signal-engine/internal/events"
	"signal-engine/internal/indicators"
	"signal-engine/internal/monitor"
	"signal-engine/internal/state"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/logger"
)

const (
	defaultRefresh   = 5 * time.Second
	defaultBuffer    = 64
	defaultFillGrace = 30 * time.Second
	persistTimeout   = 5 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	// VariantRefresh is the cache TTL handed to the indicator engine
	// for every acquired variant.
	VariantRefresh time.Duration
	// SampleBuffer is the per-instance sample channel depth. The
	// market path never blocks on a slow instance; overflow drops.
	SampleBuffer int
	// FillGrace is how long position_active may stay flat before the
	// entry is written off as unfilled, and how long an exit signal
	// is trusted before it is re-sent.
	FillGrace time.Duration
}

// Deps wires the coordinator into the engine.
type Deps struct {
	Indicators *indicators.Engine
	Resources  *coordinator.Coordinator
	Book       *state.Manager
	Store      *db.Database
	Bus        *events.Bus
	Tasks      *tasks.Registry
	Metrics    *monitor.Metrics
	Log        *logger.Logger
}

// Coordinator owns every live strategy instance. It feeds them market
// samples, walks their cycle states, arbitrates slots and symbol locks
// through the resource coordinator, and publishes signals and state
// transitions. Each instance evaluates on its own registered task, so
// one slow strategy cannot stall the rest.
type Coordinator struct {
	log     *logger.Logger
	bus     *events.Bus
	eng     *indicators.Engine
	res     *coordinator.Coordinator
	book    *state.Manager
	store   *db.Database
	tasks   *tasks.Registry
	metrics *monitor.Metrics

	refresh   time.Duration
	buffer    int
	fillGrace time.Duration

	mu        sync.Mutex
	runCtx    context.Context
	instances map[string]*Instance
}

// NewCoordinator creates a coordinator; call Start before activating
// instances.
func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if cfg.VariantRefresh <= 0 {
		cfg.VariantRefresh = defaultRefresh
	}
	if cfg.SampleBuffer <= 0 {
		cfg.SampleBuffer = defaultBuffer
	}
	if cfg.FillGrace <= 0 {
		cfg.FillGrace = defaultFillGrace
	}
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		log:       log,
		bus:       d.Bus,
		eng:       d.Indicators,
		res:       d.Resources,
		book:      d.Book,
		store:     d.Store,
		tasks:     d.Tasks,
		metrics:   d.Metrics,
		refresh:   cfg.VariantRefresh,
		buffer:    cfg.SampleBuffer,
		fillGrace: cfg.FillGrace,
		instances: make(map[string]*Instance),
	}
}

// Start anchors the context that instance evaluation tasks inherit.
func (co *Coordinator) Start(ctx context.Context) {
	co.mu.Lock()
	co.runCtx = ctx
	co.mu.Unlock()
}

// OnSample routes one market data point to every instance trading the
// symbol. Called by the market ingestor after the indicator engine has
// absorbed the same sample, so evaluations always see fresh values.
func (co *Coordinator) OnSample(symbol string, s indicators.Sample) {
	co.mu.Lock()
	targets := make([]*Instance, 0, 4)
	for _, inst := range co.instances {
		if inst.Symbol == symbol {
			targets = append(targets, inst)
		}
	}
	co.mu.Unlock()

	sample := evalSample{price: s.Price, volume: s.Volume, ts: s.Ts}
	for _, inst := range targets {
		switch inst.State() {
		case StateExited, StateError:
		default:
			inst.offer(sample)
		}
	}
}

// Activate builds the configured strategy, acquires its indicator
// variants, and starts the instance in monitoring. One instance per
// (session, type, symbol); re-activating an exited one revives it.
func (co *Coordinator) Activate(ctx context.Context, sessionID string, cfg InstanceConfig) (*Instance, error) {
	if sessionID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "activation needs a session id")
	}

	co.mu.Lock()
	runCtx := co.runCtx
	co.mu.Unlock()
	if runCtx == nil {
		return nil, apperrors.New(apperrors.CodeServiceUnavailable, "strategy coordinator not started")
	}

	strat, err := Build(cfg)
	if err != nil {
		return nil, err
	}

	id := instanceID(sessionID, cfg)
	co.mu.Lock()
	prev, exists := co.instances[id]
	if exists && prev.State() != StateExited {
		co.mu.Unlock()
		return nil, apperrors.Newf(apperrors.CodeSessionConflict,
			"instance %s is already active", id)
	}
	co.mu.Unlock()

	keys, err := co.acquireVariants(strat)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeStrategyActivationFailed,
			"acquire indicators for %s", id)
	}

	inst := newInstance(id, sessionID, cfg, strat, co.buffer)
	inst.keys = keys

	if err := co.persistInstance(ctx, inst, cfg, exists); err != nil {
		co.releaseVariants(keys)
		return nil, apperrors.Wrapf(err, apperrors.CodeStrategyActivationFailed,
			"persist instance %s", id)
	}

	ictx, cancel := context.WithCancel(runCtx)
	inst.cancel = cancel
	inst.done = make(chan struct{})
	task := "strategy-eval:" + id
	err = co.tasks.Go(ictx, task, func(tctx context.Context) error {
		defer close(inst.done)
		co.loop(tctx, inst)
		return nil
	})
	if err != nil {
		cancel()
		co.releaseVariants(keys)
		return nil, err
	}

	co.mu.Lock()
	co.instances[id] = inst
	co.mu.Unlock()

	from := ""
	reason := "activated"
	if exists {
		from = string(StateExited)
		reason = "reactivated"
	}
	co.publishTransition(inst, from, string(StateMonitoring), reason)
	co.log.Info("strategy instance activated",
		zap.String("instance", id),
		zap.String("type", cfg.Type),
		zap.String("symbol", cfg.Symbol),
		zap.Float64("size", cfg.Size))
	return inst, nil
}

// Deactivate winds one instance down: an open position gets an exit
// signal, resources and variants are released, and the evaluation task
// stops. Deactivating an exited instance is a no-op.
func (co *Coordinator) Deactivate(ctx context.Context, instanceID, reason string) error {
	inst, err := co.Get(instanceID)
	if err != nil {
		return err
	}
	return co.deactivate(ctx, inst, reason)
}

func (co *Coordinator) deactivate(ctx context.Context, inst *Instance, reason string) error {
	if inst.State() == StateExited {
		return nil
	}

	if view, ok := co.book.ViewOf(inst.Symbol); ok && view.Qty != 0 && inst.State() == StatePositionActive {
		price := view.MarkPrice
		if price <= 0 {
			price = view.EntryPrice
		}
		co.emitExit(inst, view.Qty, price, "deactivating with open position")
	}

	from, err := inst.transition(StateExited)
	if err != nil {
		return err
	}

	if inst.cancel != nil {
		inst.cancel()
		select {
		case <-inst.done:
		case <-time.After(2 * time.Second):
			co.log.Warn("evaluation task slow to stop", zap.String("instance", inst.ID))
		}
	}

	co.res.ReleaseAll(inst.ID)
	co.releaseVariants(inst.keys)

	co.persistState(inst.ID, StateExited)
	co.publishTransition(inst, string(from), string(StateExited), reason)
	co.log.Info("strategy instance deactivated",
		zap.String("instance", inst.ID), zap.String("reason", reason))
	return nil
}

// StopSession deactivates every instance of a session and sweeps any
// resource still attributed to it. Instances leave the live set; their
// rows stay as history.
func (co *Coordinator) StopSession(ctx context.Context, sessionID, reason string) error {
	co.mu.Lock()
	var own []*Instance
	for _, inst := range co.instances {
		if inst.SessionID == sessionID {
			own = append(own, inst)
		}
	}
	co.mu.Unlock()

	var errs []error
	for _, inst := range own {
		if err := co.deactivate(ctx, inst, reason); err != nil {
			errs = append(errs, err)
		}
	}

	co.res.ReleaseAllForSession(sessionID + "/")

	co.mu.Lock()
	for _, inst := range own {
		delete(co.instances, inst.ID)
	}
	co.mu.Unlock()

	if len(own) > 0 {
		co.log.Info("session strategies stopped",
			zap.String("session", sessionID),
			zap.Int("instances", len(own)))
	}
	return errors.Join(errs...)
}

// PauseSession suspends evaluation for a session's instances without
// touching their cycle state or resources.
func (co *Coordinator) PauseSession(sessionID string) {
	for _, inst := range co.sessionInstances(sessionID) {
		inst.setPaused(true)
	}
}

// ResumeSession lifts a pause.
func (co *Coordinator) ResumeSession(sessionID string) {
	for _, inst := range co.sessionInstances(sessionID) {
		inst.setPaused(false)
	}
}

// Reset returns an errored instance to monitoring.
func (co *Coordinator) Reset(instanceID string) error {
	inst, err := co.Get(instanceID)
	if err != nil {
		return err
	}
	if inst.State() != StateError {
		return apperrors.Newf(apperrors.CodeInvalidTransition,
			"instance %s is %s, only errored instances reset", instanceID, inst.State())
	}
	if _, err := inst.transition(StateMonitoring); err != nil {
		return err
	}
	co.persistState(inst.ID, StateMonitoring)
	co.publishTransition(inst, string(StateError), string(StateMonitoring), "operator reset")
	co.log.Info("strategy instance reset", zap.String("instance", instanceID))
	return nil
}

// Get returns a live instance.
func (co *Coordinator) Get(instanceID string) (*Instance, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	inst, ok := co.instances[instanceID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "instance %s not found", instanceID)
	}
	return inst, nil
}

// Statuses snapshots instances for the API, all sessions when
// sessionID is empty.
func (co *Coordinator) Statuses(sessionID string) []Status {
	co.mu.Lock()
	list := make([]*Instance, 0, len(co.instances))
	for _, inst := range co.instances {
		if sessionID == "" || inst.SessionID == sessionID {
			list = append(list, inst)
		}
	}
	co.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count reports live instances.
func (co *Coordinator) Count() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.instances)
}

func (co *Coordinator) sessionInstances(sessionID string) []*Instance {
	co.mu.Lock()
	defer co.mu.Unlock()
	var out []*Instance
	for _, inst := range co.instances {
		if inst.SessionID == sessionID {
			out = append(out, inst)
		}
	}
	return out
}

func instanceID(sessionID string, cfg InstanceConfig) string {
	return fmt.Sprintf("%s/%s:%s", sessionID, cfg.Type, cfg.Symbol)
}

func (co *Coordinator) acquireVariants(strat Strategy) ([]string, error) {
	var keys []string
	for _, v := range strat.Variants() {
		key, err := co.eng.AcquireVariant(v, co.refresh)
		if err != nil {
			co.releaseVariants(keys)
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (co *Coordinator) releaseVariants(keys []string) {
	for _, key := range keys {
		co.eng.ReleaseVariant(key)
	}
}

func (co *Coordinator) persistInstance(ctx context.Context, inst *Instance, cfg InstanceConfig, revived bool) error {
	if co.store == nil {
		return nil
	}
	if revived {
		return co.store.UpdateInstanceState(ctx, inst.ID, string(StateMonitoring))
	}
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return err
	}
	return co.store.CreateInstance(ctx, db.StrategyInstance{
		ID:           inst.ID,
		SessionID:    inst.SessionID,
		StrategyType: cfg.Type,
		Name:         fmt.Sprintf("%s on %s", cfg.Type, cfg.Symbol),
		Symbol:       cfg.Symbol,
		Parameters:   string(params),
		State:        string(StateMonitoring),
		CreatedAt:    time.Now(),
	})
}

func (co *Coordinator) persistState(id string, s InstanceState) {
	if co.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := co.store.UpdateInstanceState(ctx, id, string(s)); err != nil {
		co.log.Error("persist instance state",
			zap.String("instance", id), zap.String("state", string(s)), zap.Error(err))
	}
}

func (co *Coordinator) publishTransition(inst *Instance, from, to, reason string) {
	if co.bus == nil {
		return
	}
	co.bus.Publish(events.EventStateTransition, events.TransitionPayload{
		SessionID:  inst.SessionID,
		InstanceID: inst.ID,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         time.Now(),
	})
}

// loop is one instance's evaluation task. Samples arrive through the
// instance channel; pause drains them without evaluating.
func (co *Coordinator) loop(ctx context.Context, inst *Instance) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-inst.samples:
			if inst.Paused() {
				continue
			}
			co.evaluate(inst, s)
		}
	}
}

func (co *Coordinator) evaluate(inst *Instance, s evalSample) {
	if co.metrics != nil {
		t := monitor.NewTimer(co.metrics.EvalLatency)
		defer t.Stop()
	}
	inst.bump("evaluations")
	inst.gauge("last_price", s.price)
	inst.gauge("last_eval_unix", float64(s.ts.Unix()))

	st := inst.State()
	var held float64
	if st == StatePositionActive {
		if holder, ok := co.res.SymbolHolder(inst.Symbol); !ok || holder != inst.ID {
			co.fail(inst, "symbol lock lost while position active")
			return
		}
		if pos, ok := co.book.Position(inst.Symbol); ok && pos.Qty != 0 {
			held = pos.Qty
			inst.markFilled()
		} else if inst.heldSide() == SideSell {
			held = -inst.size
		} else {
			held = inst.size
		}
	}

	advice := inst.strat.Evaluate(co.eng, s.price, held)

	switch st {
	case StateMonitoring:
		co.onMonitoring(inst, advice, s)
	case StateSignalDetected:
		co.onSignalDetected(inst, advice)
	case StateEntryEval:
		co.onEntryEval(inst, advice, s)
	case StatePositionActive:
		co.onPositionActive(inst, advice, s)
	}
}

func (co *Coordinator) onMonitoring(inst *Instance, advice Advice, s evalSample) {
	if advice.Action != ActionEnter {
		return
	}
	if advice.Side != SideBuy && advice.Side != SideSell {
		co.fail(inst, fmt.Sprintf("strategy returned entry with side %q", advice.Side))
		return
	}
	if !co.res.TryAcquireSlot(inst.ID) {
		inst.bump("slot_backpressure")
		co.log.Debug("signal slot pool exhausted",
			zap.String("instance", inst.ID), zap.String("note", advice.Note))
		return
	}
	co.shift(inst, StateSignalDetected, advice.Note)
}

func (co *Coordinator) onSignalDetected(inst *Instance, advice Advice) {
	if advice.Action == ActionEnter {
		co.shift(inst, StateEntryEval, "signal confirmed")
		return
	}
	co.res.ReleaseSlot(inst.ID)
	co.shift(inst, StateMonitoring, "signal faded before confirmation")
}

func (co *Coordinator) onEntryEval(inst *Instance, advice Advice, s evalSample) {
	if advice.Action != ActionEnter {
		co.res.ReleaseSlot(inst.ID)
		co.shift(inst, StateMonitoring, "signal faded during entry evaluation")
		return
	}
	if !co.res.TryLockSymbol(inst.Symbol, inst.ID) {
		inst.bump("lock_backpressure")
		co.log.Debug("symbol locked by another instance",
			zap.String("instance", inst.ID), zap.String("symbol", inst.Symbol))
		return
	}
	if err := co.shift(inst, StatePositionActive, advice.Note); err != nil {
		co.res.UnlockSymbol(inst.Symbol, inst.ID)
		return
	}
	inst.markEntry(advice.Side, s.ts)
	co.emitSignal(inst, advice.Side, advice.Strength, s.price, inst.size, advice.Note)
}

func (co *Coordinator) onPositionActive(inst *Instance, advice Advice, s evalSample) {
	pos, ok := co.book.Position(inst.Symbol)
	if !ok || pos.Qty == 0 {
		_, exitSent := inst.exitAge(s.ts)
		if exitSent || inst.wasFilled() {
			// The position ran its course, whether through our exit
			// signal or an outside close (protective stop, manual).
			inst.bump("round_trips")
			co.releaseAfterFlat(inst, "position closed")
			return
		}
		if inst.entryAge(s.ts) < co.fillGrace {
			// Entry order still in flight.
			return
		}
		inst.bump("entry_timeouts")
		co.releaseAfterFlat(inst, "entry never filled")
		return
	}

	if advice.Action != ActionExit {
		return
	}
	if age, sent := inst.exitAge(s.ts); sent && age < co.fillGrace {
		// Closing order still working; give it the grace window.
		return
	}
	inst.markExit(s.ts)
	co.emitExit(inst, pos.Qty, s.price, advice.Note)
}

func (co *Coordinator) releaseAfterFlat(inst *Instance, reason string) {
	co.res.UnlockSymbol(inst.Symbol, inst.ID)
	co.res.ReleaseSlot(inst.ID)
	co.shift(inst, StateMonitoring, reason)
}

// fail pulls the instance out of trading and frees everything it held.
func (co *Coordinator) fail(inst *Instance, reason string) {
	from, err := inst.transition(StateError)
	if err != nil {
		co.log.Error("instance fault in terminal state",
			zap.String("instance", inst.ID), zap.String("reason", reason))
		return
	}
	co.res.ReleaseAll(inst.ID)
	inst.bump("faults")
	co.persistState(inst.ID, StateError)
	co.publishTransition(inst, string(from), string(StateError), reason)
	co.log.Error("strategy instance errored",
		zap.String("instance", inst.ID), zap.String("reason", reason))
}

func (co *Coordinator) shift(inst *Instance, to InstanceState, reason string) error {
	from, err := inst.transition(to)
	if err != nil {
		co.log.Warn("rejected instance transition",
			zap.String("instance", inst.ID), zap.String("to", string(to)), zap.Error(err))
		return err
	}
	co.persistState(inst.ID, to)
	co.publishTransition(inst, string(from), string(to), reason)
	co.log.Info("instance state changed",
		zap.String("instance", inst.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

func (co *Coordinator) emitExit(inst *Instance, heldQty, price float64, note string) {
	kind := SideSell
	if heldQty < 0 {
		kind = SideBuy
	}
	size := heldQty
	if size < 0 {
		size = -size
	}
	co.emitSignal(inst, kind, 1, price, size, note)
}

func (co *Coordinator) emitSignal(inst *Instance, kind string, strength, price, size float64, note string) {
	sig := events.SignalPayload{
		SignalID:   uuid.NewString(),
		SessionID:  inst.SessionID,
		InstanceID: inst.ID,
		Symbol:     inst.Symbol,
		Strategy:   inst.Type,
		Kind:       kind,
		Strength:   strength,
		Price:      price,
		Size:       size,
		At:         time.Now(),
	}

	if co.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := co.store.AppendSignal(ctx, db.Signal{
			ID:         sig.SignalID,
			SessionID:  sig.SessionID,
			InstanceID: sig.InstanceID,
			Symbol:     sig.Symbol,
			Action:     kind,
			Price:      price,
			Size:       size,
			Note:       note,
			CreatedAt:  sig.At,
		}); err != nil {
			co.log.Error("persist signal", zap.String("signal", sig.SignalID), zap.Error(err))
		}
		cancel()
	}

	co.bus.Publish(events.EventSignalGenerated, sig)
	inst.bump("signals")
	co.log.Info("signal generated",
		zap.String("instance", inst.ID),
		zap.String("kind", kind),
		zap.Float64("price", price),
		zap.Float64("size", size),
		zap.String("note", note))
}
