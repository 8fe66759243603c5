package engine

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"signal-engine/internal/balance"
	"signal-engine/internal/coordinator"
	"signal-engine/internal/data"
	"signal-engine/internal/events"
	"signal-engine/internal/indicators"
	"signal-engine/internal/market"
	"signal-engine/internal/monitor"
	"signal-engine/internal/order"
	"signal-engine/internal/reconciliation"
	"signal-engine/internal/risk"
	"signal-engine/internal/session"
	"signal-engine/internal/state"
	"signal-engine/internal/strategy"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/cache"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/logger"
)

// Deps wires the engine's components. Main constructs them; the engine
// owns their lifecycle and the session-level choreography. Feed,
// History, Writer, and Recon are optional; the rest are required.
type Deps struct {
	Cfg     *config.Config
	Version string
	Log     *logger.Logger

	Store *db.Database
	Bus   *events.Bus
	Tasks *tasks.Registry

	Quotes     *cache.ShardedQuoteCache
	Indicators *indicators.Engine
	Resources  *coordinator.Coordinator
	Book       *state.Manager
	Funds      *balance.Manager

	Executor *order.Executor
	Queue    order.Queuer

	Recon   *reconciliation.Service
	Risk    *risk.Manager
	Guard   *risk.Guard
	Monitor *monitor.Monitor

	Sessions   *session.Manager
	Strategies *strategy.Coordinator

	Feed    market.Feed
	History data.Source
	Writer  market.TickSink
}

// Engine is the orchestrator behind Service: it boots the component
// stack, owns the market fan-out, and runs session choreography
// (warm-up, strategy activation, guard targeting, teardown).
type Engine struct {
	cfg *config.Config
	log *logger.Logger

	store *db.Database
	bus   *events.Bus
	reg   *tasks.Registry

	quotes     *cache.ShardedQuoteCache
	ind        *indicators.Engine
	res        *coordinator.Coordinator
	book       *state.Manager
	funds      *balance.Manager
	executor   *order.Executor
	queue      order.Queuer
	recon      *reconciliation.Service
	risk       *risk.Manager
	guard      *risk.Guard
	mon        *monitor.Monitor
	sessions   *session.Manager
	strategies *strategy.Coordinator
	history    data.Source

	feed     market.Feed
	writer   market.TickSink
	ingestor *market.Ingestor

	id        string
	version   string
	startedAt time.Time

	mu      sync.Mutex
	started bool
}

var _ Service = (*Engine)(nil)

// New assembles the engine. The market fan-out is fixed here: every
// tick reaches the bus, the position book's marks, the quote cache,
// and durable history; samples reach the indicator engine strictly
// before the strategies that read it.
func New(d Deps) *Engine {
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	e := &Engine{
		cfg:        d.Cfg,
		log:        d.Log.Named("engine"),
		store:      d.Store,
		bus:        d.Bus,
		reg:        d.Tasks,
		quotes:     d.Quotes,
		ind:        d.Indicators,
		res:        d.Resources,
		book:       d.Book,
		funds:      d.Funds,
		executor:   d.Executor,
		queue:      d.Queue,
		recon:      d.Recon,
		risk:       d.Risk,
		guard:      d.Guard,
		mon:        d.Monitor,
		sessions:   d.Sessions,
		strategies: d.Strategies,
		history:    d.History,
		feed:       d.Feed,
		writer:     d.Writer,
		id:         EngineID(),
		version:    d.Version,
	}

	samples := sampleChain{e.ind, e.strategies}
	marks := markChain{e.book, quoteSink{e.quotes}}
	e.ingestor = market.NewIngestor(d.Bus, samples, marks, d.Writer, d.Cfg.CandleInterval, d.Log)
	return e
}

// Start boots the component stack. Order matters: the book loads before
// anything reads it, the order WAL replays before the executor opens
// intake, and the indicator engine is live before the feed starts.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeInternal, "engine already started")
	}
	e.started = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	if err := e.book.Load(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "load position book")
	}
	if rec, ok := e.queue.(interface{ Recover() error }); ok {
		if err := rec.Recover(); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "replay order wal")
		}
	}

	e.ind.Start(ctx)
	e.strategies.Start(ctx)

	if e.cfg.ExecutionEnabled {
		if err := e.executor.Start(ctx); err != nil {
			return err
		}
	} else {
		e.log.Warn("execution disabled, signals will not become orders")
	}

	if e.recon != nil {
		if err := e.recon.Start(ctx); err != nil {
			return err
		}
	}
	if err := e.risk.Start(ctx, e.reg); err != nil {
		return err
	}
	if err := e.guard.Start(ctx, e.reg); err != nil {
		return err
	}
	if err := e.mon.Start(ctx, e.reg); err != nil {
		return err
	}

	if err := e.reg.Go(ctx, "balance-sync", func(taskCtx context.Context) error {
		return e.funds.Run(taskCtx, e.cfg.ReconcileInterval)
	}); err != nil {
		return err
	}

	if e.feed != nil {
		if err := e.reg.Go(ctx, "market-ingest", func(taskCtx context.Context) error {
			return e.ingestor.Run(taskCtx, e.feed)
		}); err != nil {
			return err
		}
	}

	e.log.Info("engine started",
		zap.String("engine_id", e.id),
		zap.String("version", e.version),
		zap.Strings("symbols", e.cfg.Symbols),
		zap.Bool("execution", e.cfg.ExecutionEnabled))
	return nil
}

// Stop winds the engine down: live sessions stop first so positions
// close over the normal path, then background tasks, then the buffered
// writers drain.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	for _, sess := range e.sessions.List() {
		switch sess.State() {
		case session.StateRunning, session.StatePaused:
			if err := e.StopSession(ctx, sess.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := e.reg.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	e.executor.Close()
	if c, ok := e.writer.(interface{ Close() error }); ok {
		// Flush buffered history rows before the process exits.
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	e.log.Info("engine stopped", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// --- Session lifecycle ---

// StartSession creates a session, warms its indicators, activates its
// strategies, and commits it to running. Any failure along the way
// rolls activation back and parks the session in error.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (string, error) {
	mode := req.Mode
	if mode == "" {
		mode = e.cfg.DefaultMode
	}

	cfgs := req.Strategies
	if len(cfgs) == 0 {
		loaded, err := e.defaultStrategies(req.Symbols)
		if err != nil {
			return "", err
		}
		cfgs = loaded
	}
	for _, sc := range cfgs {
		if !containsSymbol(req.Symbols, sc.Symbol) {
			return "", apperrors.Newf(apperrors.CodeInvalidSymbol,
				"strategy %s trades %s, which the session does not cover", sc.Type, sc.Symbol)
		}
	}

	sess, err := e.sessions.Create(ctx, mode, req.Symbols)
	if err != nil {
		return "", err
	}
	if err := sess.Transition(session.StateStarting, "start requested"); err != nil {
		return "", err
	}

	e.warmup(ctx, sess.Symbols)

	for _, sc := range cfgs {
		if _, err := e.strategies.Activate(ctx, sess.ID, sc); err != nil {
			_ = e.strategies.StopSession(ctx, sess.ID, "activation rollback")
			sess.Fail("strategy activation failed: " + err.Error())
			return "", err
		}
	}

	e.guard.SetSession(sess.ID)
	if err := sess.Transition(session.StateRunning, "session started"); err != nil {
		_ = e.strategies.StopSession(ctx, sess.ID, "start aborted")
		e.retargetGuard(sess.ID)
		return "", err
	}

	e.log.Info("session started",
		zap.String("session", sess.ID),
		zap.String("mode", mode),
		zap.Strings("symbols", sess.Symbols),
		zap.Int("strategies", len(cfgs)))
	return sess.ID, nil
}

// StopSession drains the session's strategies and commits it to
// stopped. A cleanup failure parks the session in error instead of
// pretending the stop completed.
func (e *Engine) StopSession(ctx context.Context, id string) error {
	sess, err := e.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := sess.Transition(session.StateStopping, "stop requested"); err != nil {
		return err
	}
	err = sess.TransitionWithCleanup(session.StateStopped, "session stopped", func() error {
		return e.strategies.StopSession(ctx, id, "session stopped")
	})
	e.retargetGuard(id)
	if err != nil {
		return err
	}
	e.log.Info("session stopped", zap.String("session", id))
	return nil
}

// PauseSession suspends evaluation without releasing positions or
// resources.
func (e *Engine) PauseSession(ctx context.Context, id string) error {
	sess, err := e.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := sess.Transition(session.StatePaused, "pause requested"); err != nil {
		return err
	}
	e.strategies.PauseSession(id)
	return nil
}

// ResumeSession resumes a paused session.
func (e *Engine) ResumeSession(ctx context.Context, id string) error {
	sess, err := e.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := sess.Transition(session.StateRunning, "resumed"); err != nil {
		return err
	}
	e.strategies.ResumeSession(id)
	return nil
}

// SessionStatus reports one session with its live instances.
func (e *Engine) SessionStatus(ctx context.Context, id string) (*SessionStatus, error) {
	sess, err := e.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	st := e.sessionStatus(sess)
	return &st, nil
}

// ListSessions reports every live session, oldest first.
func (e *Engine) ListSessions(ctx context.Context) []SessionStatus {
	live := e.sessions.List()
	out := make([]SessionStatus, 0, len(live))
	for _, sess := range live {
		out = append(out, e.sessionStatus(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) sessionStatus(sess *session.Session) SessionStatus {
	return SessionStatus{
		ID:             sess.ID,
		Mode:           sess.Mode,
		State:          string(sess.State()),
		Symbols:        sess.Symbols,
		CreatedAt:      sess.CreatedAt,
		LastTransition: sess.LastTransition(),
		Instances:      e.strategies.Statuses(sess.ID),
	}
}

// --- Strategy control ---

// ActivateStrategy adds one instance to a running or paused session.
func (e *Engine) ActivateStrategy(ctx context.Context, sessionID string, cfg strategy.InstanceConfig) (string, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	st := sess.State()
	if st != session.StateRunning && st != session.StatePaused {
		return "", apperrors.Newf(apperrors.CodeSessionConflict,
			"session %s is %s, strategies attach to running or paused sessions", sessionID, st)
	}
	if !containsSymbol(sess.Symbols, cfg.Symbol) {
		return "", apperrors.Newf(apperrors.CodeInvalidSymbol,
			"session %s does not cover %s", sessionID, cfg.Symbol)
	}

	inst, err := e.strategies.Activate(ctx, sessionID, cfg)
	if err != nil {
		return "", err
	}
	if st == session.StatePaused {
		e.strategies.PauseSession(sessionID)
	}
	return inst.ID, nil
}

// DeactivateStrategy winds one instance down, closing its position if
// it holds one.
func (e *Engine) DeactivateStrategy(ctx context.Context, instanceID string) error {
	return e.strategies.Deactivate(ctx, instanceID, "operator deactivate")
}

// ResetStrategy returns an errored instance to monitoring.
func (e *Engine) ResetStrategy(ctx context.Context, instanceID string) error {
	return e.strategies.Reset(instanceID)
}

// --- Market and indicator queries ---

// IndicatorValue serves one indicator read. None means the variant has
// not seen enough samples yet.
func (e *Engine) IndicatorValue(ctx context.Context, v indicators.Variant, window int) (optional.Option[indicators.Value], error) {
	if err := v.Validate(); err != nil {
		return optional.None[indicators.Value](), apperrors.Wrap(err, apperrors.CodeValidation, "indicator variant")
	}
	return e.ind.Calculate(v, window), nil
}

// LastPrice reads the freshest quote for a symbol.
func (e *Engine) LastPrice(ctx context.Context, symbol string) (float64, bool) {
	return e.quotes.Price(symbol)
}

// --- Book and history queries ---

func (e *Engine) Positions(ctx context.Context) []state.View {
	return e.book.Views()
}

func (e *Engine) OrdersBySession(ctx context.Context, sessionID string, limit int) ([]db.Order, error) {
	return e.store.Queries().OrdersBySession(ctx, sessionID, limit)
}

func (e *Engine) SignalsBySession(ctx context.Context, sessionID string, limit int) ([]db.Signal, error) {
	return e.store.Queries().SignalsBySession(ctx, sessionID, limit)
}

func (e *Engine) FillsBySession(ctx context.Context, sessionID string, limit int) ([]db.Fill, error) {
	return e.store.Queries().FillsBySession(ctx, sessionID, limit)
}

// --- Risk and accounting ---

func (e *Engine) RiskLimits(ctx context.Context) risk.Limits {
	return e.risk.Limits()
}

// UpdateRiskLimits swaps the live limit set. Protective levels apply to
// positions armed after the change.
func (e *Engine) UpdateRiskLimits(ctx context.Context, lim risk.Limits) error {
	e.risk.SetLimits(lim)
	e.log.Info("risk limits updated",
		zap.Float64("max_daily_loss", lim.MaxDailyLoss),
		zap.Int("max_open_positions", lim.MaxOpenPositions))
	return nil
}

func (e *Engine) RiskMetrics(ctx context.Context) risk.Metrics {
	return e.risk.Metrics()
}

func (e *Engine) Balance(ctx context.Context) balance.Snapshot {
	return e.funds.Snapshot()
}

// --- System ---

func (e *Engine) ResourceUsage(ctx context.Context) coordinator.Snapshot {
	return e.res.SnapshotUsage()
}

func (e *Engine) SystemStatus(ctx context.Context) SystemStatus {
	now := time.Now()
	running := 0
	live := e.sessions.List()
	for _, sess := range live {
		if st := sess.State(); st == session.StateRunning || st == session.StatePaused {
			running++
		}
	}
	return SystemStatus{
		EngineID:   e.id,
		Version:    e.version,
		StartedAt:  e.startedAt,
		ServerTime: now.UTC(),
		UptimeSec:  int64(now.Sub(e.startedAt).Seconds()),
		Sessions:   len(live),
		Running:    running,
		Instances:  e.strategies.Count(),
		Resources:  e.res.SnapshotUsage(),
		Metrics:    e.mon.Metrics().Snapshot(),
		Balance:    e.funds.Snapshot(),
	}
}

// Serving reports whether any session is actively trading. The health
// service maps it onto the grpc serving status.
func (e *Engine) Serving() bool {
	for _, sess := range e.sessions.List() {
		if st := sess.State(); st == session.StateRunning || st == session.StatePaused {
			return true
		}
	}
	return false
}

// --- internals ---

// defaultStrategies loads the strategy config file and keeps the
// entries the session's symbols cover. A missing file just means no
// defaults.
func (e *Engine) defaultStrategies(symbols []string) ([]strategy.InstanceConfig, error) {
	path := e.cfg.StrategyConfigPath
	if path == "" {
		return nil, nil
	}
	cfgs, err := strategy.LoadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]strategy.InstanceConfig, 0, len(cfgs))
	for _, sc := range cfgs {
		if containsSymbol(symbols, sc.Symbol) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// warmup replays recent history into the indicator engine so variants
// are warm before the first live tick. Best-effort: a cold start only
// delays signals by one warm-up period.
func (e *Engine) warmup(ctx context.Context, symbols []string) {
	if e.history == nil || e.cfg.WarmupWindow <= 0 {
		return
	}
	to := time.Now()
	from := to.Add(-e.cfg.WarmupWindow)
	for _, sym := range symbols {
		n, err := data.Replay(ctx, e.history, sym, from, to, func(s indicators.Sample) {
			e.ind.OnSample(sym, s)
		})
		if err != nil {
			e.log.Warn("indicator warm-up failed",
				zap.String("symbol", sym), zap.Error(err))
			continue
		}
		e.log.Debug("indicators warmed",
			zap.String("symbol", sym), zap.Int("samples", n))
	}
}

// retargetGuard points protective exits at a remaining active session
// after stoppedID went away.
func (e *Engine) retargetGuard(stoppedID string) {
	for _, sess := range e.sessions.List() {
		if sess.ID == stoppedID {
			continue
		}
		if st := sess.State(); st == session.StateRunning || st == session.StatePaused {
			e.guard.SetSession(sess.ID)
			return
		}
	}
	e.guard.SetSession("")
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// sampleChain fans one sample out in order. Indicators come first so
// strategies evaluating the same sample read fresh values.
type sampleChain []market.SampleSink

func (c sampleChain) OnSample(symbol string, s indicators.Sample) {
	for _, sink := range c {
		sink.OnSample(symbol, s)
	}
}

// markChain fans a mark price out to every consumer.
type markChain []market.MarkSink

func (c markChain) MarkPrice(symbol string, price float64) {
	for _, sink := range c {
		sink.MarkPrice(symbol, price)
	}
}

// quoteSink adapts the shared quote cache to the mark sink shape.
type quoteSink struct{ c *cache.ShardedQuoteCache }

func (q quoteSink) MarkPrice(symbol string, price float64) {
	q.c.Set(symbol, cache.Quote{Price: price, Ts: time.Now()})
}
