package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/order"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/logger"
)

const defaultSweep = 30 * time.Second

// Monitor feeds Metrics from bus traffic, times orders from creation
// to their terminal state, relays risk alerts to the sinks, and sweeps
// the rule set on an interval.
type Monitor struct {
	log     *logger.Logger
	bus     *events.Bus
	metrics *Metrics
	sinks   []AlertSink
	rules   []Rule
	sweep   time.Duration

	mu      sync.Mutex
	started map[string]time.Time
	prev    Snapshot
}

// Config tunes the monitor. Zero values use defaults.
type Config struct {
	SweepInterval time.Duration
	Rules         []Rule
	Sinks         []AlertSink
}

func New(cfg Config, bus *events.Bus, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []AlertSink{NewLogSink(log)}
	}
	return &Monitor{
		log:     log,
		bus:     bus,
		metrics: NewMetrics(),
		sinks:   cfg.Sinks,
		rules:   cfg.Rules,
		sweep:   cfg.SweepInterval,
		started: make(map[string]time.Time),
	}
}

func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

// Start registers the intake and sweep tasks.
func (m *Monitor) Start(ctx context.Context, reg *tasks.Registry) error {
	ticks, unsubTicks := m.bus.Subscribe(events.EventMarketTick, 256)
	signals, unsubSignals := m.bus.Subscribe(events.EventSignalGenerated, 64)
	created, unsubCreated := m.bus.Subscribe(events.EventOrderCreated, 64)
	updated, unsubUpdated := m.bus.Subscribe(events.EventOrderUpdated, 64)
	alerts, unsubAlerts := m.bus.Subscribe(events.EventRiskAlert, 64)
	corrections, unsubCorr := m.bus.Subscribe(events.EventPositionCorrect, 64)

	if err := reg.Go(ctx, "monitor-intake", func(taskCtx context.Context) error {
		defer unsubTicks()
		defer unsubSignals()
		defer unsubCreated()
		defer unsubUpdated()
		defer unsubAlerts()
		defer unsubCorr()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case <-ticks:
				m.metrics.AddTick()
			case <-signals:
				m.metrics.AddSignal()
			case msg := <-created:
				if p, ok := msg.(events.OrderPayload); ok {
					m.orderCreated(p)
				}
			case msg := <-updated:
				if p, ok := msg.(events.OrderPayload); ok {
					m.orderUpdated(taskCtx, p)
				}
			case msg := <-alerts:
				if p, ok := msg.(events.RiskAlertPayload); ok {
					m.metrics.AddRiskAlert()
					m.deliver(taskCtx, p.Severity, fmt.Sprintf("%s: %s", p.Rule, p.Message))
				}
			case <-corrections:
				m.metrics.AddCorrection()
			}
		}
	}); err != nil {
		return err
	}

	return reg.Go(ctx, "monitor-sweep", func(taskCtx context.Context) error {
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case <-ticker.C:
				m.runSweep(taskCtx)
			}
		}
	})
}

func (m *Monitor) orderCreated(p events.OrderPayload) {
	m.mu.Lock()
	m.started[p.OrderID] = p.At
	// entries for orders whose terminal event we missed age out
	if len(m.started) > 2048 {
		cutoff := time.Now().Add(-time.Hour)
		for id, at := range m.started {
			if at.Before(cutoff) {
				delete(m.started, id)
			}
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) orderUpdated(ctx context.Context, p events.OrderPayload) {
	if !order.State(p.State).Terminal() {
		return
	}
	m.metrics.AddOrder()
	if p.State == string(order.StateFailed) || p.State == string(order.StateTimedOut) {
		m.metrics.AddError()
	}

	m.mu.Lock()
	startedAt, ok := m.started[p.OrderID]
	if ok {
		delete(m.started, p.OrderID)
	}
	m.mu.Unlock()
	if ok {
		m.metrics.OrderLatency.RecordDuration(p.At.Sub(startedAt))
	}
}

// runSweep evaluates every rule against the current snapshot and the
// previous sweep's, so delta rules have a baseline.
func (m *Monitor) runSweep(ctx context.Context) {
	cur := m.metrics.Snapshot()
	m.mu.Lock()
	prev := m.prev
	m.prev = cur
	m.mu.Unlock()

	for _, r := range m.rules {
		msg, fired := r.Check(cur, prev)
		if !fired {
			continue
		}
		m.deliver(ctx, r.Severity, fmt.Sprintf("%s: %s", r.Name, msg))
	}
}

func (m *Monitor) deliver(ctx context.Context, severity, message string) {
	for _, sink := range m.sinks {
		if err := sink.Send(ctx, severity, message); err != nil {
			m.log.Warn("alert delivery failed", zap.Error(err))
		}
	}
}
