// Package reconciliation re-establishes position truth. The venue is
// authoritative: on a fixed interval the service diffs the local book
// against the venue snapshot, adopts positions we never saw open,
// closes positions the venue no longer reports, and corrects quantity
// or entry drift. Every applied change is published with the old and
// new values so the audit trail shows what reconciliation rewrote.
package reconciliation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/state"
	"signal-engine/internal/tasks"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

const (
	defaultInterval = 30 * time.Second
	defaultEpsilon  = 1e-9
	callTimeout     = 10 * time.Second
)

// errDrift classifies a pass that found and repaired divergence.
var errDrift = apperrors.New(apperrors.CodeExternalInconsistency, "local book drifted from venue")

// Diff is one detected divergence and what was done about it.
type Diff struct {
	Symbol      string
	Kind        string // adopted, corrected, externally_closed
	LocalQty    float64
	RemoteQty   float64
	LocalEntry  float64
	RemoteEntry float64
	Applied     bool
}

// Report summarizes one reconciliation pass.
type Report struct {
	At      time.Time
	Diffs   []Diff
	Applied int
}

// Stats counts reconciliation activity across the service lifetime.
type Stats struct {
	Runs        uint64
	Corrections uint64
	Failures    uint64
	LastRun     time.Time
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval time.Duration
	Epsilon  float64 // relative tolerance before a field counts as drifted
}

// Deps wires the service's collaborators.
type Deps struct {
	Venue exchange.Gateway
	Book  *state.Manager
	Bus   *events.Bus
	Tasks *tasks.Registry
	Log   *logger.Logger
}

// Service runs the reconciliation loop and caches the latest remote
// snapshot per symbol for consumers that need venue-side fields the
// local book does not track, such as margin ratio.
type Service struct {
	log      *logger.Logger
	bus      *events.Bus
	venue    exchange.Gateway
	book     *state.Manager
	reg      *tasks.Registry
	interval time.Duration
	eps      float64

	mu     sync.Mutex
	remote map[string]exchange.PositionSnapshot
	last   Report
	stats  Stats
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = defaultEpsilon
	}
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	return &Service{
		log:      d.Log,
		bus:      d.Bus,
		venue:    d.Venue,
		book:     d.Book,
		reg:      d.Tasks,
		interval: cfg.Interval,
		eps:      cfg.Epsilon,
		remote:   make(map[string]exchange.PositionSnapshot),
	}
}

// Start registers the interval loop. A failed pass is logged and the
// next tick retries; nothing here ends the session.
func (s *Service) Start(ctx context.Context) error {
	return s.reg.Go(ctx, "position-reconciler", func(taskCtx context.Context) error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.Reconcile(taskCtx); err != nil {
					s.log.Warn("reconciliation pass failed", zap.Error(err))
				}
			}
		}
	})
}

// Reconcile performs one pass and reports what changed. Venue failures
// are classified and returned; per-symbol mutation failures are logged
// and the pass continues with the remaining symbols.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	timeout := callTimeout
	if s.interval < timeout {
		timeout = s.interval
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snaps, err := s.venue.GetPositions(callCtx)
	if err != nil {
		s.recordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return Report{}, apperrors.Wrap(err, apperrors.CodeTimeout, "fetch venue positions")
		}
		return Report{}, apperrors.Wrap(err, apperrors.CodeServiceUnavailable, "fetch venue positions")
	}

	remote := make(map[string]exchange.PositionSnapshot, len(snaps))
	for _, snap := range snaps {
		if math.Abs(snap.Qty) <= s.eps {
			continue
		}
		remote[snap.Symbol] = snap
		if snap.MarkPrice > 0 {
			s.book.MarkPrice(snap.Symbol, snap.MarkPrice)
		}
	}

	report := Report{At: time.Now()}

	for symbol, snap := range remote {
		local, tracked := s.book.Position(symbol)
		if !tracked {
			d := Diff{
				Symbol:      symbol,
				Kind:        "adopted",
				RemoteQty:   snap.Qty,
				RemoteEntry: snap.EntryPrice,
			}
			if _, err := s.book.AdoptRemote(ctx, symbol, snap.Qty, snap.EntryPrice); err != nil {
				s.log.Error("adopt remote position failed",
					zap.String("symbol", symbol), zap.Error(err))
			} else {
				d.Applied = true
				s.log.Info("adopted venue position",
					zap.String("symbol", symbol),
					zap.Float64("qty", snap.Qty),
					zap.Float64("entry", snap.EntryPrice))
			}
			report.Diffs = append(report.Diffs, d)
			continue
		}

		if s.diverged(local.Qty, snap.Qty) || s.diverged(local.EntryPrice, snap.EntryPrice) {
			d := Diff{
				Symbol:      symbol,
				Kind:        "corrected",
				LocalQty:    local.Qty,
				RemoteQty:   snap.Qty,
				LocalEntry:  local.EntryPrice,
				RemoteEntry: snap.EntryPrice,
			}
			_, changed, err := s.book.Correct(ctx, symbol, snap.Qty, snap.EntryPrice)
			if err != nil {
				s.log.Error("position correction failed",
					zap.String("symbol", symbol), zap.Error(err))
			} else if changed {
				d.Applied = true
				s.log.Warn("position drift corrected",
					zap.String("symbol", symbol),
					zap.Float64("local_qty", local.Qty),
					zap.Float64("remote_qty", snap.Qty),
					zap.Float64("local_entry", local.EntryPrice),
					zap.Float64("remote_entry", snap.EntryPrice))
			}
			if d.Applied {
				report.Diffs = append(report.Diffs, d)
			}
		}
	}

	for _, local := range s.book.Positions() {
		if _, stillRemote := remote[local.Symbol]; stillRemote {
			continue
		}
		d := Diff{
			Symbol:     local.Symbol,
			Kind:       "externally_closed",
			LocalQty:   local.Qty,
			LocalEntry: local.EntryPrice,
		}
		_, closed, err := s.book.CloseExternal(ctx, local.Symbol, "externally_closed")
		if err != nil {
			s.log.Error("external close failed",
				zap.String("symbol", local.Symbol), zap.Error(err))
		} else if closed {
			d.Applied = true
			s.log.Warn("position closed externally, possible liquidation",
				zap.String("symbol", local.Symbol),
				zap.Float64("qty", local.Qty),
				zap.Float64("entry", local.EntryPrice))
		}
		if d.Applied {
			report.Diffs = append(report.Diffs, d)
		}
	}

	for _, d := range report.Diffs {
		if d.Applied {
			report.Applied++
			s.publish(d)
		}
	}
	if report.Applied > 0 {
		s.log.Warn("reconciliation applied corrections",
			zap.Int("count", report.Applied), zap.Error(errDrift))
	}
	s.commit(remote, report)
	return report, nil
}

// RemoteView returns the latest venue snapshot for a symbol, if the
// last pass saw one.
func (s *Service) RemoteView(symbol string) (exchange.PositionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.remote[symbol]
	return snap, ok
}

// Last returns the most recent pass's report.
func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// diverged applies the relative tolerance, floored at the absolute
// epsilon so near-zero values still compare sanely.
func (s *Service) diverged(a, b float64) bool {
	scale := math.Max(math.Abs(a), math.Abs(b))
	tol := s.eps
	if scale > 1 {
		tol = s.eps * scale
	}
	return math.Abs(a-b) > tol
}

func (s *Service) publish(d Diff) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventPositionCorrect, events.CorrectionPayload{
		Symbol:   d.Symbol,
		Kind:     d.Kind,
		OldQty:   d.LocalQty,
		NewQty:   d.RemoteQty,
		OldEntry: d.LocalEntry,
		NewEntry: d.RemoteEntry,
		At:       time.Now(),
	})
}

func (s *Service) commit(remote map[string]exchange.PositionSnapshot, report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = remote
	s.last = report
	s.stats.Runs++
	s.stats.Corrections += uint64(report.Applied)
	s.stats.LastRun = report.At
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	s.stats.Failures++
	s.mu.Unlock()
}
