package strategy

import (
	"context"
	"sync"
	"time"

	apperrors "signal-engine/pkg/errors"
)

// InstanceState is one stage of a strategy instance's trading cycle.
type InstanceState string

const (
	// StateMonitoring watches the market with no resources held.
	StateMonitoring InstanceState = "monitoring"
	// StateSignalDetected holds a signal slot while the entry setup
	// is confirmed.
	StateSignalDetected InstanceState = "signal_detected"
	// StateEntryEval re-checks the setup and competes for the symbol
	// lock before committing capital.
	StateEntryEval InstanceState = "entry_evaluation"
	// StatePositionActive owns the symbol lock and an open (or
	// in-flight) position.
	StatePositionActive InstanceState = "position_active"
	// StateExited is a deactivated instance. Reactivation is the only
	// way out.
	StateExited InstanceState = "exited"
	// StateError marks an instance pulled from trading after an
	// internal consistency fault. Needs an operator reset.
	StateError InstanceState = "error"
)

// instanceTransitions is the closed edge table for the cycle. Every
// state change goes through transition; nothing compares state strings
// ad hoc.
var instanceTransitions = map[InstanceState][]InstanceState{
	StateMonitoring:     {StateSignalDetected, StateExited, StateError},
	StateSignalDetected: {StateEntryEval, StateMonitoring, StateExited, StateError},
	StateEntryEval:      {StatePositionActive, StateMonitoring, StateExited, StateError},
	StatePositionActive: {StateMonitoring, StateExited, StateError},
	StateExited:         {StateMonitoring},
	StateError:          {StateMonitoring, StateExited},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to InstanceState) bool {
	for _, next := range instanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidState reports whether s is a known instance state.
func ValidState(s InstanceState) bool {
	_, ok := instanceTransitions[s]
	return ok
}

// holdsResources reports whether s is a state that may own a slot or a
// symbol lock. Exited and error instances must never hold either.
func holdsResources(s InstanceState) bool {
	switch s {
	case StateSignalDetected, StateEntryEval, StatePositionActive:
		return true
	}
	return false
}

type evalSample struct {
	price  float64
	volume float64
	ts     time.Time
}

// Instance is one strategy bound to one symbol inside one session. The
// evaluation loop goroutine is the only writer of cycle state, so state
// reads elsewhere only need the mutex, not coordination with the loop.
type Instance struct {
	ID        string
	SessionID string
	Symbol    string
	Type      string

	strat Strategy
	size  float64

	mu        sync.Mutex
	state     InstanceState
	paused    bool
	entrySide string
	enteredAt time.Time
	exitAt    time.Time
	filled    bool
	keys      []string

	telemetryMu sync.Mutex
	telemetry   map[string]float64

	samples chan evalSample
	cancel  context.CancelFunc
	done    chan struct{}
}

func newInstance(id, sessionID string, cfg InstanceConfig, strat Strategy, buffer int) *Instance {
	return &Instance{
		ID:        id,
		SessionID: sessionID,
		Symbol:    cfg.Symbol,
		Type:      cfg.Type,
		strat:     strat,
		size:      cfg.Size,
		state:     StateMonitoring,
		telemetry: make(map[string]float64),
		samples:   make(chan evalSample, buffer),
	}
}

// State returns the current cycle state.
func (in *Instance) State() InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// transition moves the instance along a legal edge. Illegal edges are
// rejected with CodeInvalidTransition and leave the state untouched.
func (in *Instance) transition(to InstanceState) (InstanceState, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	from := in.state
	if !CanTransition(from, to) {
		return from, apperrors.Newf(apperrors.CodeInvalidTransition,
			"instance %s: %s -> %s is not a legal edge", in.ID, from, to)
	}
	in.state = to
	if !holdsResources(to) {
		in.entrySide = ""
		in.enteredAt = time.Time{}
		in.exitAt = time.Time{}
		in.filled = false
	}
	return from, nil
}

// markEntry records the side and time of a submitted entry.
func (in *Instance) markEntry(side string, at time.Time) {
	in.mu.Lock()
	in.entrySide = side
	in.enteredAt = at
	in.mu.Unlock()
}

// heldSide reports the side of the entry the instance committed to,
// empty when none.
func (in *Instance) heldSide() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.entrySide
}

// entryAge reports how long ago the entry was submitted.
func (in *Instance) entryAge(now time.Time) time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.enteredAt.IsZero() {
		return 0
	}
	return now.Sub(in.enteredAt)
}

// markFilled records that the book showed a live position for this
// instance, distinguishing a later flat book from an entry that never
// filled.
func (in *Instance) markFilled() {
	in.mu.Lock()
	in.filled = true
	in.mu.Unlock()
}

func (in *Instance) wasFilled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.filled
}

// markExit records that an exit signal went out, so the instance does
// not re-fire while the closing order is in flight.
func (in *Instance) markExit(at time.Time) {
	in.mu.Lock()
	in.exitAt = at
	in.mu.Unlock()
}

// exitAge reports the time since the last exit signal, and whether one
// was sent at all.
func (in *Instance) exitAge(now time.Time) (time.Duration, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.exitAt.IsZero() {
		return 0, false
	}
	return now.Sub(in.exitAt), true
}

// Paused reports whether evaluation is suspended.
func (in *Instance) Paused() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.paused
}

func (in *Instance) setPaused(p bool) {
	in.mu.Lock()
	in.paused = p
	in.mu.Unlock()
	if p {
		in.gauge("paused", 1)
	} else {
		in.gauge("paused", 0)
	}
}

// offer hands a sample to the evaluation loop without blocking the
// market path. Overflow drops the sample and counts it.
func (in *Instance) offer(s evalSample) {
	select {
	case in.samples <- s:
	default:
		in.bump("dropped_samples")
	}
}

func (in *Instance) bump(name string) {
	in.telemetryMu.Lock()
	in.telemetry[name]++
	in.telemetryMu.Unlock()
}

func (in *Instance) gauge(name string, v float64) {
	in.telemetryMu.Lock()
	in.telemetry[name] = v
	in.telemetryMu.Unlock()
}

// Telemetry returns a copy of the instance's counters and gauges.
func (in *Instance) Telemetry() map[string]float64 {
	in.telemetryMu.Lock()
	defer in.telemetryMu.Unlock()
	out := make(map[string]float64, len(in.telemetry))
	for k, v := range in.telemetry {
		out[k] = v
	}
	return out
}

// Status is the API-facing snapshot of one instance.
type Status struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Symbol    string             `json:"symbol"`
	Type      string             `json:"type"`
	State     InstanceState      `json:"state"`
	Paused    bool               `json:"paused"`
	Telemetry map[string]float64 `json:"telemetry"`
}

func (in *Instance) status() Status {
	in.mu.Lock()
	st := Status{
		ID:        in.ID,
		SessionID: in.SessionID,
		Symbol:    in.Symbol,
		Type:      in.Type,
		State:     in.state,
		Paused:    in.paused,
	}
	in.mu.Unlock()
	st.Telemetry = in.Telemetry()
	return st
}
