// Package session implements the session lifecycle state machine. All
// state changes flow through one validated transition table; cleanup
// work attached to a transition runs under a dedicated per-session lock
// so overlapping stop requests serialize instead of interleaving.
package session

import (
	"sync"
	"time"

	apperrors "signal-engine/pkg/errors"
)

// TransitionSink observes committed transitions. The machine calls it
// while holding its state lock, so sinks must not call back into the
// machine; publishing to the bus and writing a db row are both fine.
type TransitionSink func(from, to State, reason string)

// Machine is the per-session state machine.
type Machine struct {
	id   string
	sink TransitionSink

	mu             sync.Mutex
	state          State
	lastTransition time.Time

	// cleanupMu serializes transitions that carry cleanup work, so two
	// concurrent stop requests cannot both run teardown.
	cleanupMu sync.Mutex
}

// NewMachine creates a machine in the idle state.
func NewMachine(id string, sink TransitionSink) *Machine {
	return &Machine{id: id, sink: sink, state: StateIdle, lastTransition: time.Now()}
}

// ID returns the session id the machine belongs to.
func (m *Machine) ID() string { return m.id }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastTransition returns when the state last changed.
func (m *Machine) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Transition validates and commits one edge. An illegal request fails
// with InvalidTransition and leaves the state untouched.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, to) {
		return apperrors.Newf(apperrors.CodeInvalidTransition,
			"session %s: illegal transition %s -> %s", m.id, m.state, to)
	}
	m.commit(to, reason)
	return nil
}

// TransitionWithCleanup runs cleanup and then commits the edge. The
// transition counts as committed only after cleanup returns nil; a
// cleanup failure forces the session to error instead, never silently
// to the target state. Concurrent cleanup-bearing transitions serialize
// on the session's cleanup lock.
func (m *Machine) TransitionWithCleanup(to State, reason string, cleanup func() error) error {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	m.mu.Lock()
	if !CanTransition(m.state, to) {
		from := m.state
		m.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInvalidTransition,
			"session %s: illegal transition %s -> %s", m.id, from, to)
	}
	m.mu.Unlock()

	if cleanup != nil {
		if err := cleanup(); err != nil {
			m.Fail("cleanup failed: " + err.Error())
			return apperrors.Wrapf(err, apperrors.CodeInternal,
				"session %s: cleanup for transition to %s failed", m.id, to)
		}
	}

	// The state may have moved while cleanup ran (e.g. a fault forced
	// error); the commit re-validates rather than clobbering it.
	return m.Transition(to, reason)
}

// Fail forces the session into the error state from anywhere except
// error itself. It is the fault path for failures that are not
// transition requests, such as a start that blows up mid-setup.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateError {
		return
	}
	m.commit(StateError, reason)
}

func (m *Machine) commit(to State, reason string) {
	from := m.state
	m.state = to
	m.lastTransition = time.Now()
	if m.sink != nil {
		m.sink(from, to, reason)
	}
}
