package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "signal-engine/pkg/errors"
)

func TestHappyPathEndToEnd(t *testing.T) {
	m := NewMachine("s1", nil)

	steps := []State{StateStarting, StateRunning, StateStopping, StateStopped, StateStarting}
	for _, to := range steps {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.State() != StateStarting {
		t.Fatalf("state = %s, want %s", m.State(), StateStarting)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := NewMachine("s1", nil)
	for _, to := range []State{StateStarting, StateRunning, StateStopping, StateStopped} {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatalf("setup transition to %s: %v", to, err)
		}
	}

	err := m.Transition(StateRunning, "test")
	if !apperrors.HasCode(err, apperrors.CodeInvalidTransition) {
		t.Fatalf("stopped -> running: got %v, want invalid_transition", err)
	}
	if m.State() != StateStopped {
		t.Fatalf("state mutated by rejected transition: %s", m.State())
	}
}

func TestPauseResumeCycle(t *testing.T) {
	m := NewMachine("s1", nil)
	for _, to := range []State{StateStarting, StateRunning, StatePaused, StateRunning, StatePaused, StateStopping} {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestFlaggedEdgesStayLegal(t *testing.T) {
	// stopping -> starting
	m := NewMachine("s1", nil)
	for _, to := range []State{StateStarting, StateRunning, StateStopping, StateStarting} {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// error -> stopped
	m2 := NewMachine("s2", nil)
	if err := m2.Transition(StateStarting, "test"); err != nil {
		t.Fatal(err)
	}
	m2.Fail("forced")
	if err := m2.Transition(StateStopped, "test"); err != nil {
		t.Fatalf("error -> stopped: %v", err)
	}
}

func TestCleanupRunsBeforeCommit(t *testing.T) {
	var order []string
	var mu sync.Mutex
	sink := func(from, to State, reason string) {
		mu.Lock()
		order = append(order, string(to))
		mu.Unlock()
	}

	m := NewMachine("s1", sink)
	for _, to := range []State{StateStarting, StateRunning, StateStopping} {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatal(err)
		}
	}

	err := m.TransitionWithCleanup(StateStopped, "stop", func() error {
		mu.Lock()
		order = append(order, "cleanup")
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("stop with cleanup: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"starting", "running", "stopping", "cleanup", "stopped"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestCleanupFailureForcesError(t *testing.T) {
	m := NewMachine("s1", nil)
	for _, to := range []State{StateStarting, StateRunning, StateStopping} {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatal(err)
		}
	}

	boom := errors.New("release failed")
	err := m.TransitionWithCleanup(StateStopped, "stop", func() error { return boom })
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped cleanup error", err)
	}
	if m.State() != StateError {
		t.Fatalf("state = %s, want error", m.State())
	}
}

func TestCleanupRejectsIllegalEdgeWithoutRunning(t *testing.T) {
	m := NewMachine("s1", nil)

	ran := false
	err := m.TransitionWithCleanup(StateStopped, "stop", func() error {
		ran = true
		return nil
	})
	if !apperrors.HasCode(err, apperrors.CodeInvalidTransition) {
		t.Fatalf("idle -> stopped: got %v, want invalid_transition", err)
	}
	if ran {
		t.Fatal("cleanup must not run for an illegal request")
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
}

func TestConcurrentStopsSerialize(t *testing.T) {
	m := NewMachine("s1", nil)
	for _, to := range []State{StateStarting, StateRunning, StateStopping} {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatal(err)
		}
	}

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var cleanups atomic.Int32

	cleanup := func() error {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		cleanups.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.TransitionWithCleanup(StateStopped, "stop", cleanup); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded.Load())
	}
	if cleanups.Load() != 1 {
		t.Fatalf("cleanup ran %d times, want 1", cleanups.Load())
	}
	if maxInFlight.Load() > 1 {
		t.Fatalf("cleanups overlapped: max in flight %d", maxInFlight.Load())
	}
	if m.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
}

func TestFailIsIdempotentAndForced(t *testing.T) {
	var count atomic.Int32
	m := NewMachine("s1", func(from, to State, reason string) { count.Add(1) })

	if err := m.Transition(StateStarting, "test"); err != nil {
		t.Fatal(err)
	}
	// starting has no table edge to error; the fault path still lands there.
	m.Fail("start blew up")
	if m.State() != StateError {
		t.Fatalf("state = %s, want error", m.State())
	}
	before := count.Load()
	m.Fail("again")
	if count.Load() != before {
		t.Fatal("repeated Fail must not emit another transition")
	}

	if err := m.Transition(StateStarting, "retry"); err != nil {
		t.Fatalf("error -> starting: %v", err)
	}
}
