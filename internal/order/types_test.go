package order

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StatePending, StateSubmitted},
		{StatePending, StateCancelled},
		{StatePending, StateFailed},
		{StateSubmitted, StateFilled},
		{StateSubmitted, StateCancelled},
		{StateSubmitted, StateFailed},
		{StateSubmitted, StateTimedOut},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StatePending, StateFilled},
		{StatePending, StateTimedOut},
		{StateFilled, StateCancelled},
		{StateFilled, StateSubmitted},
		{StateTimedOut, StateFilled},
		{StateCancelled, StateSubmitted},
		{StateFailed, StatePending},
		{StateSubmitted, StatePending},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesAdmitNoExit(t *testing.T) {
	for _, s := range []State{StateFilled, StateCancelled, StateFailed, StateTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, to := range []State{StatePending, StateSubmitted, StateFilled, StateCancelled, StateFailed, StateTimedOut} {
			if CanTransition(s, to) {
				t.Errorf("terminal %s must not exit to %s", s, to)
			}
		}
	}
	for _, s := range []State{StatePending, StateSubmitted} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestApplyGuardsTerminal(t *testing.T) {
	o := Order{State: StatePending}
	if err := o.Apply(StateSubmitted); err != nil {
		t.Fatalf("pending -> submitted: %v", err)
	}
	if err := o.Apply(StateFilled); err != nil {
		t.Fatalf("submitted -> filled: %v", err)
	}
	err := o.Apply(StateCancelled)
	if !errors.Is(err, ErrInvalidOrderTransition) {
		t.Fatalf("expected ErrInvalidOrderTransition, got %v", err)
	}
	if o.State != StateFilled {
		t.Fatalf("failed transition mutated state to %s", o.State)
	}
}

func TestRemainingClampsAtZero(t *testing.T) {
	o := Order{Qty: 2, FilledQty: 0.5}
	if got := o.Remaining(); got != 1.5 {
		t.Fatalf("remaining: %v", got)
	}
	o.FilledQty = 2.5
	if got := o.Remaining(); got != 0 {
		t.Fatalf("overfill remaining: %v", got)
	}
}
