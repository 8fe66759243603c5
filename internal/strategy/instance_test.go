package strategy

import (
	"testing"
	"time"

	apperrors "signal-engine/pkg/errors"
)

var testStamp = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func TestInstanceTransitionTable(t *testing.T) {
	legal := []struct{ from, to InstanceState }{
		{StateMonitoring, StateSignalDetected},
		{StateSignalDetected, StateEntryEval},
		{StateSignalDetected, StateMonitoring},
		{StateEntryEval, StatePositionActive},
		{StateEntryEval, StateMonitoring},
		{StatePositionActive, StateMonitoring},
		{StateMonitoring, StateExited},
		{StatePositionActive, StateExited},
		{StateError, StateMonitoring},
		{StateError, StateExited},
		{StateExited, StateMonitoring},
		{StateMonitoring, StateError},
		{StatePositionActive, StateError},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to InstanceState }{
		{StateMonitoring, StateEntryEval},
		{StateMonitoring, StatePositionActive},
		{StateSignalDetected, StatePositionActive},
		{StateExited, StatePositionActive},
		{StateExited, StateError},
		{StateError, StatePositionActive},
		{StatePositionActive, StateSignalDetected},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestInstanceTransitionRejectsIllegalEdge(t *testing.T) {
	inst := newInstance("sess-1/ma_cross:BTC_USDT", "sess-1",
		InstanceConfig{Type: "ma_cross", Symbol: "BTC_USDT", Size: 1}, nil, 4)

	if _, err := inst.transition(StatePositionActive); err == nil {
		t.Fatal("monitoring -> position_active must be rejected")
	} else if !apperrors.HasCode(err, apperrors.CodeInvalidTransition) {
		t.Fatalf("wrong code: %v", err)
	}
	if inst.State() != StateMonitoring {
		t.Fatalf("state changed on rejected edge: %s", inst.State())
	}

	if _, err := inst.transition(StateSignalDetected); err != nil {
		t.Fatalf("legal edge rejected: %v", err)
	}
	if inst.State() != StateSignalDetected {
		t.Fatalf("state = %s, want signal_detected", inst.State())
	}
}

func TestTransitionClearsEntryBookkeeping(t *testing.T) {
	inst := newInstance("sess-1/ma_cross:BTC_USDT", "sess-1",
		InstanceConfig{Type: "ma_cross", Symbol: "BTC_USDT", Size: 1}, nil, 4)

	mustShift := func(to InstanceState) {
		t.Helper()
		if _, err := inst.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	mustShift(StateSignalDetected)
	mustShift(StateEntryEval)
	mustShift(StatePositionActive)

	inst.markEntry(SideBuy, testStamp)
	inst.markExit(testStamp)
	if inst.heldSide() != SideBuy {
		t.Fatalf("heldSide = %q", inst.heldSide())
	}

	mustShift(StateMonitoring)
	if inst.heldSide() != "" {
		t.Fatal("entry side should clear when resources are dropped")
	}
	if _, sent := inst.exitAge(testStamp); sent {
		t.Fatal("exit mark should clear when resources are dropped")
	}
}

func TestInstanceOfferDropsOnOverflow(t *testing.T) {
	inst := newInstance("sess-1/ma_cross:BTC_USDT", "sess-1",
		InstanceConfig{Type: "ma_cross", Symbol: "BTC_USDT", Size: 1}, nil, 2)

	for i := 0; i < 5; i++ {
		inst.offer(evalSample{price: 100})
	}
	if got := inst.Telemetry()["dropped_samples"]; got != 3 {
		t.Fatalf("dropped_samples = %v, want 3", got)
	}
	if len(inst.samples) != 2 {
		t.Fatalf("buffered = %d, want 2", len(inst.samples))
	}
}
