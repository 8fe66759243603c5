// Package order carries signals through risk checks to the venue
// adapter. Each order advances through a strict state machine; once a
// terminal state is reached no later event can move it again, which is
// what lets the timeout watchdog and the submission path race safely.
package order

import (
	"errors"
	"fmt"
	"time"

	"signal-engine/pkg/exchange"
)

// State is one order lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateFilled    State = "filled"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// ErrInvalidOrderTransition rejects an illegal state-machine edge,
// including any attempt to leave a terminal state.
var ErrInvalidOrderTransition = errors.New("invalid order state transition")

var orderTransitions = map[State]map[State]bool{
	StatePending:   {StateSubmitted: true, StateCancelled: true, StateFailed: true},
	StateSubmitted: {StateFilled: true, StateCancelled: true, StateFailed: true, StateTimedOut: true},
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	return orderTransitions[from][to]
}

// Order is one order intent moving through the gateway.
type Order struct {
	ID         string
	SignalID   string
	SessionID  string
	InstanceID string
	Symbol     string
	Side       exchange.Side
	Type       exchange.OrderType
	Qty        float64
	Price      float64 // limit price, or the signal price for market sizing

	State  State
	Reason string

	FilledQty    float64
	FillPrice    float64
	Fee          float64
	Reserved     float64 // funds locked for this order, released or settled at terminal
	VenueOrderID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Apply advances the order state or returns ErrInvalidOrderTransition.
// Callers that may legitimately lose a transition race treat the error
// as a no-op; the tracked wrapper in the gateway serializes access.
func (o *Order) Apply(to State) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidOrderTransition, o.State, to)
	}
	o.State = to
	o.UpdatedAt = time.Now()
	return nil
}

// Remaining returns the unfilled base quantity.
func (o *Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Notional returns the order's quote value at its reference price.
func (o *Order) Notional() float64 {
	return o.Qty * o.Price
}
