package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventMarketTick      Event = "market.tick"
	EventSignalGenerated Event = "signal_generated"
	EventOrderCreated    Event = "order_created"
	EventOrderUpdated    Event = "order_updated"
	EventPositionUpdated Event = "position_updated"
	EventPositionClosed  Event = "position_closed"
	EventStateTransition Event = "strategy.state_transition"
	EventRiskAlert       Event = "risk_alert"
	EventSessionState    Event = "session.state_changed"
	EventPositionCorrect Event = "position.corrected"
)

// TickPayload is a normalized market data point.
type TickPayload struct {
	Symbol string
	Price  float64
	Volume float64
	Ts     time.Time
}

// SignalPayload announces a strategy signal. Kind is the intended
// action (buy/sell), Price the triggering price, Size the desired
// base quantity computed by the strategy's sizing rule.
type SignalPayload struct {
	SignalID   string
	SessionID  string
	InstanceID string
	Symbol     string
	Strategy   string
	Kind       string
	Strength   float64
	Price      float64
	Size       float64
	At         time.Time
}

// OrderPayload carries order lifecycle updates.
type OrderPayload struct {
	OrderID    string
	SessionID  string
	InstanceID string
	Symbol     string
	Side       string
	State      string
	Qty        float64
	FillPrice  float64
	Reason     string
	At         time.Time
}

// PositionPayload carries position book changes.
type PositionPayload struct {
	SessionID     string
	Symbol        string
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Reason        string
	At            time.Time
}

// CorrectionPayload records one reconciliation correction, carrying
// both the replaced local view and the adopted remote view.
type CorrectionPayload struct {
	Symbol   string
	Kind     string // adopted, corrected, externally_closed
	OldQty   float64
	NewQty   float64
	OldEntry float64
	NewEntry float64
	At       time.Time
}

// TransitionPayload records a strategy instance state change.
type TransitionPayload struct {
	SessionID  string
	InstanceID string
	From       string
	To         string
	Reason     string
	At         time.Time
}

// RiskAlertPayload reports a violated risk rule.
type RiskAlertPayload struct {
	SessionID string
	Symbol    string
	Rule      string
	Severity  string
	Message   string
	Value     float64
	Limit     float64
	At        time.Time
}

// SessionStatePayload records a session lifecycle change.
type SessionStatePayload struct {
	SessionID string
	From      string
	To        string
	Reason    string
	At        time.Time
}
