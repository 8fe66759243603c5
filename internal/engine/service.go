// Package engine composes the trading core behind one Service
// interface. The API layer talks only to Service; everything below it
// (sessions, strategies, indicators, execution, reconciliation) stays
// an internal wiring concern.
package engine

import (
	"context"

	"github.com/moznion/go-optional"

	"signal-engine/internal/balance"
	"signal-engine/internal/coordinator"
	"signal-engine/internal/indicators"
	"signal-engine/internal/risk"
	"signal-engine/internal/state"
	"signal-engine/internal/strategy"
	"signal-engine/pkg/db"
)

// Service is the operation surface of the engine.
type Service interface {
	// Session lifecycle
	StartSession(ctx context.Context, req StartRequest) (string, error)
	StopSession(ctx context.Context, id string) error
	PauseSession(ctx context.Context, id string) error
	ResumeSession(ctx context.Context, id string) error
	SessionStatus(ctx context.Context, id string) (*SessionStatus, error)
	ListSessions(ctx context.Context) []SessionStatus

	// Strategy control
	ActivateStrategy(ctx context.Context, sessionID string, cfg strategy.InstanceConfig) (string, error)
	DeactivateStrategy(ctx context.Context, instanceID string) error
	ResetStrategy(ctx context.Context, instanceID string) error

	// Market and indicator queries
	IndicatorValue(ctx context.Context, v indicators.Variant, window int) (optional.Option[indicators.Value], error)
	LastPrice(ctx context.Context, symbol string) (float64, bool)

	// Book and history queries
	Positions(ctx context.Context) []state.View
	OrdersBySession(ctx context.Context, sessionID string, limit int) ([]db.Order, error)
	SignalsBySession(ctx context.Context, sessionID string, limit int) ([]db.Signal, error)
	FillsBySession(ctx context.Context, sessionID string, limit int) ([]db.Fill, error)

	// Risk and accounting
	RiskLimits(ctx context.Context) risk.Limits
	UpdateRiskLimits(ctx context.Context, lim risk.Limits) error
	RiskMetrics(ctx context.Context) risk.Metrics
	Balance(ctx context.Context) balance.Snapshot

	// System
	ResourceUsage(ctx context.Context) coordinator.Snapshot
	SystemStatus(ctx context.Context) SystemStatus
}
