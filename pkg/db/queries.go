// Package db provides SQLite persistence for the signal engine: session
// rows, append-only signal/order/fill history, idempotent position
// upserts and time-range tick queries for indicator warm-up.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrSessionIDRequired = errors.New("session_id is required for history queries")
	ErrNotFound          = errors.New("record not found")
)

// HistoryQueries provides session-scoped reads over the append-only
// history tables.
type HistoryQueries struct {
	db *sql.DB
}

// NewHistoryQueries creates a new HistoryQueries instance.
func NewHistoryQueries(db *sql.DB) *HistoryQueries {
	return &HistoryQueries{db: db}
}

// SignalsBySession returns signals for a session, newest first.
func (q *HistoryQueries) SignalsBySession(ctx context.Context, sessionID string, limit int) ([]Signal, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, instance_id, symbol, action, price, size, COALESCE(note, ''), created_at
		FROM signals
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.SessionID, &s.InstanceID, &s.Symbol, &s.Action, &s.Price, &s.Size, &s.Note, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// OrdersBySession returns orders for a session, newest first.
func (q *HistoryQueries) OrdersBySession(ctx context.Context, sessionID string, limit int) ([]Order, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(instance_id, ''), symbol, side, price, qty,
		       COALESCE(filled_qty, 0), state, COALESCE(reason, ''), created_at, updated_at
		FROM orders
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.SessionID, &o.InstanceID, &o.Symbol, &o.Side, &o.Price, &o.Qty, &o.FilledQty, &o.State, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// FillsBySession returns execution fills for a session, newest first.
func (q *HistoryQueries) FillsBySession(ctx context.Context, sessionID string, limit int) ([]Fill, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, session_id, symbol, side, price, qty, COALESCE(fee, 0), created_at
		FROM fills
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.SessionID, &f.Symbol, &f.Side, &f.Price, &f.Qty, &f.Fee, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// InstancesBySession returns all strategy instances bound to a session.
func (q *HistoryQueries) InstancesBySession(ctx context.Context, sessionID string) ([]StrategyInstance, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, strategy_type, name, symbol, parameters, state, created_at, updated_at
		FROM strategy_instances
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []StrategyInstance
	for rows.Next() {
		var i StrategyInstance
		if err := rows.Scan(&i.ID, &i.SessionID, &i.StrategyType, &i.Name, &i.Symbol, &i.Parameters, &i.State, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}
