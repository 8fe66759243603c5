package db

import (
	"context"
	"database/sql"
	"time"
)

// Session is one trading session row.
type Session struct {
	ID        string
	Mode      string
	State     string
	Symbols   string // comma-separated
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StrategyInstance is one (strategy, symbol) binding within a session.
type StrategyInstance struct {
	ID           string
	SessionID    string
	StrategyType string
	Name         string
	Symbol       string
	Parameters   string // JSON
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Signal is one emitted trading signal (append-only).
type Signal struct {
	ID         string
	SessionID  string
	InstanceID string
	Symbol     string
	Action     string
	Price      float64
	Size       float64
	Note       string
	CreatedAt  time.Time
}

// Order is one order row; state mirrors the in-memory order machine.
type Order struct {
	ID         string
	SessionID  string
	InstanceID string
	Symbol     string
	Side       string
	Price      float64
	Qty        float64
	FilledQty  float64
	State      string
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fill is one execution fill row (append-only).
type Fill struct {
	ID        string
	OrderID   string
	SessionID string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	CreatedAt time.Time
}

// Position is one tracked position keyed by its identity, upserted
// idempotently so reconciliation corrections can replay safely.
type Position struct {
	ID          string
	Symbol      string
	Qty         float64
	EntryPrice  float64
	RealizedPnL float64
	MarginRatio float64
	Status      string // open/closed
	CloseReason string
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    sql.NullTime
}

// Tick is one persisted market sample used for warm-up fetches.
type Tick struct {
	Symbol string
	Ts     time.Time
	Price  float64
	Volume float64
}

// User is an operator account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VenueCredential stores encrypted venue API credentials.
type VenueCredential struct {
	ID                 string
	Venue              string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateSession inserts a new session row.
func (d *Database) CreateSession(ctx context.Context, s Session) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, state, symbols, created_at, updated_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`, s.ID, s.Mode, s.State, s.Symbols, s.CreatedAt)
	return err
}

// UpdateSessionState sets the persisted state of a session.
func (d *Database) UpdateSessionState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, id)
	return err
}

// GetSession returns a session by ID or nil if not found.
func (d *Database) GetSession(ctx context.Context, id string) (*Session, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, mode, state, symbols, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.Mode, &s.State, &s.Symbols, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (d *Database) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, mode, state, symbols, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Mode, &s.State, &s.Symbols, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CreateInstance inserts a strategy instance row.
func (d *Database) CreateInstance(ctx context.Context, i StrategyInstance) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_instances (id, session_id, strategy_type, name, symbol, parameters, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`, i.ID, i.SessionID, i.StrategyType, i.Name, i.Symbol, i.Parameters, i.State, i.CreatedAt)
	return err
}

// UpdateInstanceState sets the persisted instance state.
func (d *Database) UpdateInstanceState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_instances SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, id)
	return err
}

// DeleteInstance removes a strategy instance row.
func (d *Database) DeleteInstance(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM strategy_instances WHERE id = ?`, id)
	return err
}

// AppendSignal inserts a signal row (append-only history).
func (d *Database) AppendSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, session_id, instance_id, symbol, action, price, size, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, s.ID, s.SessionID, s.InstanceID, s.Symbol, s.Action, s.Price, s.Size, s.Note, s.CreatedAt)
	return err
}

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, session_id, instance_id, symbol, side, price, qty, filled_qty, state, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`, o.ID, o.SessionID, o.InstanceID, o.Symbol, o.Side, o.Price, o.Qty, o.FilledQty, o.State, o.Reason, o.CreatedAt)
	return err
}

// UpdateOrderState sets the state (and optional reason) of an order.
func (d *Database) UpdateOrderState(ctx context.Context, id, state, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET state = ?, reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, reason, id)
	return err
}

// UpdateOrderFill sets state and filled quantity (and fill price).
func (d *Database) UpdateOrderFill(ctx context.Context, id, state string, filledQty, price float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET state = ?, filled_qty = ?, price = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, filledQty, price, id)
	return err
}

// ListOpenOrders returns orders not yet in a terminal state.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(instance_id, ''), symbol, side, price, qty, filled_qty, state, COALESCE(reason, ''), created_at, updated_at
		FROM orders WHERE state IN ('pending','submitted')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.SessionID, &o.InstanceID, &o.Symbol, &o.Side, &o.Price, &o.Qty, &o.FilledQty, &o.State, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CreateFill inserts a fill row (append-only history).
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, session_id, symbol, side, price, qty, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, f.ID, f.OrderID, f.SessionID, f.Symbol, f.Side, f.Price, f.Qty, f.Fee, f.CreatedAt)
	return err
}

// UpsertPosition stores the latest snapshot of a position keyed by its
// identity. Replaying the same snapshot is a no-op.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, qty, entry_price, realized_pnl, margin_ratio, status, close_reason, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			realized_pnl = excluded.realized_pnl,
			margin_ratio = excluded.margin_ratio,
			status = excluded.status,
			close_reason = excluded.close_reason,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Symbol, p.Qty, p.EntryPrice, p.RealizedPnL, p.MarginRatio, p.Status, p.CloseReason, p.OpenedAt)
	return err
}

// ClosePosition marks a position closed with the given reason.
func (d *Database) ClosePosition(ctx context.Context, id, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET status = 'closed', close_reason = ?, closed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != 'closed'
	`, reason, id)
	return err
}

// ListOpenPositions returns all positions not yet closed.
func (d *Database) ListOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, qty, entry_price, realized_pnl, margin_ratio, status, COALESCE(close_reason, ''), opened_at, updated_at, closed_at
		FROM positions WHERE status = 'open'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Qty, &p.EntryPrice, &p.RealizedPnL, &p.MarginRatio, &p.Status, &p.CloseReason, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertTick stores one market sample; duplicate (symbol, ts) pairs are
// ignored so feed replays stay idempotent.
func (d *Database) InsertTick(ctx context.Context, t Tick) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO ticks (symbol, ts, price, volume) VALUES (?, ?, ?, ?)
	`, t.Symbol, t.Ts, t.Price, t.Volume)
	return err
}

// TicksRange returns samples for symbol in [from, to), oldest first.
func (d *Database) TicksRange(ctx context.Context, symbol string, from, to time.Time) ([]Tick, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, ts, price, volume FROM ticks
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, symbol, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Tick
	for rows.Next() {
		var t Tick
		if err := rows.Scan(&t.Symbol, &t.Ts, &t.Price, &t.Volume); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TickBefore returns the latest sample strictly before ts, or nil when
// no earlier sample exists.
func (d *Database) TickBefore(ctx context.Context, symbol string, ts time.Time) (*Tick, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT symbol, ts, price, volume FROM ticks
		WHERE symbol = ? AND ts < ?
		ORDER BY ts DESC LIMIT 1
	`, symbol, ts)
	var t Tick
	if err := row.Scan(&t.Symbol, &t.Ts, &t.Price, &t.Volume); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CreateUser inserts a new operator account.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// UpsertVenueCredential stores encrypted venue credentials.
func (d *Database) UpsertVenueCredential(ctx context.Context, c VenueCredential) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO venue_credentials (id, venue, api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_version = excluded.key_version,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.Venue, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion, c.IsActive)
	return err
}

// GetVenueCredential returns the active credential for a venue or nil.
func (d *Database) GetVenueCredential(ctx context.Context, venue string) (*VenueCredential, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, venue, api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at
		FROM venue_credentials WHERE venue = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1
	`, venue)
	var c VenueCredential
	if err := row.Scan(&c.ID, &c.Venue, &c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
