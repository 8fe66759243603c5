package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/logger"
)

// Modes a session can run in.
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
	ModeLive     = "live"
)

// Session couples a persisted session row with its live state machine.
type Session struct {
	ID        string
	Mode      string
	Symbols   []string
	CreatedAt time.Time

	*Machine
}

// Manager owns the set of live sessions and their persistence.
type Manager struct {
	log   *logger.Logger
	bus   *events.Bus
	store *db.Database

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(store *db.Database, bus *events.Bus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{log: log, bus: bus, store: store, sessions: make(map[string]*Session)}
}

// Create validates the request, persists a new idle session, and
// registers its state machine.
func (m *Manager) Create(ctx context.Context, mode string, symbols []string) (*Session, error) {
	switch mode {
	case ModeBacktest, ModePaper, ModeLive:
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidSessionType, "unknown session mode %q", mode)
	}
	if len(symbols) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidSymbol, "session needs at least one symbol")
	}
	for _, s := range symbols {
		if strings.TrimSpace(s) == "" {
			return nil, apperrors.New(apperrors.CodeInvalidSymbol, "empty symbol in session request")
		}
	}

	id := uuid.NewString()
	now := time.Now()
	sess := &Session{
		ID:        id,
		Mode:      mode,
		Symbols:   append([]string(nil), symbols...),
		CreatedAt: now,
	}
	sess.Machine = NewMachine(id, m.sink(sess))

	if m.store != nil {
		row := db.Session{
			ID:        id,
			Mode:      mode,
			State:     string(StateIdle),
			Symbols:   strings.Join(symbols, ","),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.CreateSession(ctx, row); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "persist session")
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.log.Info("session created",
		zap.String("session", id),
		zap.String("mode", mode),
		zap.Strings("symbols", symbols))
	return sess, nil
}

func (m *Manager) sink(sess *Session) TransitionSink {
	return func(from, to State, reason string) {
		if m.store != nil {
			if err := m.store.UpdateSessionState(context.Background(), sess.ID, string(to)); err != nil {
				m.log.Error("persist session state",
					zap.String("session", sess.ID), zap.Error(err))
			}
		}
		if m.bus != nil {
			m.bus.Publish(events.EventSessionState, events.SessionStatePayload{
				SessionID: sess.ID,
				From:      string(from),
				To:        string(to),
				Reason:    reason,
				At:        time.Now(),
			})
		}
		m.log.Info("session state changed",
			zap.String("session", sess.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", reason))
	}
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove drops a session from the live set. The persisted row stays as
// the archive; only terminal sessions should be removed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count reports live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
