// Package persistence batches high-rate append-only writes (ticks,
// signals) into single transactions so the ingest path never blocks on
// per-row commits.
package persistence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

type op struct {
	query string
	args  []any
}

// Stats is a point-in-time snapshot of writer activity.
type Stats struct {
	Pending       int
	Writes        uint64
	Batches       uint64
	Failures      uint64
	LastBatchSize int
	LastFlush     time.Time
}

// BatchWriter buffers write operations and flushes them in one
// transaction when the buffer fills or the flush interval elapses.
// Close drains the buffer before returning.
type BatchWriter struct {
	log      *logger.Logger
	db       *db.Database
	maxSize  int
	interval time.Duration

	mu    sync.Mutex
	buf   []op
	stats Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBatchWriter starts the background flush loop. maxSize caps the
// buffer before a size-triggered flush, interval bounds write latency.
func NewBatchWriter(database *db.Database, maxSize int, interval time.Duration, log *logger.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &BatchWriter{
		log:      log,
		db:       database,
		maxSize:  maxSize,
		interval: interval,
		buf:      make([]op, 0, maxSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue buffers one market sample. Duplicate (symbol, ts) pairs are
// ignored at the database so feed replays stay idempotent.
func (w *BatchWriter) Enqueue(t db.Tick) {
	w.add(op{
		query: `INSERT OR IGNORE INTO ticks (symbol, ts, price, volume) VALUES (?, ?, ?, ?)`,
		args:  []any{t.Symbol, t.Ts, t.Price, t.Volume},
	})
}

// EnqueueSignal buffers one signal history row.
func (w *BatchWriter) EnqueueSignal(s db.Signal) {
	w.add(op{
		query: `INSERT INTO signals (id, session_id, instance_id, symbol, action, price, size, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		args: []any{s.ID, s.SessionID, s.InstanceID, s.Symbol, s.Action, s.Price, s.Size, s.Note, s.CreatedAt},
	})
}

func (w *BatchWriter) add(o op) {
	w.mu.Lock()
	w.buf = append(w.buf, o)
	full := len(w.buf) >= w.maxSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			w.log.Warn("size-triggered flush failed", zap.Error(err))
		}
	}
}

// Flush writes all buffered operations in one transaction. A failed
// batch is dropped rather than retried; ticks are reconstructible and
// signal history is best-effort.
func (w *BatchWriter) Flush() error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	ops := w.buf
	w.buf = make([]op, 0, w.maxSize)
	w.mu.Unlock()

	err := w.exec(ops)

	w.mu.Lock()
	w.stats.Batches++
	w.stats.LastBatchSize = len(ops)
	w.stats.LastFlush = time.Now()
	if err != nil {
		w.stats.Failures++
	} else {
		w.stats.Writes += uint64(len(ops))
	}
	w.mu.Unlock()
	return err
}

func (w *BatchWriter) exec(ops []op) error {
	tx, err := w.db.DB.Begin()
	if err != nil {
		return err
	}
	for _, o := range ops {
		if _, err := tx.Exec(o.query, o.args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (w *BatchWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.log.Warn("periodic flush failed", zap.Error(err))
			}
		case <-w.done:
			if err := w.Flush(); err != nil {
				w.log.Error("final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Stats reports writer counters and the current backlog.
func (w *BatchWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Pending = len(w.buf)
	return s
}

// Close flushes the remaining buffer and stops the loop.
func (w *BatchWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
