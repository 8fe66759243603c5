package order

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/pkg/logger"
)

const (
	walActionEnqueue  = "enqueue"
	walActionComplete = "complete"
)

type walEntry struct {
	Action string    `json:"action"`
	Order  Order     `json:"order"`
	At     time.Time `json:"at"`
}

// WALStats counts write-ahead log activity.
type WALStats struct {
	Written   uint64
	Recovered uint64
	Completed uint64
	Failed    uint64
}

// WALQueue wraps Queue with a write-ahead log so orders accepted before
// a crash are re-submitted on restart. An order is logged before it is
// buffered and marked complete once the gateway reaches a terminal
// state for it; Recover replays the difference.
type WALQueue struct {
	log   *logger.Logger
	queue *Queue
	path  string

	mu         sync.Mutex
	file       *os.File
	processing map[string]bool
	stats      WALStats
	closed     bool
}

// NewWALQueue opens (or creates) the log under dir and wraps a queue of
// the given size.
func NewWALQueue(dir string, queueSize int, log *logger.Logger) (*WALQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}
	path := filepath.Join(dir, "orders.wal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &WALQueue{
		log:        log,
		queue:      NewQueue(queueSize),
		path:       path,
		file:       file,
		processing: make(map[string]bool),
	}, nil
}

// Recover re-enqueues orders that were logged but never completed.
// Call before the drain loop starts.
func (w *WALQueue) Recover() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open wal for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]Order)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			w.log.Warn("skipping malformed wal entry", zap.Error(err))
			continue
		}
		switch entry.Action {
		case walActionEnqueue:
			enqueued[entry.Order.ID] = entry.Order
		case walActionComplete:
			completed[entry.Order.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan wal: %w", err)
	}

	recovered := 0
	for id, o := range enqueued {
		if completed[id] {
			continue
		}
		// Recovered orders restart the machine from pending.
		o.State = StatePending
		o.Reason = "recovered"
		if !w.queue.TryEnqueue(o) {
			w.log.Warn("queue full during recovery, dropping order", zap.String("order_id", id))
			continue
		}
		w.processing[id] = true
		recovered++
	}
	w.stats.Recovered += uint64(recovered)
	if recovered > 0 {
		w.log.Info("recovered pending orders from wal", zap.Int("count", recovered))
	}

	if recovered > 0 || len(completed) > 10 {
		if err := w.compact(enqueued, completed); err != nil {
			w.log.Warn("wal compaction failed", zap.Error(err))
		}
	}
	return nil
}

// compact rewrites the log keeping only pending entries. Caller holds mu.
func (w *WALQueue) compact(enqueued map[string]Order, completed map[string]bool) error {
	tmp := w.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	for id, o := range enqueued {
		if completed[id] {
			continue
		}
		if err := enc.Encode(walEntry{Action: walActionEnqueue, Order: o, At: o.CreatedAt}); err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	file.Close()

	w.file.Close()
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}
	w.file, err = os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

// TryEnqueue logs then buffers the order. The log write syncs to disk
// before the order becomes visible to workers.
func (w *WALQueue) TryEnqueue(o Order) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	data, err := json.Marshal(walEntry{Action: walActionEnqueue, Order: o, At: time.Now()})
	if err != nil {
		w.stats.Failed++
		w.mu.Unlock()
		w.log.Error("wal marshal failed", zap.Error(err))
		return false
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.stats.Failed++
		w.mu.Unlock()
		w.log.Error("wal write failed", zap.Error(err))
		return false
	}
	if err := w.file.Sync(); err != nil {
		w.stats.Failed++
		w.mu.Unlock()
		w.log.Error("wal sync failed", zap.Error(err))
		return false
	}
	w.processing[o.ID] = true
	w.stats.Written++
	w.mu.Unlock()

	if !w.queue.TryEnqueue(o) {
		// Logged but not buffered; completion below keeps the wal from
		// resurrecting an order the caller saw rejected.
		w.MarkComplete(o.ID)
		return false
	}
	return true
}

// MarkComplete records that the order reached a terminal state. Not
// synced; a crash between complete and sync only costs a duplicate
// re-submission, which the idempotent order rows absorb.
func (w *WALQueue) MarkComplete(orderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.processing[orderID] {
		return
	}
	data, err := json.Marshal(walEntry{Action: walActionComplete, Order: Order{ID: orderID}, At: time.Now()})
	if err == nil {
		w.file.Write(append(data, '\n'))
	}
	delete(w.processing, orderID)
	w.stats.Completed++
}

// Drain consumes orders, marking each complete after the handler runs.
func (w *WALQueue) Drain(ctx context.Context, handler func(Order)) {
	w.queue.Drain(ctx, func(o Order) {
		handler(o)
		w.MarkComplete(o.ID)
	})
}

// Len reports buffered orders.
func (w *WALQueue) Len() int { return w.queue.Len() }

// PendingNotional reports the quote value sitting in the queue.
func (w *WALQueue) PendingNotional() float64 { return w.queue.PendingNotional() }

// Stats returns log counters.
func (w *WALQueue) Stats() WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops intake, syncs, and closes the log file.
func (w *WALQueue) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.queue.Close()
	if w.file != nil {
		w.file.Sync()
		w.file.Close()
	}
}
