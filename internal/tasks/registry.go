// Package tasks tracks background goroutines so a coordinated shutdown
// can cancel and await every one of them. Tasks deregister themselves
// on completion, which keeps fire-and-forget work from accumulating.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/logger"
)

// Registry owns the set of live background tasks.
type Registry struct {
	log *logger.Logger

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*task
	errs   []error
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	id     uint64
	name   string
	cancel context.CancelFunc
}

// NewRegistry creates an empty task registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{log: log, tasks: make(map[uint64]*task)}
}

// Go registers a named task and runs fn on a new goroutine with a
// cancellable child context. The task removes itself from the registry
// when fn returns, whatever the outcome; a panic inside fn is caught,
// recorded as a failure, and still deregisters the task.
func (r *Registry) Go(ctx context.Context, name string, fn func(context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.Newf(apperrors.CodeServiceUnavailable, "task registry is shut down, rejecting %q", name)
	}
	r.nextID++
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{id: r.nextID, name: name, cancel: cancel}
	r.tasks[t.id] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task %s panicked: %v", name, rec)
				r.log.Error("background task panicked", zap.String("task", name), zap.Any("panic", rec))
			}
			r.finish(t, err)
		}()
		err = fn(taskCtx)
	}()
	return nil
}

func (r *Registry) finish(t *task, err error) {
	t.cancel()
	r.mu.Lock()
	delete(r.tasks, t.id)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", t.name, err))
		r.log.Warn("background task failed", zap.String("task", t.name), zap.Error(err))
	}
	r.mu.Unlock()
	r.wg.Done()
}

// Count reports live tasks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Names lists live task names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		names = append(names, t.name)
	}
	return names
}

// CancelAll cancels every live task without waiting.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.tasks))
	for _, t := range r.tasks {
		cancels = append(cancels, t.cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Shutdown cancels all outstanding tasks and waits for them to finish,
// bounded by ctx. Individual task failures collected during the
// registry's lifetime are joined into the return value rather than
// aborting the wait. After Shutdown the registry rejects new tasks.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.CancelAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return apperrors.Newf(apperrors.CodeTimeout, "task shutdown timed out, still running: %v", r.Names())
	}

	r.mu.Lock()
	errs := r.errs
	r.errs = nil
	r.mu.Unlock()
	return errors.Join(errs...)
}
