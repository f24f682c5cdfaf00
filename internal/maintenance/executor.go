package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/keeldb/keel/internal/logging"
)

// Applier executes a single maintenance action against the local node.
type Applier interface {
	Apply(ctx context.Context, action *ActionDescription) error
}

// ActionEvent reports the completion of one action to observers.
type ActionEvent struct {
	Action *ActionDescription
	Err    error
}

// Executor is the phase-two worker pool: it consumes queued
// ActionDescriptions and applies them, holding the per-shard lock for the
// whole run so that at most one action is ever in flight per shard while
// actions for different shards proceed in parallel. There is no mid-action
// cancellation; an action runs to completion before its lock is released.
type Executor struct {
	workers  int
	applier  Applier
	registry *ActionRegistry
	errors   *Errors
	logger   *logging.Logger

	queue    chan *ActionDescription
	handlers []func(ActionEvent)

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExecutor creates a worker pool of the given size with a bounded
// action queue.
func NewExecutor(workers, queueSize int, applier Applier, registry *ActionRegistry, errs *Errors, logger *logging.Logger) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Executor{
		workers:  workers,
		applier:  applier,
		registry: registry,
		errors:   errs,
		logger:   logger,
		queue:    make(chan *ActionDescription, queueSize),
		stopCh:   make(chan struct{}),
	}
}

// OnActionDone registers a completion observer. Handlers may be added
// after Start; they only observe completions that happen afterwards.
func (e *Executor) OnActionDone(h func(ActionEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Start launches the worker goroutines.
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("Starting maintenance executor", "workers", e.workers)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.run(ctx)
	}
}

// Stop drains the workers and waits for in-flight actions to finish.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Maintenance executor stopped")
}

// Enqueue attempts to queue an action. The shard lock is taken here,
// atomically, so that a conflicting action arriving between diff and
// execution is dropped rather than queued twice. Returns false when the
// shard is already busy or the queue is full.
func (e *Executor) Enqueue(action *ActionDescription) bool {
	key := lockKey(action)
	if !e.registry.TryStart(key, action) {
		e.logger.Debug("Dropping action, shard busy",
			"action", action.Name(), "key", key)
		return false
	}
	select {
	case e.queue <- action:
		return true
	default:
		e.registry.Complete(key)
		e.logger.Warn("Dropping action, queue full", "action", action.Name())
		return false
	}
}

// Pending returns the number of queued, not yet started actions.
func (e *Executor) Pending() int {
	return len(e.queue)
}

func (e *Executor) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case action := <-e.queue:
			e.execute(ctx, action)
		}
	}
}

func (e *Executor) execute(ctx context.Context, action *ActionDescription) {
	key := lockKey(action)
	defer e.registry.Complete(key)

	err := e.applier.Apply(ctx, action)
	shard, hasShard := action.Lookup(PropShard)
	if err != nil {
		if hasShard {
			e.errors.Record(shard, action.Name(), err)
		}
		e.logger.Error("Maintenance action failed",
			"action", action.Name(), "id", action.ID(), "error", err)
	} else {
		if hasShard {
			e.errors.Clear(shard)
		}
		e.logger.Debug("Maintenance action done",
			"action", action.Name(), "id", action.ID())
	}

	e.mu.Lock()
	handlers := make([]func(ActionEvent), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	for _, h := range handlers {
		h(ActionEvent{Action: action, Err: err})
	}
}

// lockKey is the registry key an action serializes on: its shard when it
// has one, otherwise its database (database-level actions must not overlap
// either).
func lockKey(action *ActionDescription) string {
	if shard, ok := action.Lookup(PropShard); ok {
		return shard
	}
	if db, ok := action.Lookup(PropDatabase); ok {
		return fmt.Sprintf("db/%s", db)
	}
	return action.ID()
}
