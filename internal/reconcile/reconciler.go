package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/keeldb/keel/internal/agency"
	"github.com/keeldb/keel/internal/archive"
	"github.com/keeldb/keel/internal/bus"
	"github.com/keeldb/keel/internal/config"
	"github.com/keeldb/keel/internal/logging"
	"github.com/keeldb/keel/internal/maintenance"
	"github.com/keeldb/keel/internal/state"
)

// errorRetryAfter is how long a recorded action failure keeps suppressing
// its action class before the next full pass retries it.
const errorRetryAfter = 5 * time.Minute

// Reconciler drives the maintenance loop: it collects the dirty database
// set from Plan watch events and finished actions, diffs Plan against
// Local state for those databases, and hands the resulting actions to the
// executor. A full pass over every database runs periodically as a
// safety net against missed watch events.
type Reconciler struct {
	config   config.ReconcileConfig
	serverID string
	logger   *logging.Logger

	plans    agency.PlanSource
	store    *state.Store
	differ   *maintenance.Differ
	executor *maintenance.Executor
	registry *maintenance.ActionRegistry
	errors   *maintenance.Errors

	// Optional collaborators; nil disables them.
	archive *archive.Archive
	events  bus.Bus

	mu           sync.Mutex
	dirty        map[string]struct{}
	lastFullPass time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reconciler. archive and events may be nil.
func New(
	cfg config.ReconcileConfig,
	serverID string,
	logger *logging.Logger,
	plans agency.PlanSource,
	store *state.Store,
	differ *maintenance.Differ,
	executor *maintenance.Executor,
	registry *maintenance.ActionRegistry,
	errs *maintenance.Errors,
	arch *archive.Archive,
	events bus.Bus,
) *Reconciler {
	return &Reconciler{
		config:   cfg,
		serverID: serverID,
		logger:   logger,
		plans:    plans,
		store:    store,
		differ:   differ,
		executor: executor,
		registry: registry,
		errors:   errs,
		archive:  arch,
		events:   events,
		dirty:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the watch and reconcile loops.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting maintenance reconciler",
		"interval", r.config.Interval,
		"full_pass_interval", r.config.FullPassInterval)

	// Completed actions dirty their database so the next pass observes
	// the new local state.
	r.executor.OnActionDone(func(ev maintenance.ActionEvent) {
		if db, ok := ev.Action.Lookup(maintenance.PropDatabase); ok {
			r.MarkDirty(db)
		}
		r.publishActionEvent(ctx, ev)
	})

	r.wg.Add(2)
	go r.watch(ctx)
	go r.run(ctx)
}

// Stop stops the reconciler and waits for in-progress passes.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Maintenance reconciler stopped")
}

// MarkDirty schedules a database for the next reconciliation pass.
func (r *Reconciler) MarkDirty(database string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty[database] = struct{}{}
}

// ForceCheck runs one full pass immediately, outside the ticker.
func (r *Reconciler) ForceCheck(ctx context.Context) error {
	return r.runPass(ctx, true)
}

// watch follows Plan changes, re-establishing the watch after failures.
func (r *Reconciler) watch(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := r.plans.Watch(ctx, r.MarkDirty)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("Plan watch interrupted, retrying", "error", err.Error())
		}

		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// run is the main reconcile loop.
func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// The first pass is always full: local state was just scanned and
	// every database needs one look.
	if err := r.runPass(ctx, true); err != nil {
		r.logger.Error("Initial reconciliation pass failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			full := time.Since(r.fullPassAge()) >= r.config.FullPassInterval
			if err := r.runPass(ctx, full); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) fullPassAge() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFullPass
}

// runPass performs one reconciliation pass. When full is false only the
// accumulated dirty databases are examined.
func (r *Reconciler) runPass(ctx context.Context, full bool) error {
	dirty := r.takeDirty()
	if !full && len(dirty) == 0 {
		return nil
	}

	snap, err := r.plans.Fetch(ctx)
	if err != nil {
		// Put the dirty set back; nothing was examined.
		r.restoreDirty(dirty)
		return err
	}

	local := r.store.Changesets()

	if full {
		// A full pass re-examines every database, so failures old enough
		// to retry stop suppressing their action class right here.
		if n := r.errors.ExpireBefore(time.Now().Add(-errorRetryAfter)); n > 0 {
			r.logger.Info("Expired stale action failures", "count", n)
		}
		for db := range snap.Databases {
			dirty[db] = struct{}{}
		}
		for db := range local {
			dirty[db] = struct{}{}
		}
		r.mu.Lock()
		r.lastFullPass = time.Now()
		r.mu.Unlock()
	}
	if len(dirty) == 0 {
		return nil
	}

	r.archiveDirty(dirty, snap)

	in := &maintenance.DiffInput{
		Plan:       snap.Databases,
		PlanIndex:  snap.Index,
		Dirty:      dirty,
		Local:      local,
		ServerID:   r.serverID,
		Errors:     r.errors,
		ShardLocks: r.registry,
	}
	out := maintenance.NewDiffResult()

	diffErr := r.differ.DiffPlanLocal(in, out)

	enqueued := 0
	for _, action := range out.Actions {
		if !r.executor.Enqueue(action) {
			// Busy shard or full queue; the database stays dirty so the
			// action is recomputed next pass.
			if db, ok := action.Lookup(maintenance.PropDatabase); ok {
				r.MarkDirty(db)
			}
			continue
		}
		enqueued++
		r.publishQueued(ctx, action)
	}

	for db := range out.MakeDirty {
		r.MarkDirty(db)
	}

	if out.CallNotify {
		r.publishNotify(ctx)
	}

	if enqueued > 0 || diffErr != nil {
		r.logger.Info("Reconciliation pass completed",
			"databases", len(dirty),
			"actions", enqueued,
			"full", full)
	}
	return diffErr
}

func (r *Reconciler) takeDirty() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	dirty := r.dirty
	r.dirty = make(map[string]struct{})
	return dirty
}

func (r *Reconciler) restoreDirty(dirty map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for db := range dirty {
		r.dirty[db] = struct{}{}
	}
}

func (r *Reconciler) archiveDirty(dirty map[string]struct{}, snap *agency.Snapshot) {
	if r.archive == nil {
		return
	}
	for db := range dirty {
		doc, ok := snap.Databases[db]
		if !ok {
			continue
		}
		if err := r.archive.Store(db, snap.Index, doc); err != nil {
			r.logger.Warn("Failed to archive plan changeset",
				"database", db,
				"error", err.Error())
		}
	}
}

func (r *Reconciler) publishQueued(ctx context.Context, action *maintenance.ActionDescription) {
	if r.events == nil {
		return
	}
	db, _ := action.Lookup(maintenance.PropDatabase)
	shard, _ := action.Lookup(maintenance.PropShard)
	event := bus.Event{
		Kind:      bus.EventActionQueued,
		ServerID:  r.serverID,
		ActionID:  action.ID(),
		Action:    action.Name(),
		Database:  db,
		Shard:     shard,
		Timestamp: time.Now().UTC(),
	}
	if err := r.events.Publish(ctx, bus.SubjectActions, event); err != nil {
		r.logger.Warn("Failed to publish action event", "error", err.Error())
	}
}

func (r *Reconciler) publishActionEvent(ctx context.Context, ev maintenance.ActionEvent) {
	if r.events == nil {
		return
	}
	db, _ := ev.Action.Lookup(maintenance.PropDatabase)
	shard, _ := ev.Action.Lookup(maintenance.PropShard)
	event := bus.Event{
		Kind:      bus.EventActionDone,
		ServerID:  r.serverID,
		ActionID:  ev.Action.ID(),
		Action:    ev.Action.Name(),
		Database:  db,
		Shard:     shard,
		Timestamp: time.Now().UTC(),
	}
	if ev.Err != nil {
		event.Kind = bus.EventActionFailed
		event.Error = ev.Err.Error()
	}
	if err := r.events.Publish(ctx, bus.SubjectActions, event); err != nil {
		r.logger.Warn("Failed to publish action event", "error", err.Error())
	}
}

// publishNotify signals the cluster supervisor that schedule-relevant
// work happened, so it can shorten its next supervision cycle.
func (r *Reconciler) publishNotify(ctx context.Context) {
	if r.events == nil {
		return
	}
	event := bus.Event{
		Kind:      bus.EventPlanNotify,
		ServerID:  r.serverID,
		Timestamp: time.Now().UTC(),
	}
	if err := r.events.Publish(ctx, bus.SubjectNotify, event); err != nil {
		r.logger.Warn("Failed to publish notify event", "error", err.Error())
	}
}
