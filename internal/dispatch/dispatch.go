// Package dispatch implements C6: the top-level serial decision loop
// that ties the Task Queue, Lock Store, Worker Pool, Retry Controller,
// and Persistence Layer together into one running engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/poppobuilder/dispatchd/internal/lockstore"
	"github.com/poppobuilder/dispatchd/internal/monitor"
	"github.com/poppobuilder/dispatchd/internal/persistence"
	"github.com/poppobuilder/dispatchd/internal/queue"
	"github.com/poppobuilder/dispatchd/internal/retry"
	"github.com/poppobuilder/dispatchd/internal/workerpool"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// Config bundles C6's collaborators and tunables (spec §4.6).
type Config struct {
	Queue   *queue.Queue
	Locks   *lockstore.Store
	Pool    *workerpool.Pool
	Retry   *retry.Controller
	Persist persistence.Backend
	Monitor *monitor.Monitor // optional; nil skips C7 sampling

	HostID string
	PID    int

	// SessionID identifies this particular daemon run. Generated with
	// uuid if left empty, so a lock holder from a crashed and restarted
	// process (same host, and on PID-reuse even the same PID) is
	// distinguishable from the current one.
	SessionID string

	// LockTTL bounds how long an exclusive C1 lock is held (spec §4.6
	// step (ii): "TTL >= estimated work time + safety margin"). Set it
	// to at least the worker pool's TaskTimeout plus a safety margin.
	LockTTL         time.Duration
	LockRetryBudget int

	SnapshotInterval time.Duration
	PollInterval     time.Duration
}

func defaultConfig() Config {
	return Config{
		LockTTL:          31 * time.Minute,
		LockRetryBudget:  3,
		SnapshotInterval: 5 * time.Second,
		PollInterval:     250 * time.Millisecond,
	}
}

// Dispatcher is C6.
type Dispatcher struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	retryStates  map[workitem.Key]*workitem.RetryState
	holders      map[workitem.Key]workitem.Holder
	startedAt    map[workitem.Key]time.Time
	lockAttempts map[workitem.Key]int

	maintenance atomic.Pointer[maintenanceGate]

	wg sync.WaitGroup
}

// maintenanceGate holds the operator-controlled maintenance mode (spec
// §6 "maintenance start/stop/status/extend"): while Active, fillCapacity
// defers any item whose type is not in AllowedTypes rather than starting
// it, the same way it already defers on lock contention.
type maintenanceGate struct {
	active       bool
	allowedTypes map[workitem.Type]bool
	expiresAt    time.Time
}

// SetMaintenance installs or clears the maintenance gate. An empty
// allowedTypes means no type may start while active (spec's "start"
// with no --allow flag pauses dispatch entirely); a zero expiresAt
// means no automatic expiry.
func (d *Dispatcher) SetMaintenance(active bool, allowedTypes []workitem.Type, expiresAt time.Time) {
	if !active {
		d.maintenance.Store(nil)
		return
	}
	allowed := make(map[workitem.Type]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	d.maintenance.Store(&maintenanceGate{active: true, allowedTypes: allowed, expiresAt: expiresAt})
}

// Maintenance reports the current maintenance gate, if any is active.
func (d *Dispatcher) Maintenance() (active bool, allowedTypes []workitem.Type, expiresAt time.Time) {
	g := d.maintenance.Load()
	if g == nil {
		return false, nil, time.Time{}
	}
	for t := range g.allowedTypes {
		allowedTypes = append(allowedTypes, t)
	}
	return true, allowedTypes, g.expiresAt
}

func (d *Dispatcher) maintenanceBlocks(t workitem.Type) bool {
	g := d.maintenance.Load()
	if g == nil {
		return false
	}
	if !g.expiresAt.IsZero() && !d.now().Before(g.expiresAt) {
		d.maintenance.Store(nil)
		return false
	}
	return !g.allowedTypes[t]
}

// New validates cfg and constructs a Dispatcher. Queue, Locks, Pool,
// Retry, and Persist are required collaborators; everything else gets
// a default.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Queue == nil || cfg.Locks == nil || cfg.Pool == nil || cfg.Retry == nil || cfg.Persist == nil {
		return nil, fmt.Errorf("dispatch: Queue, Locks, Pool, Retry, and Persist are all required")
	}
	def := defaultConfig()
	if cfg.HostID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.HostID = h
		}
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockRetryBudget <= 0 {
		cfg.LockRetryBudget = def.LockRetryBudget
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Dispatcher{
		cfg:          cfg,
		now:          time.Now,
		retryStates:  make(map[workitem.Key]*workitem.RetryState),
		holders:      make(map[workitem.Key]workitem.Holder),
		startedAt:    make(map[workitem.Key]time.Time),
		lockAttempts: make(map[workitem.Key]int),
	}, nil
}

// WithClock overrides the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

type outcomeMsg struct {
	item   workitem.WorkItem
	result workitem.Result
	holder workitem.Holder
}

// Run loads the last snapshot and reconciles it against live locks
// (spec §4.6 startup recovery), then drives the dispatch loop until ctx
// is canceled, at which point it drains in-flight workers and performs
// the shutdown sequence (spec §4.6 shutdown).
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recover(); err != nil {
		return fmt.Errorf("dispatch: startup recovery: %w", err)
	}

	results := make(chan outcomeMsg, 64)
	pollTicker := time.NewTicker(d.cfg.PollInterval)
	defer pollTicker.Stop()
	snapTicker := time.NewTicker(d.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	if d.cfg.Monitor != nil {
		go d.cfg.Monitor.Run(ctx)
	}

	d.fillCapacity(ctx, results)
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case msg := <-results:
			d.handleOutcome(msg)
			d.fillCapacity(ctx, results)
		case <-pollTicker.C:
			d.fillCapacity(ctx, results)
		case <-snapTicker.C:
			d.snapshot()
		}
	}
}

// resubmitBackoff delays re-eligibility for an item that bounced off
// saturation or lock contention this round, so fillCapacity's loop
// converges on "nothing more fits" instead of re-dequeuing the same
// still-blocked item forever within a single call.
const resubmitBackoff = 200 * time.Millisecond

// lockContentionMaxBackoff caps the jittered backoff applied to an item
// that keeps losing the race for its C1 lock, so a project stuck behind
// a long-held lock doesn't spin the queue at resubmitBackoff forever.
const lockContentionMaxBackoff = 10 * time.Second

// fillCapacity repeatedly dequeues eligible items and dispatches them
// until the queue is empty or the pool has no room, per item, project,
// or globally (spec §4.5 backpressure: hold the item, try again later).
func (d *Dispatcher) fillCapacity(ctx context.Context, results chan<- outcomeMsg) {
	for {
		item, ok := d.cfg.Queue.DequeueEligible()
		if !ok {
			return
		}

		if d.maintenanceBlocks(item.Type) {
			_ = d.cfg.Queue.Requeue(item, d.now().Add(resubmitBackoff))
			continue
		}

		if err := d.cfg.Pool.TryAcquire(item.Key.ProjectID); err != nil {
			_ = d.cfg.Queue.Requeue(item, d.now().Add(resubmitBackoff))
			var projErr *workerpool.ErrProjectSaturated
			var rateErr *workerpool.ErrProjectRateLimited
			if errors.As(err, &projErr) || errors.As(err, &rateErr) {
				continue // a different project may still have room
			}
			return // global cap reached; nothing else will fit either
		}

		holder := workitem.Holder{PID: d.cfg.PID, Host: d.cfg.HostID, SessionID: d.cfg.SessionID, TaskID: item.Key.String()}
		if _, err := d.cfg.Locks.Acquire(item.Key, holder, d.cfg.LockTTL, d.cfg.LockRetryBudget); err != nil {
			d.cfg.Pool.Release(item.Key.ProjectID)
			d.mu.Lock()
			attempt := d.lockAttempts[item.Key]
			d.lockAttempts[item.Key] = attempt + 1
			d.mu.Unlock()
			delay := lockstore.JitteredBackoff(attempt, resubmitBackoff, lockContentionMaxBackoff)
			_ = d.cfg.Queue.Requeue(item, d.now().Add(delay)) // lock contention (S3): try again later, backing off
			continue
		}

		d.cfg.Queue.MarkRunning(item)
		d.mu.Lock()
		d.holders[item.Key] = holder
		d.startedAt[item.Key] = d.now()
		delete(d.lockAttempts, item.Key)
		d.mu.Unlock()
		d.snapshot()

		d.wg.Add(1)
		go d.runOne(ctx, item, holder, results)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, item workitem.WorkItem, holder workitem.Holder, results chan<- outcomeMsg) {
	defer d.wg.Done()
	result, err := d.cfg.Pool.Submit(ctx, item)
	if err != nil {
		result = workitem.Result{
			Key:        item.Key,
			Outcome:    workitem.OutcomeTransient,
			ErrorText:  err.Error(),
			StartedAt:  d.now(),
			FinishedAt: d.now(),
		}
	}
	results <- outcomeMsg{item: item, result: result, holder: holder}
}

// handleOutcome consults the Retry Controller on a non-success outcome
// and applies its decision (spec §4.6 steps (iv)-(vi)).
func (d *Dispatcher) handleOutcome(msg outcomeMsg) {
	item, result, holder := msg.item, msg.result, msg.holder
	key := item.Key

	switch result.Outcome {
	case workitem.OutcomeSuccess:
		d.cfg.Retry.Succeed(item)
		d.cfg.Queue.MarkDone(key)
		d.releaseLock(key, holder)
		d.clearRetryState(key)

	case workitem.OutcomeCanceled:
		// Canceled tasks are a hard failure with no retry (spec §4.5
		// Cancellation semantics).
		state := d.retryStateFor(key)
		_, _ = d.cfg.Retry.DeadLetters.Add(item, *state, workitem.ReasonManual)
		d.cfg.Queue.MarkDone(key)
		d.releaseLock(key, holder)
		d.clearRetryState(key)

	default: // transient, hard_fail, timeout
		state := d.retryStateFor(key)
		decision := d.cfg.Retry.Decide(item, state, result)
		d.releaseLock(key, holder)
		switch decision.Kind {
		case retry.DecisionRetry:
			d.cfg.Queue.MarkDone(key)
			_ = d.cfg.Queue.Requeue(item, state.NextRetryAt)
		case retry.DecisionDeadLetter:
			_, _ = d.cfg.Retry.DeadLetters.Add(item, *state, decision.Reason)
			d.cfg.Queue.MarkDone(key)
			d.clearRetryState(key)
		}
	}

	d.mu.Lock()
	delete(d.startedAt, key)
	d.mu.Unlock()
	d.snapshot()
}

// releaseLock frees the C1 lock between dispatch attempts. Spec §4.6's
// pseudocode step (vi) names success/dead-letter as the release points;
// releasing on every terminal-to-this-attempt outcome (including retry)
// is this implementation's resolution of that ambiguity; see
// DESIGN.md. A single daemon process re-acquiring its own held lock on
// the next attempt would otherwise have to wait out the full TTL.
func (d *Dispatcher) releaseLock(key workitem.Key, holder workitem.Holder) {
	_, _ = d.cfg.Locks.Release(key, holder)
	d.mu.Lock()
	delete(d.holders, key)
	d.mu.Unlock()
}

func (d *Dispatcher) retryStateFor(key workitem.Key) *workitem.RetryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.retryStates[key]
	if !ok {
		state = &workitem.RetryState{Key: key, Status: workitem.RetryActive}
		d.retryStates[key] = state
	}
	return state
}

func (d *Dispatcher) clearRetryState(key workitem.Key) {
	d.mu.Lock()
	delete(d.retryStates, key)
	d.mu.Unlock()
}

// shutdown implements spec §4.6: refuse new submissions (ctx
// cancellation already stopped fillCapacity from being re-entered),
// wait for in-flight workers to run their own SIGTERM/grace/SIGKILL
// sequence (driven by workerpool.Pool from the same canceled ctx),
// free every lock this process holds, and write a final snapshot.
func (d *Dispatcher) shutdown() error {
	d.wg.Wait()
	if err := d.cfg.Locks.ReleaseAll(d.cfg.PID); err != nil {
		return fmt.Errorf("dispatch: release locks on shutdown: %w", err)
	}
	d.snapshot()
	return nil
}

func (d *Dispatcher) snapshot() {
	_ = d.cfg.Persist.Save(d.buildState())
}
