// Package queue implements C4: a multi-project priority queue with
// fairness, deadlines, restart semantics, and admission control.
package queue

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/poppobuilder/dispatchd/internal/retry"
	"github.com/poppobuilder/dispatchd/internal/rolling"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// ErrDuplicateItem is returned by Enqueue for a (project, item_id)
// already present in the queue or running set (invariant I-1).
var ErrDuplicateItem = fmt.Errorf("queue: item already queued or running")

// ErrAdmissionRefused is returned by Enqueue when the project's queue
// size cap is reached (spec §4.4 admission control).
type ErrAdmissionRefused struct {
	ProjectID string
	Cap       int
}

func (e *ErrAdmissionRefused) Error() string {
	return fmt.Sprintf("queue: project %q at admission cap (%d)", e.ProjectID, e.Cap)
}

// FairnessConfig parameterizes the effective-score fairness term
// (spec §4.4, resolved Open Question; see DESIGN.md).
type FairnessConfig struct {
	ProjectWeight        map[string]float64
	DefaultProjectWeight  float64
	ShareWindow          time.Duration // default 10 minutes
}

// AgingConfig parameterizes the aging bonus (spec §4.4).
type AgingConfig struct {
	Weight   float64 // points per second waited
	MaxBonus float64
}

// Config bundles queue-wide tunables.
type Config struct {
	Fairness      FairnessConfig
	Aging         AgingConfig
	ProjectCap    int // 0 = unbounded
	Breakers      *retry.BreakerStore
	DeadLetters   *retry.DeadLetterStore
}

func defaultConfig() Config {
	return Config{
		Fairness: FairnessConfig{DefaultProjectWeight: 1.0, ShareWindow: 10 * time.Minute},
		Aging:    AgingConfig{Weight: 0.1, MaxBonus: 50},
	}
}

// entry is one queued WorkItem plus the queue-private bookkeeping
// needed for effective-score ordering and the container/heap index.
type entry struct {
	item  workitem.WorkItem
	score float64
	index int
}

// Queue implements C4 (spec §4.4). All mutation happens through its
// exported methods, which serialize via an internal mutex: the
// Dispatcher's single serial decision path is the only intended
// caller, but the lock makes read-only snapshot callers (CLI/status)
// safe too (spec §5 "read-only views... take a snapshot copy").
type Queue struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	pq        priorityHeap
	byKey     map[workitem.Key]*entry
	running   map[workitem.Key]workitem.WorkItem
	dispatches *rolling.Counter // per-project recent-dispatch tracker
}

// New creates an empty Queue. A zero Config is replaced with sensible
// defaults (DefaultProjectWeight=1.0, 10-minute fairness window).
func New(cfg Config) *Queue {
	if cfg.Fairness.DefaultProjectWeight == 0 {
		cfg.Fairness.DefaultProjectWeight = defaultConfig().Fairness.DefaultProjectWeight
	}
	if cfg.Fairness.ShareWindow <= 0 {
		cfg.Fairness.ShareWindow = defaultConfig().Fairness.ShareWindow
	}
	if cfg.Aging.Weight == 0 && cfg.Aging.MaxBonus == 0 {
		cfg.Aging = defaultConfig().Aging
	}
	return &Queue{
		cfg:        cfg,
		now:        time.Now,
		byKey:      make(map[workitem.Key]*entry),
		running:    make(map[workitem.Key]workitem.WorkItem),
		dispatches: rolling.NewCounter(cfg.Fairness.ShareWindow, 4096),
	}
}

// WithClock overrides the time source, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	q.dispatches.WithClock(now)
	return q
}

// projectWeight returns the configured fairness weight for project,
// or DefaultProjectWeight if unset.
func (q *Queue) projectWeight(project string) float64 {
	if w, ok := q.cfg.Fairness.ProjectWeight[project]; ok {
		return w
	}
	return q.cfg.Fairness.DefaultProjectWeight
}

// agingBonus implements spec §4.4:
// min(aging.max_bonus, aging.weight * wait.Seconds()).
func (q *Queue) agingBonus(waited time.Duration) float64 {
	bonus := q.cfg.Aging.Weight * waited.Seconds()
	if q.cfg.Aging.MaxBonus > 0 && bonus > q.cfg.Aging.MaxBonus {
		return q.cfg.Aging.MaxBonus
	}
	return bonus
}

// fairnessPenalty implements spec §4.4:
// project_weight[project] * log1p(recent_dispatch_share(project)).
func (q *Queue) fairnessPenalty(project string) float64 {
	share := q.dispatches.Share(project)
	return q.projectWeight(project) * math.Log1p(share)
}

// effectiveScore computes spec §4.4's score for item at now.
func (q *Queue) effectiveScore(item workitem.WorkItem, now time.Time) float64 {
	waited := now.Sub(item.EnqueuedAt)
	if waited < 0 {
		waited = 0
	}
	return float64(item.Priority) + q.agingBonus(waited) - q.fairnessPenalty(item.Key.ProjectID)
}

func (q *Queue) projectCount(project string) int {
	count := 0
	for key := range q.byKey {
		if key.ProjectID == project {
			count++
		}
	}
	return count
}

// Enqueue admits item into the queue (spec §4.4 enqueue). It rejects
// duplicates of an item already queued, running, or dead-lettered
// (invariant I-1) and enforces the per-project admission cap.
func (q *Queue) Enqueue(item workitem.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byKey[item.Key]; ok {
		return ErrDuplicateItem
	}
	if _, ok := q.running[item.Key]; ok {
		return ErrDuplicateItem
	}
	if q.cfg.DeadLetters != nil && q.cfg.DeadLetters.Has(item.Key) {
		return ErrDuplicateItem
	}

	if q.cfg.ProjectCap > 0 && q.projectCount(item.Key.ProjectID) >= q.cfg.ProjectCap {
		return &ErrAdmissionRefused{ProjectID: item.Key.ProjectID, Cap: q.cfg.ProjectCap}
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	item.Status = workitem.StatusEnqueued

	e := &entry{item: item}
	q.byKey[item.Key] = e
	heap.Push(&q.pq, e)
	return nil
}

// DequeueEligible returns the highest-effective-score item whose
// next_retry_at has elapsed and whose (project, type) breaker is not
// open (spec §4.4), removing it from the queued set. Callers must follow
// with MarkRunning once a lock and a worker slot are secured, or put the
// item back with Requeue if dispatch fails partway, so it is never
// silently dropped.
func (q *Queue) DequeueEligible() (workitem.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.pq.recomputeScores(q, now)
	heap.Init(&q.pq)

	var skipped []*entry
	var found *entry
	for q.pq.Len() > 0 {
		candidate := q.pq[0]
		if !candidate.item.NextRetryAt.IsZero() && candidate.item.NextRetryAt.After(now) {
			heap.Pop(&q.pq)
			skipped = append(skipped, candidate)
			continue
		}
		if q.cfg.Breakers != nil {
			breakerKey := workitem.BreakerKey{ProjectID: candidate.item.Key.ProjectID, Type: candidate.item.Type}
			if !q.cfg.Breakers.AllowDispatch(breakerKey) {
				heap.Pop(&q.pq)
				skipped = append(skipped, candidate)
				continue
			}
		}
		found = candidate
		heap.Pop(&q.pq)
		break
	}
	for _, e := range skipped {
		heap.Push(&q.pq, e)
	}
	if found == nil {
		return workitem.WorkItem{}, false
	}
	delete(q.byKey, found.item.Key)
	return found.item, true
}

// MarkRunning transitions item from dispatched-out-of-queue to the
// running set, recording a dispatch against the project's fairness
// share tracker.
func (q *Queue) MarkRunning(item workitem.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.Status = workitem.StatusRunning
	q.running[item.Key] = item
	q.dispatches.Record(item.Key.ProjectID)
}

// MarkDone removes item from the running set on a terminal outcome
// (success or dead-letter). Retries are re-enqueued via Enqueue, not
// this method; MarkDone is for items that leave C4 entirely.
func (q *Queue) MarkDone(key workitem.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, key)
}

// Requeue re-admits item after a retry decision, preserving its
// original EnqueuedAt for aging purposes (spec §4.4 restart semantics)
// while setting NextRetryAt to gate eligibility.
func (q *Queue) Requeue(item workitem.WorkItem, nextRetryAt time.Time) error {
	q.mu.Lock()
	delete(q.running, item.Key)
	q.mu.Unlock()

	item.NextRetryAt = nextRetryAt
	item.Status = workitem.StatusReenqueued
	return q.Enqueue(item)
}

// Size returns the total number of queued (not running) items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// ByProject returns queued items belonging to project.
func (q *Queue) ByProject(project string) []workitem.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []workitem.WorkItem
	for key, e := range q.byKey {
		if key.ProjectID == project {
			out = append(out, e.item)
		}
	}
	return out
}

// ByType returns queued items of the given type.
func (q *Queue) ByType(t workitem.Type) []workitem.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []workitem.WorkItem
	for _, e := range q.byKey {
		if e.item.Type == t {
			out = append(out, e.item)
		}
	}
	return out
}

// Snapshot returns every queued and running item, for persistence
// (C2) or CLI status reporting.
func (q *Queue) Snapshot() (queued []workitem.WorkItem, running []workitem.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.byKey {
		queued = append(queued, e.item)
	}
	for _, item := range q.running {
		running = append(running, item)
	}
	return queued, running
}

// Restore rebuilds the queue from a loaded snapshot (spec §4.4
// restore(items), used on C6 startup recovery).
func (q *Queue) Restore(queued []workitem.WorkItem, running []workitem.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pq = nil
	q.byKey = make(map[workitem.Key]*entry, len(queued))
	q.running = make(map[workitem.Key]workitem.WorkItem, len(running))

	for _, item := range queued {
		e := &entry{item: item}
		q.byKey[item.Key] = e
		heap.Push(&q.pq, e)
	}
	for _, item := range running {
		q.running[item.Key] = item
	}
}

// RunningSnapshot returns a copy of the running set, keyed by Key.
func (q *Queue) RunningSnapshot() map[workitem.Key]workitem.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[workitem.Key]workitem.WorkItem, len(q.running))
	for k, v := range q.running {
		out[k] = v
	}
	return out
}
