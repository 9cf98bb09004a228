package retry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// DeadLetterStore holds abandoned WorkItems in memory; the Dispatcher
// is responsible for persisting it via internal/persistence alongside
// queue/retry state (C2 owns durability, this owns the in-process
// view and the Reinject operation).
type DeadLetterStore struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	byID    map[string]workitem.DeadLetter
	byKey   map[workitem.Key]string
}

// NewDeadLetterStore creates a store retaining records for retention
// (spec §3: "retained for a configurable number of days").
func NewDeadLetterStore(retention time.Duration) *DeadLetterStore {
	return &DeadLetterStore{
		retention: retention,
		now:       time.Now,
		byID:      make(map[string]workitem.DeadLetter),
		byKey:     make(map[workitem.Key]string),
	}
}

// WithClock overrides the time source, for tests.
func (s *DeadLetterStore) WithClock(now func() time.Time) *DeadLetterStore {
	s.now = now
	return s
}

// Add records item as dead-lettered, generating a fresh id. It refuses
// a second dead-letter for a key already held (I-1: at most one of
// {queue, running, dead-letter} at a time).
func (s *DeadLetterStore) Add(item workitem.WorkItem, state workitem.RetryState, reason workitem.DeadLetterReason) (workitem.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byKey[item.Key]; ok {
		return s.byID[existingID], fmt.Errorf("retry: item %s already dead-lettered as %s", item.Key, existingID)
	}

	dl := workitem.DeadLetter{
		ID:         uuid.NewString(),
		Item:       item,
		Reason:     reason,
		RetryState: state,
		Payload:    item.Payload,
		CreatedAt:  s.now(),
	}
	s.byID[dl.ID] = dl
	s.byKey[item.Key] = dl.ID
	return dl, nil
}

// Get returns the dead letter with id, or false if absent.
func (s *DeadLetterStore) Get(id string) (workitem.DeadLetter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.byID[id]
	return dl, ok
}

// List returns every current dead letter, oldest first.
func (s *DeadLetterStore) List() []workitem.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]workitem.DeadLetter, 0, len(s.byID))
	for _, dl := range s.byID {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Reinject removes id from the dead-letter store and returns a fresh
// WorkItem with RetryState reset and EnqueuedAt set to now, ready for
// re-admission through Queue.Enqueue (spec §7 names
// `retry_dead_letter(id)`). The re-admitted item is ordered by effective
// score like any new arrival; it is not placed at the head of the queue.
func (s *DeadLetterStore) Reinject(id string) (workitem.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.byID[id]
	if !ok {
		return workitem.WorkItem{}, fmt.Errorf("retry: no dead letter with id %q", id)
	}
	delete(s.byID, id)
	delete(s.byKey, dl.Item.Key)

	item := dl.Item
	item.Status = workitem.StatusEnqueued
	item.EnqueuedAt = s.now()
	item.NextRetryAt = time.Time{}
	return item, nil
}

// PruneExpired deletes dead letters older than retention, returning
// how many were removed.
func (s *DeadLetterStore) PruneExpired() int {
	if s.retention <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	removed := 0
	for id, dl := range s.byID {
		if dl.CreatedAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.byKey, dl.Item.Key)
			removed++
		}
	}
	return removed
}

// Has reports whether key currently has a dead-letter record,
// used by the Task Queue to enforce invariant I-1 on enqueue.
func (s *DeadLetterStore) Has(key workitem.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}
