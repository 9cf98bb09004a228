package retry

import (
	"sync"
	"time"

	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// BreakerConfig parameterizes the circuit breaker state machine (spec
// §4.3, §6 circuit_breaker.*).
type BreakerConfig struct {
	Threshold      int           // consecutive failures to open, default 5
	Cooldown       time.Duration // open -> half_open delay
	HalfOpenProbes int           // concurrent probes admitted while half_open, default 2
}

func defaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second, HalfOpenProbes: 2}
}

type breakerEntry struct {
	state               workitem.BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbesUsed  int
}

// BreakerStore holds one circuit breaker per (project, type) key
// (spec §3 CircuitBreaker, process-wide singleton per key).
type BreakerStore struct {
	cfg BreakerConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[workitem.BreakerKey]*breakerEntry
}

// NewBreakerStore creates a store with the given config. A zero
// BreakerConfig is replaced with defaultBreakerConfig.
func NewBreakerStore(cfg BreakerConfig) *BreakerStore {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultBreakerConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultBreakerConfig().Cooldown
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = defaultBreakerConfig().HalfOpenProbes
	}
	return &BreakerStore{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[workitem.BreakerKey]*breakerEntry),
	}
}

// WithClock overrides the time source, for tests.
func (s *BreakerStore) WithClock(now func() time.Time) *BreakerStore {
	s.now = now
	return s
}

func (s *BreakerStore) entry(key workitem.BreakerKey) *breakerEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &breakerEntry{state: workitem.BreakerClosed}
		s.entries[key] = e
	}
	return e
}

// transitionIfCooled moves an open breaker to half_open once cooldown
// has elapsed. Caller must hold s.mu.
func (s *BreakerStore) transitionIfCooled(e *breakerEntry) {
	if e.state == workitem.BreakerOpen && s.now().Sub(e.openedAt) >= s.cfg.Cooldown {
		e.state = workitem.BreakerHalfOpen
		e.halfOpenProbesUsed = 0
	}
}

// State returns the current (possibly just-cooled) state for key.
func (s *BreakerStore) State(key workitem.BreakerKey) workitem.BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	s.transitionIfCooled(e)
	return e.state
}

// AllowDispatch reports whether an item of this key may be dispatched:
// true when closed, or half_open with remaining probe budget (and
// reserves one probe slot in that case). False when open (P7).
func (s *BreakerStore) AllowDispatch(key workitem.BreakerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	s.transitionIfCooled(e)
	switch e.state {
	case workitem.BreakerClosed:
		return true
	case workitem.BreakerHalfOpen:
		if e.halfOpenProbesUsed < s.cfg.HalfOpenProbes {
			e.halfOpenProbesUsed++
			return true
		}
		return false
	default: // open
		return false
	}
}

// RecordSuccess closes the breaker (from any state) and resets the
// consecutive-failure counter.
func (s *BreakerStore) RecordSuccess(key workitem.BreakerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	e.state = workitem.BreakerClosed
	e.consecutiveFailures = 0
	e.halfOpenProbesUsed = 0
}

// RecordFailure increments the consecutive-failure counter and opens
// the breaker if threshold is reached (closed state), or immediately
// reopens it on any failure while half_open (spec §4.3).
func (s *BreakerStore) RecordFailure(key workitem.BreakerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	s.transitionIfCooled(e)
	switch e.state {
	case workitem.BreakerHalfOpen:
		e.state = workitem.BreakerOpen
		e.openedAt = s.now()
		e.halfOpenProbesUsed = 0
	default:
		e.consecutiveFailures++
		if e.consecutiveFailures >= s.cfg.Threshold {
			e.state = workitem.BreakerOpen
			e.openedAt = s.now()
		}
	}
}

// Snapshot returns a persistable view of every breaker, keyed by
// "project_id/type" matching persistence.State.Breakers.
func (s *BreakerStore) Snapshot() map[string]BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(s.entries))
	for key, e := range s.entries {
		out[key.ProjectID+"/"+string(key.Type)] = BreakerSnapshot{
			State:               e.state,
			ConsecutiveFailures: e.consecutiveFailures,
			OpenedAt:            e.openedAt,
		}
	}
	return out
}

// BreakerSnapshot is the persistable view of one breakerEntry.
type BreakerSnapshot struct {
	State               workitem.BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Restore replaces the store's state from a previously captured
// Snapshot, used on startup recovery (C6 step 1).
func (s *BreakerStore) Restore(key workitem.BreakerKey, snap BreakerSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &breakerEntry{
		state:               snap.State,
		consecutiveFailures: snap.ConsecutiveFailures,
		openedAt:            snap.OpenedAt,
	}
}
