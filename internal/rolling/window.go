// Package rolling implements small time-bounded counters: windows
// sized by wall-clock duration rather than sample count, with a hard
// capacity and oldest-first eviction. Used wherever a component needs
// a numeric trend or share (not just an admit/deny boolean, which
// github.com/joeycumines/go-catrate already covers) over a recent
// window: C4's per-project dispatch share. C7's metric trends use
// internal/monitor's own count-based ring buffer instead.
package rolling

import (
	"sync"
	"time"
)

// Counter tracks timestamped events within a trailing duration, per
// category, with a hard cap on retained events to bound memory even
// under a pathological burst (spec §9: "unbounded in-memory metric
// buffers" must be sized by time with a hard cap and oldest eviction).
type Counter struct {
	window time.Duration
	cap    int
	now    func() time.Time

	mu   sync.Mutex
	byCat map[string][]time.Time
}

// NewCounter creates a Counter retaining events within window, capped
// at maxPerCategory events per category (oldest dropped first if the
// cap is exceeded before time-based eviction catches up).
func NewCounter(window time.Duration, maxPerCategory int) *Counter {
	return &Counter{
		window: window,
		cap:    maxPerCategory,
		now:    time.Now,
		byCat:  make(map[string][]time.Time),
	}
}

// WithClock overrides the time source, for tests.
func (c *Counter) WithClock(now func() time.Time) *Counter {
	c.now = now
	return c
}

// Record adds one event for category at the current time.
func (c *Counter) Record(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	events := append(c.byCat[category], now)
	events = c.evict(events, now)
	c.byCat[category] = events
}

// Count returns the number of events for category within the window.
func (c *Counter) Count(category string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.evict(c.byCat[category], c.now())
	c.byCat[category] = events
	return len(events)
}

// Total returns the sum of Count across every category that has
// recorded at least one event within the window.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	total := 0
	for cat, events := range c.byCat {
		events = c.evict(events, now)
		c.byCat[cat] = events
		total += len(events)
	}
	return total
}

// Share returns category's fraction of Total() within the window, or
// 0 if there have been no events at all (avoids division by zero).
func (c *Counter) Share(category string) float64 {
	c.mu.Lock()
	now := c.now()
	var total, catCount int
	for cat, events := range c.byCat {
		events = c.evict(events, now)
		c.byCat[cat] = events
		total += len(events)
		if cat == category {
			catCount = len(events)
		}
	}
	c.mu.Unlock()

	if total == 0 {
		return 0
	}
	return float64(catCount) / float64(total)
}

// evict drops events older than the window and, if still over cap,
// the oldest excess events. Caller must hold c.mu.
func (c *Counter) evict(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		events = events[i:]
	}
	if c.cap > 0 && len(events) > c.cap {
		events = events[len(events)-c.cap:]
	}
	return events
}
