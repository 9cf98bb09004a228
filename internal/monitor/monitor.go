// Package monitor implements C7: periodic sampling of dispatch-engine
// health metrics, rolling trend windows, threshold-triggered alerts with
// cooldown suppression, and a subscription interface for collaborators.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricKind is the closed set of metrics C7 samples (spec §4.7).
type MetricKind string

const (
	MetricRunningWorkers  MetricKind = "running-workers"
	MetricQueueDepth      MetricKind = "queue-depth"
	MetricLockFailureRate MetricKind = "lock-failure-rate"
	MetricTaskErrorRate   MetricKind = "task-error-rate"
	MetricHostMemPercent  MetricKind = "host-memory-percent"
	MetricHostCPUPercent  MetricKind = "host-cpu-percent"
	MetricActiveRetries   MetricKind = "active-retries"
)

// Sample is one round of readings across every sampled metric.
type Sample struct {
	At              time.Time
	RunningWorkers  float64
	QueueDepth      float64
	LockFailureRate float64
	TaskErrorRate   float64
	HostMemPercent  float64
	HostCPUPercent  float64
	ActiveRetries   float64
}

func (s Sample) value(kind MetricKind) float64 {
	switch kind {
	case MetricRunningWorkers:
		return s.RunningWorkers
	case MetricQueueDepth:
		return s.QueueDepth
	case MetricLockFailureRate:
		return s.LockFailureRate
	case MetricTaskErrorRate:
		return s.TaskErrorRate
	case MetricHostMemPercent:
		return s.HostMemPercent
	case MetricHostCPUPercent:
		return s.HostCPUPercent
	case MetricActiveRetries:
		return s.ActiveRetries
	default:
		return 0
	}
}

// Sources supplies the live readings the Monitor samples on each tick.
// Every field is required except HostMemPercent/HostCPUPercent, which fall
// back to the built-in /proc reader when nil (Linux only).
type Sources struct {
	RunningWorkers  func() int
	QueueDepth      func() int
	LockFailureRate func() float64
	TaskErrorRate   func() float64
	ActiveRetries   func() int
	HostMemPercent  func() (float64, error)
	HostCPUPercent  func() (float64, error)
}

// Threshold configures when a metric raises an alert (spec §4.7).
type Threshold struct {
	Max      float64
	Severity int
	Cooldown time.Duration // suppression window after firing; default 5m
}

// Config bundles C7's tunables.
type Config struct {
	Interval   time.Duration // default 30s
	WindowSize int           // samples retained per metric for trend; default 100
	Thresholds map[MetricKind]Threshold
}

func defaultConfig() Config {
	return Config{Interval: 30 * time.Second, WindowSize: 100}
}

// Alert is a named threshold breach (spec §4.7).
type Alert struct {
	Kind      MetricKind
	Value     float64
	Threshold float64
	At        time.Time
}

// Monitor is C7. Sampling and threshold evaluation run on its own
// goroutine started by Run; subscribers receive Alerts over channels
// handed out by Subscribe, matching spec §4.7's "surfaced... through a
// subscription interface" requirement without letting a slow subscriber
// block the sampler (each subscriber channel is buffered and dropped from
// rather than blocked on).
type Monitor struct {
	cfg     Config
	sources Sources
	now     func() time.Time

	mu          sync.Mutex
	windows     map[MetricKind]*window
	lastAlertAt map[MetricKind]time.Time
	subscribers map[chan Alert]struct{}
	latest      Sample

	gauges map[MetricKind]prometheus.Gauge
}

// New creates a Monitor. A zero Config is replaced with defaults
// (30s interval, 100-sample windows).
func New(cfg Config, sources Sources, registerer prometheus.Registerer) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultConfig().Interval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultConfig().WindowSize
	}
	if sources.HostMemPercent == nil {
		sources.HostMemPercent = hostMemPercent
	}
	if sources.HostCPUPercent == nil {
		sources.HostCPUPercent = hostCPUPercent
	}

	m := &Monitor{
		cfg:         cfg,
		sources:     sources,
		now:         time.Now,
		windows:     make(map[MetricKind]*window),
		lastAlertAt: make(map[MetricKind]time.Time),
		subscribers: make(map[chan Alert]struct{}),
		gauges:      make(map[MetricKind]prometheus.Gauge),
	}
	for _, kind := range allMetricKinds {
		m.windows[kind] = newWindow(cfg.WindowSize)
	}
	if registerer != nil {
		factory := promauto.With(registerer)
		for _, kind := range allMetricKinds {
			kind := kind
			m.gauges[kind] = factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "poppobuilderd",
				Subsystem: "monitor",
				Name:      gaugeName(kind),
				Help:      "poppobuilderd " + string(kind) + " sampled by the process monitor",
			})
		}
	}
	return m
}

// WithClock overrides the time source, for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run samples on cfg.Interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one reading across every metric, records it into the
// rolling windows, updates Prometheus gauges, and evaluates thresholds.
// Exported so tests and a manual "poppobuilder status" refresh can
// trigger a sample without waiting on the ticker.
func (m *Monitor) Sample() Sample {
	memPct, _ := m.sources.HostMemPercent()
	cpuPct, _ := m.sources.HostCPUPercent()

	s := Sample{
		At:              m.now(),
		RunningWorkers:  float64(valueOrZero(m.sources.RunningWorkers)),
		QueueDepth:      float64(valueOrZero(m.sources.QueueDepth)),
		LockFailureRate: floatOrZero(m.sources.LockFailureRate),
		TaskErrorRate:   floatOrZero(m.sources.TaskErrorRate),
		ActiveRetries:   float64(valueOrZero(m.sources.ActiveRetries)),
		HostMemPercent:  memPct,
		HostCPUPercent:  cpuPct,
	}

	m.mu.Lock()
	m.latest = s
	for _, kind := range allMetricKinds {
		v := s.value(kind)
		m.windows[kind].add(v)
		if g, ok := m.gauges[kind]; ok {
			g.Set(v)
		}
	}
	m.mu.Unlock()

	m.evaluateThresholds(s)
	return s
}

func valueOrZero(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

func floatOrZero(fn func() float64) float64 {
	if fn == nil {
		return 0
	}
	return fn()
}

// evaluateThresholds raises an Alert for every metric whose configured
// Threshold is breached and not within its cooldown window.
func (m *Monitor) evaluateThresholds(s Sample) {
	now := s.At
	for kind, th := range m.cfg.Thresholds {
		v := s.value(kind)
		if v <= th.Max {
			continue
		}
		cooldown := th.Cooldown
		if cooldown <= 0 {
			cooldown = 5 * time.Minute
		}

		m.mu.Lock()
		last, fired := m.lastAlertAt[kind]
		suppressed := fired && now.Sub(last) < cooldown
		if !suppressed {
			m.lastAlertAt[kind] = now
		}
		m.mu.Unlock()

		if suppressed {
			continue
		}
		m.publish(Alert{Kind: kind, Value: v, Threshold: th.Max, At: now})
	}
}

// Subscribe returns a channel that receives every Alert raised from this
// point on. Call Unsubscribe when done to release it.
func (m *Monitor) Subscribe() <-chan Alert {
	ch := make(chan Alert, 16)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe and
// closes it.
func (m *Monitor) Unsubscribe(ch <-chan Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.subscribers {
		if c == ch {
			delete(m.subscribers, c)
			close(c)
			return
		}
	}
}

// publish fans an Alert out to every subscriber without blocking the
// sampler loop on a slow or abandoned reader.
func (m *Monitor) publish(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- a:
		default:
		}
	}
}

// Trend returns the recorded samples for kind, oldest first, for trend
// computation by a caller (e.g. "status --json").
func (m *Monitor) Trend(kind MetricKind) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[kind]
	if !ok {
		return nil
	}
	return w.values()
}

// Latest returns the most recent Sample taken.
func (m *Monitor) Latest() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

var allMetricKinds = []MetricKind{
	MetricRunningWorkers,
	MetricQueueDepth,
	MetricLockFailureRate,
	MetricTaskErrorRate,
	MetricHostMemPercent,
	MetricHostCPUPercent,
	MetricActiveRetries,
}

func gaugeName(kind MetricKind) string {
	out := make([]byte, 0, len(kind))
	for _, r := range string(kind) {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
