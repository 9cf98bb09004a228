package retry

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// DecisionKind is what the Controller tells the Dispatcher to do next.
type DecisionKind string

const (
	DecisionRetry      DecisionKind = "retry"
	DecisionDeadLetter DecisionKind = "dead-letter"
)

// Decision is the Controller's verdict for one failed attempt.
type Decision struct {
	Kind        DecisionKind
	Delay       time.Duration // valid when Kind == DecisionRetry
	Reason      workitem.DeadLetterReason // valid when Kind == DecisionDeadLetter
	ClassifiedKind workitem.ErrorKind
}

// AlertKind is the closed set of anomalies the Controller can raise
// (spec §4.3 "anomaly detection"), consumed by C7/internal/alert.
type AlertKind string

const (
	AlertConsecutiveFailures AlertKind = "consecutive-failures"
	AlertRetryStorm          AlertKind = "retry-storm"
)

// Alert is emitted via Controller.OnAlert, if set.
type Alert struct {
	Kind      AlertKind
	Key       workitem.Key
	ErrorKind workitem.ErrorKind
	Count     int
	At        time.Time
}

// Config parameterizes a Controller.
type Config struct {
	Breaker BreakerConfig

	// AlertThreshold is the number of consecutive failures for a single
	// item that raises AlertConsecutiveFailures (spec §4.3).
	AlertThreshold int

	// StormWindow/StormMax bound "retry storms": more than StormMax
	// retries for the same key within a trailing StormWindow (spec
	// §4.3 default: 5 minutes).
	StormWindow time.Duration
	StormMax    int

	DeadLetterRetention time.Duration
}

func defaultConfig() Config {
	return Config{
		Breaker:             defaultBreakerConfig(),
		AlertThreshold:       5,
		StormWindow:          5 * time.Minute,
		StormMax:             10,
		DeadLetterRetention:  7 * 24 * time.Hour,
	}
}

// Controller implements C3: classify failures, compute backoff,
// maintain circuit breakers, and route unrecoverable items to the
// dead-letter store (spec §4.3).
type Controller struct {
	cfg      Config
	policies map[workitem.ErrorKind]BackoffPolicy
	custom   []Classifier
	now      func() time.Time

	Breakers   *BreakerStore
	DeadLetters *DeadLetterStore

	storm   *catrate.Limiter
	OnAlert func(Alert)
}

// New creates a Controller. A zero Config is replaced with
// defaultConfig.
func New(cfg Config) *Controller {
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker = defaultConfig().Breaker
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = defaultConfig().AlertThreshold
	}
	if cfg.StormWindow <= 0 {
		cfg.StormWindow = defaultConfig().StormWindow
	}
	if cfg.StormMax <= 0 {
		cfg.StormMax = defaultConfig().StormMax
	}
	if cfg.DeadLetterRetention <= 0 {
		cfg.DeadLetterRetention = defaultConfig().DeadLetterRetention
	}

	return &Controller{
		cfg:         cfg,
		policies:    builtinPolicies(),
		now:         time.Now,
		Breakers:    NewBreakerStore(cfg.Breaker),
		DeadLetters: NewDeadLetterStore(cfg.DeadLetterRetention),
		storm:       catrate.NewLimiter(map[time.Duration]int{cfg.StormWindow: cfg.StormMax}),
	}
}

// WithClock overrides the time source on the Controller and its
// nested breaker/dead-letter stores, for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	c.Breakers.WithClock(now)
	c.DeadLetters.WithClock(now)
	return c
}

// RegisterClassifier prepends a custom classifier, evaluated before
// the built-in taxonomy (spec §4.3 "pluggable custom classifiers may
// prepend to this list").
func (c *Controller) RegisterClassifier(classifier Classifier) {
	c.custom = append(c.custom, classifier)
}

// SetPolicy overrides the backoff policy for kind (spec §6
// max_retries.<kind>, backoff.*).
func (c *Controller) SetPolicy(kind workitem.ErrorKind, policy BackoffPolicy) {
	c.policies[kind] = policy
}

func (c *Controller) policyFor(kind workitem.ErrorKind) BackoffPolicy {
	if p, ok := c.policies[kind]; ok {
		return p
	}
	return defaultPolicy
}

// Decide implements the spec §4.3 decision algorithm for a failed
// attempt. state is mutated in place to reflect the new attempt; the
// caller owns persisting it via internal/persistence.
func (c *Controller) Decide(item workitem.WorkItem, state *workitem.RetryState, result workitem.Result) Decision {
	now := c.now()
	breakerKey := workitem.BreakerKey{ProjectID: item.Key.ProjectID, Type: item.Type}

	// Step 1: open (uncooled) breaker short-circuits to dead-letter.
	if c.Breakers.State(breakerKey) == workitem.BreakerOpen {
		c.finalizeDeadLetter(state)
		return Decision{Kind: DecisionDeadLetter, Reason: workitem.ReasonCircuitBreakerOpen}
	}

	c.Breakers.RecordFailure(breakerKey)

	// Step 2: classify, compute attempts+1.
	kind := classify(c.custom, result)
	attempt := state.Attempts + 1
	state.Attempts = attempt
	state.Errors = append(state.Errors, workitem.AttemptRecord{At: now, Kind: kind, Text: result.ErrorText})
	state.LastErrorAt = now
	if state.FirstAttemptAt.IsZero() {
		state.FirstAttemptAt = now
	}

	c.trackAnomalies(item.Key, kind, attempt, now)

	policy := c.policyFor(kind)

	// Step 3: per-kind cap or item-specific override exceeded.
	maxRetries := policy.MaxRetries
	if item.MaxRetries != nil {
		maxRetries = *item.MaxRetries
	}
	if attempt > maxRetries {
		c.finalizeDeadLetter(state)
		return Decision{Kind: DecisionDeadLetter, Reason: workitem.ReasonMaxRetriesExceeded, ClassifiedKind: kind}
	}

	delay := policy.delay(attempt)
	if result.RetryAfter != nil && *result.RetryAfter > delay {
		delay = *result.RetryAfter // server-supplied hint wins (spec §4.3 item 1, S5)
	}

	// Step 4: deadline check.
	if item.Deadline != nil && now.Add(delay).After(*item.Deadline) {
		c.finalizeDeadLetter(state)
		return Decision{Kind: DecisionDeadLetter, Reason: workitem.ReasonDeadlineExceeded, ClassifiedKind: kind}
	}

	// Step 5: schedule retry.
	state.NextRetryAt = now.Add(delay)
	state.Status = workitem.RetryScheduled
	return Decision{Kind: DecisionRetry, Delay: delay, ClassifiedKind: kind}
}

// DecideCrashRecovery handles the synthetic failure the Dispatcher
// raises during startup reconciliation (spec §4.6 step 2, S4): it
// always retries and never dead-letters on its own, but still
// increments Attempts.
func (c *Controller) DecideCrashRecovery(state *workitem.RetryState) Decision {
	now := c.now()
	state.Attempts++
	state.Errors = append(state.Errors, workitem.AttemptRecord{At: now, Kind: workitem.KindCrashRecovery})
	state.LastErrorAt = now
	if state.FirstAttemptAt.IsZero() {
		state.FirstAttemptAt = now
	}
	state.NextRetryAt = now
	state.Status = workitem.RetryScheduled
	return Decision{Kind: DecisionRetry, Delay: 0, ClassifiedKind: workitem.KindCrashRecovery}
}

// Succeed records a success on the (project, type) breaker, closing it;
// it returns nothing, and dropping the item's RetryState is left to the
// caller.
func (c *Controller) Succeed(item workitem.WorkItem) {
	breakerKey := workitem.BreakerKey{ProjectID: item.Key.ProjectID, Type: item.Type}
	c.Breakers.RecordSuccess(breakerKey)
}

func (c *Controller) finalizeDeadLetter(state *workitem.RetryState) {
	state.Status = workitem.RetryActive
	state.NextRetryAt = time.Time{}
}

// trackAnomalies raises AlertConsecutiveFailures once attempt reaches
// the configured threshold, and AlertRetryStorm when more than
// StormMax retries for key land inside StormWindow.
func (c *Controller) trackAnomalies(key workitem.Key, kind workitem.ErrorKind, attempt int, now time.Time) {
	if c.OnAlert == nil {
		return
	}
	if attempt == c.cfg.AlertThreshold {
		c.OnAlert(Alert{Kind: AlertConsecutiveFailures, Key: key, ErrorKind: kind, Count: attempt, At: now})
	}
	if _, ok := c.storm.Allow(key.String()); !ok {
		c.OnAlert(Alert{Kind: AlertRetryStorm, Key: key, ErrorKind: kind, Count: attempt, At: now})
	}
}
