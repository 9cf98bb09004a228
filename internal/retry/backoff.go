package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// Strategy is the closed set of backoff growth functions (spec §6
// backoff.strategy).
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyImmediate   Strategy = "immediate"
)

// BackoffPolicy parameterizes delay computation for one ErrorKind.
type BackoffPolicy struct {
	Strategy   Strategy
	Base       time.Duration
	Ceiling    time.Duration
	Multiplier float64
	Jitter     float64 // fraction, e.g. 0.1 = ±10%
	MaxRetries int
}

// defaultPolicy is the spec §4.3 default: base=1s, ceiling=5min,
// multiplier=2, jitter=10%.
var defaultPolicy = BackoffPolicy{
	Strategy:   StrategyExponential,
	Base:       time.Second,
	Ceiling:    5 * time.Minute,
	Multiplier: 2,
	Jitter:     0.10,
	MaxRetries: 3,
}

// builtinPolicies holds the per-kind overrides from spec §4.3's taxonomy
// table. Controller.policyFor falls back to defaultPolicy for any kind
// absent here (e.g. custom classifier kinds).
func builtinPolicies() map[workitem.ErrorKind]BackoffPolicy {
	return map[workitem.ErrorKind]BackoffPolicy{
		workitem.KindRateLimit: {Strategy: StrategyFixed, Base: time.Second, Ceiling: time.Minute, Jitter: 0.10, MaxRetries: 5},
		workitem.KindNetwork:   {Strategy: StrategyExponential, Base: time.Second, Ceiling: 5 * time.Minute, Multiplier: 2, Jitter: 0.10, MaxRetries: 5},
		workitem.KindTimeout:   {Strategy: StrategyExponential, Base: time.Second, Ceiling: 5 * time.Minute, Multiplier: 2, Jitter: 0.10, MaxRetries: 3},
		workitem.KindAPIError: {Strategy: StrategyExponential, Base: time.Second, Ceiling: 5 * time.Minute, Multiplier: 2, Jitter: 0.10, MaxRetries: 2},
		workitem.KindAuth:     {Strategy: StrategyImmediate, MaxRetries: 0},
		workitem.KindValidation: {Strategy: StrategyImmediate, MaxRetries: 0},
		workitem.KindUnknown:  defaultPolicy,
		workitem.KindCrashRecovery: {Strategy: StrategyImmediate, MaxRetries: math.MaxInt32},
	}
}

// delay computes the backoff for the given attempt count (1-indexed:
// the first failure is attempt 1), applying uniform jitter.
func (p BackoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var raw time.Duration
	switch p.Strategy {
	case StrategyImmediate:
		raw = 0
	case StrategyFixed:
		raw = p.Base
	case StrategyLinear:
		raw = p.Base * time.Duration(attempt)
	case StrategyExponential:
		fallthrough
	default:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		raw = time.Duration(float64(p.Base) * math.Pow(mult, float64(attempt-1)))
	}
	if p.Ceiling > 0 && raw > p.Ceiling {
		raw = p.Ceiling
	}
	if raw <= 0 {
		return 0
	}
	if p.Jitter > 0 {
		spread := float64(raw) * p.Jitter
		raw = time.Duration(float64(raw) + (rand.Float64()*2-1)*spread)
		if raw < 0 {
			raw = 0
		}
	}
	return raw
}
