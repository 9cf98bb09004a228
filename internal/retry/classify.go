package retry

import (
	"regexp"

	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// Classifier maps a worker Result to an ErrorKind. Custom classifiers
// registered via Controller.RegisterClassifier are evaluated, in
// insertion order, before the built-in taxonomy (spec §4.3, §9:
// "isolate [regex classification] behind the Retry Controller's
// classifier interface so custom predicates can be registered").
type Classifier interface {
	Name() string
	Classify(result workitem.Result) (workitem.ErrorKind, bool)
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc struct {
	FuncName string
	Predicate func(workitem.Result) (workitem.ErrorKind, bool)
}

func (f ClassifierFunc) Name() string { return f.FuncName }
func (f ClassifierFunc) Classify(result workitem.Result) (workitem.ErrorKind, bool) {
	return f.Predicate(result)
}

var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`)
	networkPattern   = regexp.MustCompile(`(?i)connection (refused|reset)|no route to host|network is unreachable|dial tcp|EOF|broken pipe`)
	apiErrorPattern  = regexp.MustCompile(`\b5\d\d\b|internal server error|bad gateway|service unavailable|gateway timeout`)
	authPattern      = regexp.MustCompile(`(?i)\b401\b|\b403\b|unauthorized|forbidden|invalid.?(api.?key|credential|token)`)
	validationPattern = regexp.MustCompile(`\b4\d\d\b|bad request|unprocessable entity|validation failed`)
)

// builtinClassifiers implements the closed taxonomy of spec §4.3,
// items 1-7, evaluated in order; the first predicate to match wins.
// Timeout is classified structurally (Result.Outcome), not textually,
// since the Worker Pool already distinguishes it from a generic error.
var builtinClassifiers = []Classifier{
	ClassifierFunc{"timeout", func(r workitem.Result) (workitem.ErrorKind, bool) {
		if r.Outcome == workitem.OutcomeTimeout {
			return workitem.KindTimeout, true
		}
		return "", false
	}},
	ClassifierFunc{"rate-limit", func(r workitem.Result) (workitem.ErrorKind, bool) {
		if rateLimitPattern.MatchString(r.ErrorText) {
			return workitem.KindRateLimit, true
		}
		return "", false
	}},
	ClassifierFunc{"network", func(r workitem.Result) (workitem.ErrorKind, bool) {
		if networkPattern.MatchString(r.ErrorText) {
			return workitem.KindNetwork, true
		}
		return "", false
	}},
	ClassifierFunc{"api-error", func(r workitem.Result) (workitem.ErrorKind, bool) {
		if apiErrorPattern.MatchString(r.ErrorText) {
			return workitem.KindAPIError, true
		}
		return "", false
	}},
	ClassifierFunc{"auth", func(r workitem.Result) (workitem.ErrorKind, bool) {
		if authPattern.MatchString(r.ErrorText) {
			return workitem.KindAuth, true
		}
		return "", false
	}},
	ClassifierFunc{"validation", func(r workitem.Result) (workitem.ErrorKind, bool) {
		if validationPattern.MatchString(r.ErrorText) {
			return workitem.KindValidation, true
		}
		return "", false
	}},
}

// classify applies custom then built-in classifiers, falling back to
// KindUnknown (P5: classifying the same error twice yields the same
// kind, since every classifier here is a pure function of result).
func classify(custom []Classifier, result workitem.Result) workitem.ErrorKind {
	for _, c := range custom {
		if kind, ok := c.Classify(result); ok {
			return kind
		}
	}
	for _, c := range builtinClassifiers {
		if kind, ok := c.Classify(result); ok {
			return kind
		}
	}
	return workitem.KindUnknown
}
