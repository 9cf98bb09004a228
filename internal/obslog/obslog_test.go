package obslog

import (
	"testing"

	"github.com/phuslu/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"info":    log.InfoLevel,
		"warn":    log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"fatal":   log.FatalLevel,
		"":        log.InfoLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithTaskAndKindDoNotPanic(t *testing.T) {
	l := NewDiscard()
	task := l.WithTask("acme", "42", "task-42")
	task.Info().Msg("dispatching")

	kinded := l.WithKind("network")
	kinded.Error().Msg("transient failure")
}
