package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/poppobuilder/dispatchd/internal/workitem"
)

func shCommand(script string) func(workitem.WorkItem) []string {
	return func(workitem.WorkItem) []string {
		return []string{"sh", "-c", script}
	}
}

func testItem(project, id string) workitem.WorkItem {
	return workitem.WorkItem{Key: workitem.Key{ProjectID: project, ItemID: id}, Type: workitem.TypeIssue}
}

func TestSubmitSuccess(t *testing.T) {
	p := New(Config{LogDir: t.TempDir(), Command: shCommand("exit 0")})
	item := testItem("acme", "1")

	if err := p.TryAcquire(item.Key.ProjectID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	result, err := p.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != workitem.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success", result.Outcome)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestSubmitTransientFailure(t *testing.T) {
	p := New(Config{LogDir: t.TempDir(), Command: shCommand("echo boom 1>&2; exit 1")})
	item := testItem("acme", "2")

	if err := p.TryAcquire(item.Key.ProjectID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	result, err := p.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != workitem.OutcomeTransient {
		t.Fatalf("Outcome = %v, want transient", result.Outcome)
	}
	if result.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", result.ExitCode)
	}
}

func TestSubmitHardFailure(t *testing.T) {
	// exit codes >= 100 are reserved for hard (non-retryable) failures.
	p := New(Config{LogDir: t.TempDir(), Command: shCommand("exit 100")})
	item := testItem("acme", "3")

	if err := p.TryAcquire(item.Key.ProjectID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	result, err := p.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != workitem.OutcomeHardFail {
		t.Fatalf("Outcome = %v, want hard_fail", result.Outcome)
	}
}

func TestSubmitTimeout(t *testing.T) {
	// S2: a worker that outlives task_timeout is killed and reported as
	// timeout, not left to finish.
	p := New(Config{
		LogDir:       t.TempDir(),
		Command:      shCommand("sleep 5"),
		TaskTimeout:  50 * time.Millisecond,
		GraceTimeout: 50 * time.Millisecond,
	})
	item := testItem("acme", "4")

	if err := p.TryAcquire(item.Key.ProjectID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	start := time.Now()
	result, err := p.Submit(context.Background(), item)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != workitem.OutcomeTimeout {
		t.Fatalf("Outcome = %v, want timeout", result.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("Submit took %v, worker was not killed promptly", elapsed)
	}
}

func TestCancelRunningTask(t *testing.T) {
	p := New(Config{
		LogDir:       t.TempDir(),
		Command:      shCommand("sleep 5"),
		GraceTimeout: 50 * time.Millisecond,
	})
	item := testItem("acme", "5")

	if err := p.TryAcquire(item.Key.ProjectID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	resultC := make(chan workitem.Result, 1)
	go func() {
		result, err := p.Submit(context.Background(), item)
		if err != nil {
			t.Errorf("Submit: %v", err)
			return
		}
		resultC <- result
	}()

	// Give the child a moment to start before canceling.
	time.Sleep(50 * time.Millisecond)
	if !p.Cancel(item.Key) {
		t.Fatal("Cancel: no running task found")
	}

	select {
	case result := <-resultC:
		if result.Outcome != workitem.OutcomeCanceled {
			t.Fatalf("Outcome = %v, want canceled", result.Outcome)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Submit did not return after Cancel")
	}
}

func TestTryAcquireGlobalSaturation(t *testing.T) {
	p := New(Config{MaxConcurrentGlobal: 1})
	if err := p.TryAcquire("acme"); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	if err := p.TryAcquire("acme"); err != ErrSaturated {
		t.Fatalf("second TryAcquire = %v, want ErrSaturated", err)
	}
}

func TestTryAcquirePerProjectSaturation(t *testing.T) {
	p := New(Config{MaxConcurrentGlobal: 4, MaxConcurrentPerProject: 1})
	if err := p.TryAcquire("acme"); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	err := p.TryAcquire("acme")
	if _, ok := err.(*ErrProjectSaturated); !ok {
		t.Fatalf("second TryAcquire = %v, want *ErrProjectSaturated", err)
	}
	// A different project is unaffected by acme's per-project cap.
	if err := p.TryAcquire("globex"); err != nil {
		t.Fatalf("other project TryAcquire: %v", err)
	}
}

func TestTryAcquirePerProjectStartRateLimit(t *testing.T) {
	now := time.Now()
	p := New(Config{
		MaxConcurrentGlobal:  10,
		PerProjectStartRate:  1,
		PerProjectStartBurst: 2,
	}).WithClock(func() time.Time { return now })

	if err := p.TryAcquire("acme"); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	p.Release("acme")
	if err := p.TryAcquire("acme"); err != nil {
		t.Fatalf("second TryAcquire (within burst): %v", err)
	}
	p.Release("acme")

	err := p.TryAcquire("acme")
	if _, ok := err.(*ErrProjectRateLimited); !ok {
		t.Fatalf("third TryAcquire = %v, want *ErrProjectRateLimited", err)
	}

	// A different project has its own independent limiter.
	if err := p.TryAcquire("globex"); err != nil {
		t.Fatalf("other project TryAcquire: %v", err)
	}

	now = now.Add(time.Second)
	if err := p.TryAcquire("acme"); err != nil {
		t.Fatalf("TryAcquire after refill: %v", err)
	}
}

func TestEnvironmentIsClosedSet(t *testing.T) {
	p := New(Config{Locale: "fr_FR.UTF-8"})
	item := testItem("acme", "6")
	item.Type = workitem.TypeReview

	env := p.environment(item, "/var/log/poppobuilder/acme/6.log")
	want := map[string]string{
		"PROJECT_ID": "acme",
		"ITEM_ID":    "6",
		"TASK_TYPE":  "review",
		"LOG_DIR":    "/var/log/poppobuilder/acme",
		"LOCALE":     "fr_FR.UTF-8",
	}
	if len(env) != len(want) {
		t.Fatalf("environment has %d entries, want %d: %v", len(env), len(want), env)
	}
}
