// Package workerpool implements C5: a bounded-concurrency executor that
// runs each WorkItem as an isolated child process.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// ErrSaturated is returned by Submit when the global concurrency cap is
// reached (spec §4.5 backpressure: "the pool refuses new submissions").
var ErrSaturated = fmt.Errorf("workerpool: at global concurrency cap")

// ErrProjectSaturated is returned by Submit when the soft per-project cap
// is reached, even though global capacity remains.
type ErrProjectSaturated struct {
	ProjectID string
	Cap       int
}

func (e *ErrProjectSaturated) Error() string {
	return fmt.Sprintf("workerpool: project %q at concurrency cap (%d)", e.ProjectID, e.Cap)
}

// ErrProjectRateLimited is returned by TryAcquire when a project has a
// free concurrency slot but is starting workers faster than its soft
// admission rate allows.
type ErrProjectRateLimited struct {
	ProjectID string
}

func (e *ErrProjectRateLimited) Error() string {
	return fmt.Sprintf("workerpool: project %q over its soft start-rate limit", e.ProjectID)
}

// Config bundles the pool's tunables (spec §4.5, §6 environment vector).
type Config struct {
	MaxConcurrentGlobal     int
	MaxConcurrentPerProject int

	// PerProjectStartRate and PerProjectStartBurst soft-smooth how fast a
	// single project can start new workers, independent of the hard
	// MaxConcurrentPerProject cap: a project that just finished a burst
	// of short tasks can otherwise monopolize newly-freed global slots
	// before other projects get a look in. Zero disables smoothing.
	PerProjectStartRate  rate.Limit
	PerProjectStartBurst int

	// Command builds the argv used to run item. Defaults to
	// []string{"poppobuilder-worker"} with the item's type appended, which
	// is the closed CLI contract workers are expected to implement.
	Command func(item workitem.WorkItem) []string

	TaskTimeout  time.Duration // absolute; soft SIGTERM deadline (0 selects the 30m default; negative disables it)
	GraceTimeout time.Duration // wait after SIGTERM before SIGKILL

	LogDir string // root directory for per-item stdout/stderr capture
	Locale string
}

func defaultCommand(item workitem.WorkItem) []string {
	return []string{"poppobuilder-worker", string(item.Type)}
}

func defaultConfig() Config {
	return Config{
		MaxConcurrentGlobal:  4,
		TaskTimeout:          30 * time.Minute,
		GraceTimeout:         10 * time.Second,
		LogDir:               os.TempDir(),
		Locale:               "en_US.UTF-8",
		PerProjectStartRate:  2,
		PerProjectStartBurst: 2,
	}
}

// commandFunc matches exec.CommandContext's signature; it exists so the
// launcher can be swapped out for a test double should the real child
// process ever need to be avoided.
type commandFunc = func(ctx context.Context, name string, args ...string) *exec.Cmd

// Pool is C5: a semaphore-bounded executor, one goroutine per in-flight
// child process (pipz's WorkerPool semaphore shape, generalized from a
// bounded in-process processor chain to out-of-process child supervision).
type Pool struct {
	cfg Config
	now func() time.Time

	global  chan struct{}
	execCmd commandFunc

	mu          sync.Mutex
	perProject  map[string]int
	cancelFuncs map[workitem.Key]context.CancelFunc
	projectRate map[string]*rate.Limiter
}

// New creates a Pool. A zero Config is replaced with defaults
// (MaxConcurrentGlobal=4, TaskTimeout=30m, GraceTimeout=10s).
func New(cfg Config) *Pool {
	if cfg.MaxConcurrentGlobal <= 0 {
		cfg.MaxConcurrentGlobal = defaultConfig().MaxConcurrentGlobal
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = defaultConfig().TaskTimeout
	}
	if cfg.GraceTimeout == 0 {
		cfg.GraceTimeout = defaultConfig().GraceTimeout
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaultConfig().LogDir
	}
	if cfg.Locale == "" {
		cfg.Locale = defaultConfig().Locale
	}
	if cfg.Command == nil {
		cfg.Command = defaultCommand
	}
	if cfg.PerProjectStartRate == 0 {
		cfg.PerProjectStartRate = defaultConfig().PerProjectStartRate
	}
	if cfg.PerProjectStartBurst == 0 {
		cfg.PerProjectStartBurst = defaultConfig().PerProjectStartBurst
	}
	return &Pool{
		cfg:         cfg,
		now:         time.Now,
		global:      make(chan struct{}, cfg.MaxConcurrentGlobal),
		execCmd:     exec.CommandContext,
		perProject:  make(map[string]int),
		cancelFuncs: make(map[workitem.Key]context.CancelFunc),
		projectRate: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the project's start-rate limiter, creating it
// lazily on first use so idle projects never allocate one. Caller must
// hold p.mu.
func (p *Pool) limiterFor(projectID string) *rate.Limiter {
	l, ok := p.projectRate[projectID]
	if !ok {
		burst := p.cfg.PerProjectStartBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(p.cfg.PerProjectStartRate, burst)
		p.projectRate[projectID] = l
	}
	return l
}

// WithClock overrides the time source, for tests.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// TryAcquire reserves one global slot and, if configured, one per-project
// slot, without blocking. The Dispatcher calls this before Submit so it
// can hold the item and retry later on refusal (spec §4.5 backpressure)
// instead of blocking its single serial decision path.
func (p *Pool) TryAcquire(projectID string) error {
	select {
	case p.global <- struct{}{}:
	default:
		return ErrSaturated
	}

	if p.cfg.MaxConcurrentPerProject > 0 {
		p.mu.Lock()
		if p.perProject[projectID] >= p.cfg.MaxConcurrentPerProject {
			p.mu.Unlock()
			<-p.global
			return &ErrProjectSaturated{ProjectID: projectID, Cap: p.cfg.MaxConcurrentPerProject}
		}
		p.perProject[projectID]++
		p.mu.Unlock()
	}

	if p.cfg.PerProjectStartRate > 0 {
		p.mu.Lock()
		allowed := p.limiterFor(projectID).AllowN(p.now(), 1)
		p.mu.Unlock()
		if !allowed {
			p.Release(projectID)
			return &ErrProjectRateLimited{ProjectID: projectID}
		}
	}
	return nil
}

// Release gives back a slot reserved by TryAcquire without running
// anything through it, used by the Dispatcher when a lock acquisition
// fails after the worker slot was already reserved.
func (p *Pool) Release(projectID string) {
	if p.cfg.MaxConcurrentPerProject > 0 {
		p.mu.Lock()
		p.perProject[projectID]--
		p.mu.Unlock()
	}
	<-p.global
}

// Submit runs item as a child process, having already reserved its slot
// via TryAcquire, and blocks until the worker reaches a terminal outcome.
// Callers that want concurrent workers invoke Submit from their own
// goroutine per item; Submit itself does not fan out.
func (p *Pool) Submit(ctx context.Context, item workitem.WorkItem) (workitem.Result, error) {
	defer p.Release(item.Key.ProjectID)

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelFuncs[item.Key] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancelFuncs, item.Key)
		p.mu.Unlock()
		cancel()
	}()

	logPath, err := p.logFilePath(item)
	if err != nil {
		return workitem.Result{}, fmt.Errorf("workerpool: prepare log file: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return workitem.Result{}, fmt.Errorf("workerpool: open log file: %w", err)
	}
	defer logFile.Close()

	// The child is launched against context.Background(), not runCtx:
	// cancellation is driven entirely by the select below, which sends a
	// graceful SIGTERM and waits out the grace window before SIGKILL.
	// Wiring runCtx straight into exec.CommandContext would let its
	// built-in ctx-done killer race the grace window and skip SIGTERM.
	argv := p.cfg.Command(item)
	cmd := p.execCmd(context.Background(), argv[0], argv[1:]...)
	cmd.Env = p.environment(item, logPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	started := p.now()
	if err := cmd.Start(); err != nil {
		return workitem.Result{}, fmt.Errorf("workerpool: start child: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if p.cfg.TaskTimeout > 0 {
		timer := time.NewTimer(p.cfg.TaskTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var waitErr error
	outcome := workitem.OutcomeSuccess
	select {
	case waitErr = <-done:
	case <-timeoutC:
		waitErr = p.terminate(cmd, done)
		outcome = workitem.OutcomeTimeout
	case <-runCtx.Done():
		waitErr = p.terminate(cmd, done)
		outcome = workitem.OutcomeCanceled
	}
	finished := p.now()

	result := workitem.Result{
		Key:        item.Key,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		result.CPUSeconds = cmd.ProcessState.SystemTime().Seconds() + cmd.ProcessState.UserTime().Seconds()
	}
	result.PeakRSSKB = peakRSSKB(cmd.ProcessState)

	switch {
	case outcome == workitem.OutcomeTimeout:
		result.Outcome = workitem.OutcomeTimeout
		result.ErrorText = fmt.Sprintf("task_timeout exceeded (%s)", p.cfg.TaskTimeout)
	case outcome == workitem.OutcomeCanceled:
		result.Outcome = workitem.OutcomeCanceled
		result.ErrorText = "canceled"
	case waitErr != nil:
		result.Outcome = workitem.OutcomeTransient
		result.ErrorText = tailOf(logPath, waitErr)
		if result.ExitCode >= 100 {
			result.Outcome = workitem.OutcomeHardFail
		}
	default:
		result.Outcome = workitem.OutcomeSuccess
	}

	return result, nil
}

// Cancel requests cancellation of a running item (spec §5: "Cancellation
// of a waiting item -> remove from queue; no side effects. Cancellation of
// a running task -> SIGTERM to the child, wait grace_ms, SIGKILL").
func (p *Pool) Cancel(key workitem.Key) bool {
	p.mu.Lock()
	cancel, ok := p.cancelFuncs[key]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// terminate implements the soft-SIGTERM, hard-SIGKILL-after-grace
// escalation (nomad task runner's kill-backoff idiom, simplified to a
// single grace window per spec §4.5/§5). It returns the child's exit
// error once done fires, whether that happened from the signal or from
// the eventual SIGKILL.
func (p *Pool) terminate(cmd *exec.Cmd, done <-chan error) error {
	if cmd.Process == nil {
		return <-done
	}
	_ = cmd.Process.Signal(terminateSignal)
	timer := time.NewTimer(p.cfg.GraceTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		_ = cmd.Process.Kill()
		return <-done
	}
}

// environment builds the closed environment vector passed to every
// worker child (spec §6): PROJECT_ID, ITEM_ID, TASK_TYPE, LOG_DIR, LOCALE.
// No ambient environment is inherited, so a compromised or misconfigured
// worker cannot read daemon secrets via os.Environ().
func (p *Pool) environment(item workitem.WorkItem, logPath string) []string {
	return []string{
		"PROJECT_ID=" + item.Key.ProjectID,
		"ITEM_ID=" + item.Key.ItemID,
		"TASK_TYPE=" + string(item.Type),
		"LOG_DIR=" + filepath.Dir(logPath),
		"LOCALE=" + p.cfg.Locale,
	}
}

func (p *Pool) logFilePath(item workitem.WorkItem) (string, error) {
	dir := filepath.Join(p.cfg.LogDir, item.Key.ProjectID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return filepath.Join(dir, item.Key.ItemID+".log"), nil
}

// GlobalInUse reports the number of occupied global slots, for C7 sampling.
func (p *Pool) GlobalInUse() int {
	return len(p.global)
}

// GlobalCapacity returns the configured global concurrency cap.
func (p *Pool) GlobalCapacity() int {
	return cap(p.global)
}
