package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayops/relay/internal/notify"
	"github.com/relayops/relay/internal/observability"
	"github.com/relayops/relay/internal/store"
	"github.com/relayops/relay/pkg/models"
)

// Config bounds the scheduler loop and individual runs.
type Config struct {
	// Beat is how often the scheduler scans for due tasks.
	Beat time.Duration `yaml:"beat" json:"beat"`

	// MaxConcurrency caps simultaneously running tasks.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// MaxRetries caps attempts within one run. It doubles as the
	// consecutive-failure threshold that parks a task as failed.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// SoftTimeout cancels the turn's context.
	SoftTimeout time.Duration `yaml:"soft_timeout" json:"soft_timeout"`

	// HardTimeout gives up on a turn that ignores cancellation and
	// fails the run.
	HardTimeout time.Duration `yaml:"hard_timeout" json:"hard_timeout"`

	// DueBatch caps how many due tasks one beat may claim.
	DueBatch int `yaml:"due_batch" json:"due_batch"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Beat:           60 * time.Second,
		MaxConcurrency: 5,
		MaxRetries:     3,
		SoftTimeout:    300 * time.Second,
		HardTimeout:    360 * time.Second,
		DueBatch:       100,
	}
}

// Sanitize fills zero values with defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.Beat <= 0 {
		c.Beat = def.Beat
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = def.SoftTimeout
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = def.HardTimeout
	}
	if c.DueBatch <= 0 {
		c.DueBatch = def.DueBatch
	}
	return c
}

// retryBaseDelay seeds the backoff between attempts of one run.
const retryBaseDelay = 60 * time.Second

// persistTimeout bounds the final run and task writes, which must land
// even when the scheduler is shutting down.
const persistTimeout = 10 * time.Second

var errHardTimeout = errors.New("hard timeout exceeded")

// Options wires a Scheduler. Store and Executor are required; Notifier
// defaults to the process log, Metrics may be nil, and Now defaults to
// the wall clock.
type Options struct {
	Store    store.Store
	Executor Executor
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Config   Config
	Logger   *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler owns the dispatch loop. It is safe for concurrent use;
// Start and Stop may be called from any goroutine.
type Scheduler struct {
	store    store.Store
	executor Executor
	notifier notify.Notifier
	metrics  *observability.Metrics
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
}

// NewScheduler wires a scheduler from its collaborators.
func NewScheduler(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config.Sanitize()
	return &Scheduler{
		store:    opts.Store,
		executor: opts.Executor,
		notifier: notifier,
		metrics:  opts.Metrics,
		cfg:      cfg,
		logger:   logger.With("component", "periodic"),
		now:      now,
		sleep:    sleepWithContext,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Start launches the beat loop. It returns an error when the scheduler
// is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.beatLoop(runCtx)

	s.logger.Info("scheduler started",
		"beat", s.cfg.Beat,
		"max_concurrency", s.cfg.MaxConcurrency)
	return nil
}

// Stop cancels the loop and waits for in-flight runs to finish, up to
// the deadline on ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) beatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Beat)
	defer ticker.Stop()

	s.Beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Beat(ctx)
		}
	}
}

// Beat runs one dispatch step: select due tasks, advance their
// next_run_at, and hand them to the worker pool. Advancing before
// dispatch makes a duplicate beat harmless. Returns the number of
// tasks dispatched.
func (s *Scheduler) Beat(ctx context.Context) int {
	now := s.now()
	due, err := s.store.DueTasks(ctx, now, s.cfg.DueBatch)
	if err != nil {
		s.logger.Error("select due tasks", "error", err)
		s.metrics.RecordBeat(0)
		return 0
	}

	dispatched := 0
	for _, task := range due {
		next, err := NextRun(task.Schedule, task.Timezone, now)
		if err != nil {
			// An unschedulable task would come up due on every beat.
			s.park(ctx, task, err)
			continue
		}
		task.NextRunAt = &next
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("advance next run",
				"task_id", task.ID,
				"error", err)
			continue
		}

		dispatched++
		s.wg.Add(1)
		go s.runTask(ctx, task)
	}
	s.metrics.RecordBeat(dispatched)
	return dispatched
}

// park marks a task failed and unscheduled.
func (s *Scheduler) park(ctx context.Context, task *models.PeriodicTask, cause error) {
	s.logger.Error("parking task",
		"task_id", task.ID,
		"title", task.Title,
		"error", cause)
	task.Status = models.TaskFailed
	task.NextRunAt = nil
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("park task", "task_id", task.ID, "error", err)
	}
}

// runTask drives one run of a dispatched task through the retry loop
// and settles the run row and the task stats afterwards.
func (s *Scheduler) runTask(ctx context.Context, task *models.PeriodicTask) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	prompt := HeadlessPrompt(task)
	run := &models.PeriodicTaskRun{
		TaskID:  task.ID,
		Attempt: 1,
		Status:  models.RunRunning,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Error("create run", "task_id", task.ID, "error", err)
		return
	}

	var result *Result
	var runErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		run.Attempt = attempt
		result, runErr = s.executeAttempt(ctx, task, prompt)
		if runErr == nil {
			break
		}
		s.logger.Warn("task attempt failed",
			"task_id", task.ID,
			"run_id", run.ID,
			"attempt", attempt,
			"error", runErr)
		// Hard timeouts and scheduler shutdown end the run; no
		// further attempts.
		if errors.Is(runErr, errHardTimeout) || ctx.Err() != nil {
			break
		}
		if attempt < s.cfg.MaxRetries {
			s.sleep(ctx, retryDelay(attempt))
		}
	}

	// The final writes must land even when shutdown cancelled ctx, or
	// the run row stays running forever.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	completed := s.now()
	run.CompletedAt = &completed
	if runErr != nil {
		run.Status = models.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = models.RunCompleted
		run.OutputSummary = result.Summary
		run.Usage = result.Usage
		run.Iterations = result.Iterations
	}
	if err := s.store.UpdateRun(persistCtx, run); err != nil {
		s.logger.Error("update run", "run_id", run.ID, "error", err)
	}
	s.metrics.RecordPeriodicRun(string(run.Status))

	s.settleTask(persistCtx, task.ID, run, runErr)
}

// executeAttempt runs the executor under the soft timeout, with a hard
// timeout watchdog for executors that ignore cancellation.
func (s *Scheduler) executeAttempt(ctx context.Context, task *models.PeriodicTask, prompt string) (*Result, error) {
	soft, cancel := context.WithTimeout(ctx, s.cfg.SoftTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.executor.Execute(soft, task, prompt)
		done <- outcome{result, err}
	}()

	hard := time.NewTimer(s.cfg.HardTimeout)
	defer hard.Stop()
	select {
	case out := <-done:
		if out.err != nil && errors.Is(soft.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s: %w", s.cfg.SoftTimeout, out.err)
		}
		return out.result, out.err
	case <-hard.C:
		return nil, fmt.Errorf("%w after %s", errHardTimeout, s.cfg.HardTimeout)
	}
}

// settleTask folds a finished run into the task: stats, failure
// counting, and parking once failures reach the threshold. The task is
// reloaded first so a pause or edit made during the run is not lost.
func (s *Scheduler) settleTask(ctx context.Context, taskID string, run *models.PeriodicTaskRun, runErr error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Error("reload task", "task_id", taskID, "error", err)
		return
	}

	now := s.now()
	task.Stats.TotalRuns++
	task.Stats.LastRunAt = &now
	if runErr == nil {
		task.Stats.TotalSuccesses++
		task.ConsecutiveFailures = 0
	} else {
		task.ConsecutiveFailures++
		if task.ConsecutiveFailures >= s.cfg.MaxRetries {
			task.Status = models.TaskFailed
			task.NextRunAt = nil
			s.logger.Error("task parked after repeated failures",
				"task_id", task.ID,
				"consecutive_failures", task.ConsecutiveFailures)
		}
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("update task stats", "task_id", task.ID, "error", err)
	}

	s.notifyOutcome(ctx, task, run, runErr)
}

// notifyOutcome surfaces the run to the user: successes only when the
// task opted in, failures always.
func (s *Scheduler) notifyOutcome(ctx context.Context, task *models.PeriodicTask, run *models.PeriodicTaskRun, runErr error) {
	var message string
	switch {
	case runErr == nil && task.NotifyOnSuccess:
		message = run.OutputSummary
		if message == "" {
			message = fmt.Sprintf("Scheduled task %q completed.", task.Title)
		}
	case runErr != nil:
		message = fmt.Sprintf("Scheduled task %q failed: %s", task.Title, runErr)
	default:
		return
	}

	n := notify.Notification{
		SessionID: task.SessionID,
		UserRef:   task.UserRef,
		Title:     task.Title,
		Message:   message,
		CreatedAt: s.now(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("deliver notification", "task_id", task.ID, "error", err)
	}
}

// retryDelay doubles per failed attempt: 60s, 120s, 240s, ...
func retryDelay(attempt int) time.Duration {
	return retryBaseDelay << (attempt - 1)
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
