package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/recurring/am"
	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/logger"
)

// stopTimeout bounds how long Stop waits for running attempts
const stopTimeout = 30 * time.Second

// pulseLogger wraps zap.SugaredLogger with methods for Pulse operations.
// Levels give visual distinction in the console:
// - DEBUG → Starting (✿ opening operations)
// - WARN → Closing (❀ closing operations)
// - INFO → Pulse (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Debugw(msg, keysAndValues...)
}

// Closing logs a closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Warnw(msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`             // Concurrent workers started by Start
	PollInterval      time.Duration `json:"poll_interval"`       // How often idle workers look for due jobs
	MaxAttempts       int           `json:"max_attempts"`        // Attempts before a job is given up
	MaxRunTime        time.Duration `json:"max_run_time"`        // Per-attempt timeout and stale-lock horizon
	DestroyFailedJobs bool          `json:"destroy_failed_jobs"` // Delete exhausted jobs instead of keeping them failed
	MaxJobsPerMinute  int           `json:"max_jobs_per_minute"` // Claim rate limit, 0 = unlimited
	RecordExecutions  bool          `json:"record_executions"`   // Write a pulse_executions row per attempt
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           1,
		PollInterval:      5 * time.Second,
		MaxAttempts:       25,
		MaxRunTime:        4 * time.Hour,
		DestroyFailedJobs: true,
		RecordExecutions:  true,
	}
}

// ConfigFromAM builds a pool configuration from the pulse section of cfg
func ConfigFromAM(cfg *am.Config) WorkerPoolConfig {
	p := cfg.Pulse
	return WorkerPoolConfig{
		Workers:           p.Workers,
		PollInterval:      p.PollInterval(),
		MaxAttempts:       p.MaxAttempts,
		MaxRunTime:        p.MaxRunTime(),
		DestroyFailedJobs: p.DestroyFailedJobs,
		MaxJobsPerMinute:  p.MaxJobsPerMinute,
		RecordExecutions:  p.RecordExecutions,
	}
}

// WorkerPool claims due jobs from the queue and runs them through the hooks
// of the Invocation its Loader returns.
type WorkerPool struct {
	queue       *Queue
	loader      Loader
	backoff     Backoff
	rateLimiter RateLimiter
	executions  *ExecutionStore
	config      WorkerPoolConfig
	workers     int
	name        string // host:pid prefix for lock owners
	now         func() time.Time

	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       bool
	activeWorkers int
	jobsProcessed int
	logger        pulseLogger
	mu            sync.Mutex
}

// PoolOption configures a WorkerPool
type PoolOption func(*WorkerPool)

// WithBackoff overrides the retry delay strategy
func WithBackoff(b Backoff) PoolOption {
	return func(wp *WorkerPool) { wp.backoff = b }
}

// WithRateLimiter overrides the limiter built from MaxJobsPerMinute
func WithRateLimiter(r RateLimiter) PoolOption {
	return func(wp *WorkerPool) { wp.rateLimiter = r }
}

// WithExecutionStore sets where execution history is written
func WithExecutionStore(s *ExecutionStore) PoolOption {
	return func(wp *WorkerPool) { wp.executions = s }
}

// WithPoolClock injects the clock used for run_at and lock timestamps
func WithPoolClock(now func() time.Time) PoolOption {
	return func(wp *WorkerPool) { wp.now = now }
}

// WithWorkerName sets the lock owner prefix (default "host:<hostname> pid:<pid>")
func WithWorkerName(name string) PoolOption {
	return func(wp *WorkerPool) { wp.name = name }
}

// NewWorkerPool creates a worker pool bound to ctx. Cancelling ctx stops the
// workers the same way Stop does.
func NewWorkerPool(ctx context.Context, queue *Queue, loader Loader, cfg WorkerPoolConfig, log *zap.SugaredLogger, opts ...PoolOption) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		queue:     queue,
		loader:    loader,
		backoff:   DefaultBackoff(),
		config:    cfg,
		workers:   cfg.Workers,
		name:      defaultWorkerName(),
		now:       time.Now,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    pulseLogger{logger.OrComponent(log, "pulse.worker")},
	}
	if limiter := NewLimiter(cfg.MaxJobsPerMinute); limiter != nil {
		wp.rateLimiter = limiter
	}
	if cfg.RecordExecutions {
		wp.executions = NewExecutionStore(queue.store.db)
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("host:%s pid:%d", host, os.Getpid())
}

// Queue returns the job queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Executions returns the execution history store, or nil when recording is off
func (wp *WorkerPool) Executions() *ExecutionStore {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.executions
}

// Workers returns the number of workers Start launches
func (wp *WorkerPool) Workers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.workers
}

func (wp *WorkerPool) settings() WorkerPoolConfig {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.config
}

func (wp *WorkerPool) workerName(id int) string {
	return fmt.Sprintf("%s worker:%d", wp.name, id)
}

// WorkOff runs up to n due jobs synchronously on the calling goroutine and
// returns how many succeeded and how many did not. It stops early when no
// job is due, the rate limit is hit or ctx is cancelled.
func (wp *WorkerPool) WorkOff(ctx context.Context, n int) (succeeded, failed int, err error) {
	worker := wp.workerName(0)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return succeeded, failed, nil
		}
		ok, ran, err := wp.processNextJob(ctx, worker)
		if err != nil {
			return succeeded, failed, err
		}
		if !ran {
			break
		}
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

// Start recovers stale locks and launches the configured workers
// ✿ Opening
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.running {
		wp.mu.Unlock()
		return
	}
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.running = true
	wp.jobsProcessed = 0
	workers := wp.workers
	ctx := wp.ctx
	cfg := wp.config
	wp.mu.Unlock()

	if cfg.MaxRunTime > 0 {
		n, err := wp.queue.store.UnlockStale(ctx, wp.now().Add(-cfg.MaxRunTime))
		if err != nil {
			wp.logger.Warnw("Failed to recover stale locks", logger.FieldError, err)
		} else if n > 0 {
			wp.logger.Starting("Recovered jobs locked by crashed workers", logger.FieldCount, n)
		}
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", workers)
	}

	wp.logger.Starting("Worker pool started", "workers", workers, "poll_interval", cfg.PollInterval)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop cancels the workers, waits for running attempts and releases any
// locks this pool still holds
// ❀ Closing
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	workers := wp.workers
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("Worker pool stopped, all workers exited cleanly")
	case <-time.After(stopTimeout):
		wp.logger.Closing("Worker pool stop timed out, attempts may still be running", "timeout", stopTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < workers; i++ {
		if n, err := wp.queue.store.ClearLocks(ctx, wp.workerName(i)); err != nil {
			wp.logger.Warnw("Failed to clear worker locks", logger.FieldWorker, wp.workerName(i), logger.FieldError, err)
		} else if n > 0 {
			wp.logger.Closing("Released locks held at shutdown", logger.FieldWorker, wp.workerName(i), logger.FieldCount, n)
		}
	}
}

// Reconfigure applies cfg. A changed worker count restarts a running pool.
func (wp *WorkerPool) Reconfigure(cfg WorkerPoolConfig) {
	wp.mu.Lock()
	restart := wp.running && cfg.Workers != wp.workers
	wp.config = cfg
	if limiter := NewLimiter(cfg.MaxJobsPerMinute); limiter != nil {
		wp.rateLimiter = limiter
	} else {
		wp.rateLimiter = nil
	}
	if cfg.RecordExecutions && wp.executions == nil {
		wp.executions = NewExecutionStore(wp.queue.store.db)
	} else if !cfg.RecordExecutions {
		wp.executions = nil
	}
	wp.mu.Unlock()

	wp.logger.Pulse("Worker pool reconfigured", "workers", cfg.Workers, "max_attempts", cfg.MaxAttempts, "restart", restart)
	if restart {
		wp.Stop()
		wp.mu.Lock()
		wp.workers = cfg.Workers
		wp.mu.Unlock()
		wp.Start()
		return
	}
	wp.mu.Lock()
	wp.workers = cfg.Workers
	wp.mu.Unlock()
}

// worker polls for due jobs until ctx is cancelled. New enqueues wake it early.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	name := wp.workerName(id)
	wake := wp.queue.Subscribe()
	defer wp.queue.Unsubscribe(wake)

	interval := wp.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		if err := wp.drain(ctx, name); err != nil {
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error processing job",
				logger.FieldWorker, name,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorker, name,
					"backoff", backoffDuration)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		} else {
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorker, name,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
		}

		if newInterval := wp.pollInterval(); newInterval != interval {
			ticker.Reset(newInterval)
			interval = newInterval
		}
	}
}

func (wp *WorkerPool) pollInterval() time.Duration {
	if d := wp.settings().PollInterval; d > 0 {
		return d
	}
	return 5 * time.Second
}

// drain runs due jobs until none is left
func (wp *WorkerPool) drain(ctx context.Context, worker string) error {
	for ctx.Err() == nil {
		_, ran, err := wp.processNextJob(ctx, worker)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
	return nil
}

// processNextJob claims and runs one due job. ran is false when nothing was
// claimed; ok reports whether the attempt succeeded.
func (wp *WorkerPool) processNextJob(ctx context.Context, worker string) (ok, ran bool, err error) {
	cfg := wp.settings()

	job, err := wp.queue.store.Reserve(ctx, worker, wp.now(), cfg.MaxRunTime)
	if err != nil {
		return false, false, errors.MarkStorage(errors.Wrap(err, "failed to reserve job"))
	}
	if job == nil {
		return false, false, nil
	}

	if limited := wp.checkRateLimit(ctx, job); limited {
		return false, false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	ok, err = wp.runJob(ctx, worker, job, cfg)
	return ok, true, err
}

// checkRateLimit releases job and reports true when the limiter refuses it
func (wp *WorkerPool) checkRateLimit(ctx context.Context, job *Job) bool {
	wp.mu.Lock()
	limiter := wp.rateLimiter
	wp.mu.Unlock()
	if limiter == nil {
		return false
	}

	if err := limiter.Allow(); err != nil {
		if unlockErr := wp.queue.store.Unlock(ctx, job.ID); unlockErr != nil {
			wp.logger.Warnw("Failed to release rate limited job", logger.FieldJobID, job.ID, logger.FieldError, unlockErr)
		}
		wp.logger.Pulse("Rate limit reached, job released",
			logger.FieldJobID, job.ID,
			logger.FieldQueue, job.Queue,
			"reason", err.Error())
		return true
	}
	return false
}

// runJob drives one attempt through the invocation hooks and resolves the
// job record. ok is true only when the attempt succeeded and the record was
// removed.
func (wp *WorkerPool) runJob(ctx context.Context, worker string, job *Job, cfg WorkerPoolConfig) (bool, error) {
	log := wp.logger.With(logger.FieldJobID, job.ID, logger.FieldWorker, worker)
	if job.Queue != "" {
		log = log.With(logger.FieldQueue, job.Queue)
	}
	started := wp.now()

	inv, err := wp.loader.Load(ctx, job)
	if err != nil {
		job.LastError = err.Error()
		exec := wp.startExecution(ctx, job, "unknown", worker, started, log)
		if failErr := wp.queue.store.Fail(ctx, job, wp.now()); failErr != nil {
			return false, errors.MarkStorage(failErr)
		}
		wp.completeExecution(ctx, exec, ExecutionStatusFailed, err, log)
		log.Errorw("Job payload cannot be loaded, marked failed", logger.FieldError, err)
		return false, nil
	}

	log = log.With(logger.FieldJobType, inv.Name())
	exec := wp.startExecution(ctx, job, inv.Name(), worker, started, log)
	jobCtx := logger.WithJobID(ctx, job.ID)
	if job.Queue != "" {
		jobCtx = logger.WithQueue(jobCtx, job.Queue)
	}

	runErr := wp.perform(jobCtx, inv, job, cfg.MaxRunTime)

	// Shutdown interrupted the attempt: release it untouched for the next worker.
	// After is skipped; the unlocked record itself is the next occurrence.
	if runErr != nil && ctx.Err() != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := wp.queue.store.Unlock(releaseCtx, job.ID); err != nil && !errors.IsNotFoundError(err) {
			log.Warnw("Failed to release interrupted job", logger.FieldError, err)
		}
		wp.completeExecution(releaseCtx, exec, ExecutionStatusErrored, runErr, log)
		wp.logger.Closing("Job interrupted by shutdown, released", logger.FieldJobID, job.ID)
		return false, nil
	}

	final := false
	if runErr == nil {
		wp.hook(log, "success", func() { inv.Success(jobCtx, job) })
	} else {
		job.Attempts++
		job.LastError = runErr.Error()
		final = IsPermanent(runErr) || job.Attempts >= cfg.MaxAttempts
		if final {
			wp.hook(log, "failure", func() { inv.Failure(jobCtx, job) })
		} else {
			wp.hook(log, "error", func() { inv.Error(jobCtx, job, runErr) })
		}
	}

	if afterErr := wp.after(jobCtx, inv, job); afterErr != nil {
		log.Errorw("After hook failed", logger.FieldError, afterErr)
		if runErr == nil {
			runErr = errors.Wrap(afterErr, "after hook")
			job.Attempts++
			job.LastError = runErr.Error()
			final = job.Attempts >= cfg.MaxAttempts
		} else {
			runErr = errors.WithSecondaryError(runErr, afterErr)
		}
	}

	duration := wp.now().Sub(started)
	if runErr == nil {
		if err := wp.queue.store.Delete(ctx, job.ID); err != nil {
			return false, errors.MarkStorage(err)
		}
		wp.completeExecution(ctx, exec, ExecutionStatusSucceeded, nil, log)
		log.Infow("Job completed", logger.FieldDurationMS, duration.Milliseconds())
		return true, nil
	}

	if final {
		if cfg.DestroyFailedJobs {
			err = wp.queue.store.Delete(ctx, job.ID)
		} else {
			err = wp.queue.store.Fail(ctx, job, wp.now())
		}
		if err != nil && !errors.IsNotFoundError(err) {
			return false, errors.MarkStorage(err)
		}
		wp.completeExecution(ctx, exec, ExecutionStatusFailed, runErr, log)
		log.Warnw("Job failed permanently",
			logger.FieldAttempts, job.Attempts,
			"destroyed", cfg.DestroyFailedJobs,
			logger.FieldError, runErr)
		return false, nil
	}

	runAt := wp.now().Add(wp.backoff.Delay(job.Attempts))
	if err := wp.queue.store.Reschedule(ctx, job, runAt); err != nil && !errors.IsNotFoundError(err) {
		return false, errors.MarkStorage(err)
	}
	job.RunAt = runAt.UTC()
	wp.completeExecution(ctx, exec, ExecutionStatusErrored, runErr, log)
	log.Warnw("Job attempt failed, retry scheduled",
		logger.FieldAttempts, job.Attempts,
		"max_attempts", cfg.MaxAttempts,
		logger.FieldRunAt, job.RunAt,
		logger.FieldError, runErr)
	return false, nil
}

// perform runs Before and Perform under the per-attempt timeout. Panics are
// returned as errors.
func (wp *WorkerPool) perform(ctx context.Context, inv Invocation, job *Job, maxRunTime time.Duration) (err error) {
	if maxRunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxRunTime)
		defer cancel()
	}
	defer func() {
		err = recoverPanic(recover(), err)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.WithHintf(errors.Wrap(err, "execution expired"),
				"attempts are limited to %s (pulse.max_run_time_seconds)", maxRunTime)
		}
	}()

	if err := inv.Before(ctx, job); err != nil {
		return errors.Wrap(err, "before hook")
	}
	return inv.Perform(ctx, job)
}

// after runs the After hook, converting a panic into an error
func (wp *WorkerPool) after(ctx context.Context, inv Invocation, job *Job) (err error) {
	defer func() { err = recoverPanic(recover(), err) }()
	return inv.After(ctx, job)
}

// hook runs a result hook; a panic there is logged and swallowed
func (wp *WorkerPool) hook(log *zap.SugaredLogger, name string, fn func()) {
	defer func() {
		if err := recoverPanic(recover(), nil); err != nil {
			log.Errorw("Job hook panicked", "hook", name, logger.FieldError, err)
		}
	}()
	fn()
}

func (wp *WorkerPool) startExecution(ctx context.Context, job *Job, jobType, worker string, started time.Time, log *zap.SugaredLogger) *Execution {
	wp.mu.Lock()
	store := wp.executions
	wp.mu.Unlock()
	if store == nil {
		return nil
	}
	exec, err := store.Start(ctx, job, jobType, worker, started)
	if err != nil {
		log.Warnw("Failed to record execution start", logger.FieldError, err)
		return nil
	}
	return exec
}

func (wp *WorkerPool) completeExecution(ctx context.Context, exec *Execution, status string, cause error, log *zap.SugaredLogger) {
	if exec == nil {
		return
	}
	wp.mu.Lock()
	store := wp.executions
	wp.mu.Unlock()
	if store == nil {
		return
	}
	if err := store.Complete(ctx, exec, status, cause, wp.now()); err != nil {
		log.Warnw("Failed to record execution result", logger.FieldError, err)
	}
}
