package schedule

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/logger"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

// DefaultInterval is used when neither the job type nor the scheduler
// configuration supplies one
const DefaultInterval = 24 * time.Hour

// Scheduler creates and updates the pending record of each recurring queue.
//
// The lookup-then-write in ScheduleJob is not atomic: two concurrent calls
// for the same queue may both insert. The duplicate runs once and converges
// on the next reschedule.
type Scheduler struct {
	queue           async.Adapter
	logger          *zap.SugaredLogger
	pulseLog        *zap.SugaredLogger
	now             func() time.Time
	defaultInterval time.Duration
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock injects the clock used for run_at computation
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithDefaultInterval sets the interval for job types that have none
func WithDefaultInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.defaultInterval = d
		}
	}
}

// NewScheduler creates a scheduler over queue. A nil logger falls back to
// the process logger.
func NewScheduler(queue async.Adapter, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	log = logger.OrComponent(log, "pulse.schedule")
	s := &Scheduler{
		queue:           queue,
		logger:          log,
		pulseLog:        logger.AddPulseSymbol(log),
		now:             time.Now,
		defaultInterval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultIntervalFor returns the interval applied to jt when none is given
func (s *Scheduler) DefaultIntervalFor(jt *JobType) time.Duration {
	if jt.DefaultInterval > 0 {
		return jt.DefaultInterval
	}
	return s.defaultInterval
}

// ScheduleJob makes sure the queue named by opts (default jt.Name) holds one
// eligible record. An existing record is updated in place: its interval is
// rewritten if it differs and its run_at moves to first_start_time if one is
// given. Otherwise a new record is enqueued at first_start_time, or now plus
// the interval. excluding, when non-nil, is never considered the existing
// record. opts is not modified.
func (s *Scheduler) ScheduleJob(ctx context.Context, jt *JobType, opts *payload.Options, excluding *async.Job) (*async.Job, error) {
	if jt.OneShot {
		return nil, errors.NewUnsupportedOperation("%s is a one-shot job type and cannot be scheduled on queue %q; use QueueOnce", jt.Name, jt.Name)
	}

	merged := s.mergeDefaults(jt, opts)
	queue, _ := merged.Queue()

	firstStart, hasFirstStart, err := merged.FirstStartTime()
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "schedule %s", queue)
	}
	merged.Delete(payload.KeyFirstStartTime)

	existing, err := s.NextScheduledJob(ctx, queue, excluding)
	if err != nil {
		return nil, err
	}

	log := s.pulseLog.With(logger.FieldQueue, queue, logger.FieldJobType, jt.Name)

	if existing != nil {
		if err := s.reconcile(ctx, existing, merged, firstStart, hasFirstStart, log); err != nil {
			return nil, err
		}
		return existing, nil
	}

	runAt := firstStart
	if !hasFirstStart {
		seconds, _ := merged.Interval()
		runAt = s.now().Add(time.Duration(seconds) * time.Second)
	}

	blob, err := payload.Encode(jt.Name, merged)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.Enqueue(ctx, blob, runAt, queue)
	if err != nil {
		return nil, err
	}

	interval, _ := merged.Interval()
	log.Infow("Scheduled next occurrence",
		logger.FieldJobID, job.ID,
		logger.FieldRunAt, job.RunAt,
		logger.FieldInterval, interval)
	return job, nil
}

// mergeDefaults clones opts and fills in interval and queue. A nil or
// unreadable interval counts as absent and gets the default.
func (s *Scheduler) mergeDefaults(jt *JobType, opts *payload.Options) *payload.Options {
	defaultInterval := int64(s.DefaultIntervalFor(jt) / time.Second)
	merged := payload.NewOptions().
		Set(payload.KeyInterval, defaultInterval).
		Set(payload.KeyQueue, jt.Name)
	for _, k := range opts.Keys() {
		v, _ := opts.Get(k)
		merged.Set(k, v)
	}
	if _, ok := merged.Interval(); !ok {
		merged.Set(payload.KeyInterval, defaultInterval)
	}
	if _, ok := merged.Queue(); !ok {
		merged.Set(payload.KeyQueue, jt.Name)
	}
	return merged
}

// reconcile updates an existing record to match the requested options
func (s *Scheduler) reconcile(ctx context.Context, job *async.Job, requested *payload.Options, firstStart time.Time, hasFirstStart bool, log *zap.SugaredLogger) error {
	stored, storedOK, err := payload.Interval(job.Handler)
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	want, wantOK := requested.Interval()

	if storedOK != wantOK || stored != want {
		var value interface{}
		if wantOK {
			value = want
		}
		if err := s.SetOption(ctx, job, payload.KeyInterval, value); err != nil {
			return err
		}
		log.Infow("Updated interval of scheduled job",
			logger.FieldJobID, job.ID,
			"from", stored,
			"to", want)
	}

	if hasFirstStart && !firstStart.Equal(job.RunAt) {
		if err := s.queue.UpdateField(ctx, job, async.FieldRunAt, firstStart); err != nil {
			return err
		}
		log.Infow("Moved run_at of scheduled job",
			logger.FieldJobID, job.ID,
			logger.FieldRunAt, job.RunAt)
	}

	log.Debugw("Queue already scheduled", logger.FieldJobID, job.ID)
	return nil
}

// UnscheduleJob deletes the eligible record of jt's canonical queue and
// returns it, or nil when there was none
func (s *Scheduler) UnscheduleJob(ctx context.Context, jt *JobType) (*async.Job, error) {
	if jt.OneShot {
		return nil, errors.NewUnsupportedOperation("%s is a one-shot job type and cannot be unscheduled from queue %q", jt.Name, jt.Name)
	}

	job, err := s.NextScheduledJob(ctx, jt.Name, nil)
	if err != nil || job == nil {
		return nil, err
	}
	if err := s.queue.Delete(ctx, job); err != nil {
		return nil, err
	}

	s.pulseLog.Infow("Unscheduled job",
		logger.FieldQueue, jt.Name,
		logger.FieldJobID, job.ID)
	return job, nil
}

// QueueOnce enqueues a single run of jt on a queue other than its canonical
// one, with no dedup lookup. run_at is first_start_time if given, else now.
func (s *Scheduler) QueueOnce(ctx context.Context, jt *JobType, opts *payload.Options) (*async.Job, error) {
	queue, ok := opts.Queue()
	if !ok {
		return nil, errors.NewInvalidQueueName("queue_once for %s needs an explicit queue", jt.Name)
	}
	if queue == jt.Name {
		return nil, errors.WithHint(
			errors.NewInvalidQueueName("queue %q is the recurring queue of %s", queue, jt.Name),
			"use ScheduleJob for the recurring queue, or pick another queue name")
	}

	run := opts.Clone()
	runAt, hasFirstStart, err := run.FirstStartTime()
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "queue once on %s", queue)
	}
	if !hasFirstStart {
		runAt = s.now()
	}
	run.Delete(payload.KeyFirstStartTime)

	blob, err := payload.Encode(jt.Name, run)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.Enqueue(ctx, blob, runAt, queue)
	if err != nil {
		return nil, err
	}

	s.pulseLog.Infow("Queued one-off job",
		logger.FieldQueue, queue,
		logger.FieldJobType, jt.Name,
		logger.FieldJobID, job.ID,
		logger.FieldRunAt, job.RunAt)
	return job, nil
}

// NextScheduledJob returns the eligible record of queue: the oldest one with
// no failed_at, skipping excluding
func (s *Scheduler) NextScheduledJob(ctx context.Context, queue string, excluding *async.Job) (*async.Job, error) {
	p := async.Where(async.Eq(async.FieldQueue, queue), async.IsNull(async.FieldFailedAt))
	if excluding != nil {
		p = p.And(async.NotEq(async.FieldID, excluding.ID))
	}
	return s.queue.FindOne(ctx, p)
}

// JobInterval returns the interval stored in job's payload
func (s *Scheduler) JobInterval(job *async.Job) (int64, bool, error) {
	return payload.Interval(job.Handler)
}

// SetJobInterval rewrites the interval of a scheduled job in place
func (s *Scheduler) SetJobInterval(ctx context.Context, job *async.Job, seconds int64) error {
	if seconds < 0 {
		return errors.NewInvalidRequestError("interval cannot be negative: %d", seconds)
	}
	return s.SetOption(ctx, job, payload.KeyInterval, seconds)
}

// ResetJobInterval restores the default interval of jt on job
func (s *Scheduler) ResetJobInterval(ctx context.Context, jt *JobType, job *async.Job) error {
	return s.SetJobInterval(ctx, job, int64(s.DefaultIntervalFor(jt)/time.Second))
}

// GetOption returns one option from job's payload
func (s *Scheduler) GetOption(job *async.Job, key payload.Key) (interface{}, bool, error) {
	return payload.Get(job.Handler, key)
}

// SetOption rewrites one option of job's payload and persists it.
// Not atomic with concurrent writers of the same record.
func (s *Scheduler) SetOption(ctx context.Context, job *async.Job, key payload.Key, value interface{}) error {
	blob, err := payload.Set(job.Handler, key, value)
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	return s.queue.UpdateField(ctx, job, async.FieldHandler, blob)
}
