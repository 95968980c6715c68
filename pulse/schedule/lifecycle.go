package schedule

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/logger"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

// Lifecycle loads queued jobs for the worker pool and ties each execution
// back into the scheduler, so a job with an interval always leaves its next
// occurrence behind, whether the attempt succeeded or not.
type Lifecycle struct {
	registry  *Registry
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

var _ async.Loader = (*Lifecycle)(nil)

// NewLifecycle creates a loader resolving job types through registry
func NewLifecycle(registry *Registry, scheduler *Scheduler, log *zap.SugaredLogger) *Lifecycle {
	return &Lifecycle{
		registry:  registry,
		scheduler: scheduler,
		logger:    logger.OrComponent(log, "pulse.lifecycle"),
	}
}

// Load decodes job's payload and resolves its job type. Malformed payloads
// and unknown job types can never run and are returned as errors.
func (l *Lifecycle) Load(ctx context.Context, job *async.Job) (async.Invocation, error) {
	env, err := payload.Decode(job.Handler)
	if err != nil {
		return nil, err
	}
	jt, ok := l.registry.Get(env.JobType)
	if !ok {
		return nil, errors.WithHintf(
			errors.NewNotFoundError("job type %q is not registered", env.JobType),
			"registered job types: %v", l.registry.Names())
	}

	log := l.logger.With(logger.FieldJobID, job.ID, logger.FieldJobType, jt.Name)
	if job.Queue != "" {
		log = log.With(logger.FieldQueue, job.Queue)
	}
	return &invocation{
		lifecycle: l,
		run: &Run{
			Job:     job,
			JobType: jt,
			Options: env.Options,
			Logger:  log,
		},
	}, nil
}

// invocation runs one attempt of a scheduled job
type invocation struct {
	lifecycle *Lifecycle
	run       *Run
}

func (i *invocation) Name() string { return i.run.JobType.Name }

// Before exposes the executing record's id to the job body
func (i *invocation) Before(_ context.Context, job *async.Job) error {
	i.run.Job = job
	i.run.Options.Set(payload.KeyDelayedJobID, job.ID)
	return nil
}

func (i *invocation) Perform(ctx context.Context, _ *async.Job) error {
	return i.run.JobType.Handler.Perform(ctx, i.run)
}

func (i *invocation) Success(ctx context.Context, _ *async.Job) {
	i.run.JobType.Handler.Success(ctx, i.run)
}

func (i *invocation) Failure(ctx context.Context, _ *async.Job) {
	i.run.JobType.Handler.Failure(ctx, i.run)
}

func (i *invocation) Error(ctx context.Context, _ *async.Job, cause error) {
	i.run.JobType.Handler.Error(ctx, i.run, cause)
}

// After enqueues the next occurrence unless the job type is one-shot or the
// options carry no interval. The record being executed is excluded from the
// lookup so it never counts as its own successor.
func (i *invocation) After(ctx context.Context, job *async.Job) error {
	jt := i.run.JobType
	if jt.OneShot {
		return nil
	}
	if _, ok := i.run.Options.Interval(); !ok {
		return nil
	}

	i.run.Options.Delete(payload.KeyDelayedJobID)
	next, err := i.lifecycle.scheduler.ScheduleJob(ctx, jt, i.run.Options, job)
	if err != nil {
		return errors.Wrapf(err, "reschedule %s", jt.Name)
	}
	i.run.Logger.Debugw("Next occurrence in place",
		"next_job_id", next.ID,
		logger.FieldRunAt, next.RunAt)
	return nil
}
