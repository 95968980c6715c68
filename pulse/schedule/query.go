package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

// JobIntervalInfo describes one recurring queue
type JobIntervalInfo struct {
	Interval *int64    `json:"interval"` // seconds, nil for one-off jobs
	NextRun  time.Time `json:"next_run"`
	JobID    string    `json:"job_id"`
	JobType  string    `json:"job_type"`
}

// InQueueOrRunning returns any record occupying queue, failed ones included
func (s *Scheduler) InQueueOrRunning(ctx context.Context, queue string) (*async.Job, error) {
	return s.queue.FindOne(ctx, async.Where(async.Eq(async.FieldQueue, queue)))
}

// Running returns the lock holder of a record in queue, or "" when none is
// locked
func (s *Scheduler) Running(ctx context.Context, queue string) (string, error) {
	job, err := s.queue.FindOne(ctx, async.Where(
		async.Eq(async.FieldQueue, queue),
		async.NotNull(async.FieldLockedBy)))
	if err != nil || job == nil {
		return "", err
	}
	return job.LockedBy, nil
}

// JobIDRunning returns the lock holder of record id, or "" when it is not locked
func (s *Scheduler) JobIDRunning(ctx context.Context, id string) (string, error) {
	job, err := s.queue.FindOne(ctx, async.Where(
		async.Eq(async.FieldID, id),
		async.NotNull(async.FieldLockedBy)))
	if err != nil || job == nil {
		return "", err
	}
	return job.LockedBy, nil
}

// All returns every record that has a queue name, including records written
// by other producers that use the same column
func (s *Scheduler) All(ctx context.Context) ([]*async.Job, error) {
	return s.queue.AllWithQueue(ctx)
}

// ListJobIntervals maps each queue to its interval and next run. When a queue
// holds several records the most recently created one wins.
func (s *Scheduler) ListJobIntervals(ctx context.Context) (map[string]JobIntervalInfo, error) {
	jobs, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]JobIntervalInfo, len(jobs))
	for _, job := range jobs {
		env, err := payload.Decode(job.Handler)
		if err != nil {
			return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s, queue: %s", job.ID, job.Queue))
		}
		info := JobIntervalInfo{NextRun: job.RunAt, JobID: job.ID, JobType: env.JobType}
		if n, ok := env.Options.Interval(); ok {
			info.Interval = &n
		}
		out[job.Queue] = info
	}
	return out, nil
}
