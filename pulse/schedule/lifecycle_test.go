package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

func TestRecurringJobReschedulesAfterSuccess(t *testing.T) {
	f := newFixture(t, nil)
	h := &recordingHandler{}
	jt := f.registry.Register(JobType{Name: "heartbeat", Handler: h})
	ctx := context.Background()

	t0 := f.clock.Now()
	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, 1).
		Set(payload.KeyFirstStartTime, t0), nil)
	require.NoError(t, err)
	assert.True(t, t0.Equal(first.RunAt))

	ok, failed, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"perform", "success"}, h.Calls())

	jobs := f.eligible(t, "heartbeat")
	require.Len(t, jobs, 1)
	next := jobs[0]
	assert.NotEqual(t, first.ID, next.ID)
	assert.True(t, t0.Add(time.Second).Equal(next.RunAt), "next run_at is now plus interval, got %s", next.RunAt)

	gone, err := f.queue.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "executed record is removed")

	// Not due until the clock reaches it
	ok, _, err = f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, ok)

	f.clock.Advance(time.Second)
	ok, _, err = f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)

	jobs = f.eligible(t, "heartbeat")
	require.Len(t, jobs, 1)
	assert.True(t, t0.Add(2*time.Second).Equal(jobs[0].RunAt))
}

func TestDelayedJobIDVisibleOnlyDuringExecution(t *testing.T) {
	f := newFixture(t, nil)
	h := &recordingHandler{}
	jt := f.registry.Register(JobType{Name: "report", Handler: h})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, 60).
		Set("format", "csv").
		Set(payload.KeyFirstStartTime, f.clock.Now()), nil)
	require.NoError(t, err)

	_, _, err = f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)

	require.Len(t, h.seenIDs, 1)
	assert.Equal(t, first.ID, h.seenIDs[0])
	format, _ := h.lastOpts.Get("format")
	assert.Equal(t, "csv", format)

	jobs := f.eligible(t, "report")
	require.Len(t, jobs, 1)
	opts := f.options(t, jobs[0])
	assert.False(t, opts.Has(payload.KeyDelayedJobID))
	format, _ = opts.Get("format")
	assert.Equal(t, "csv", format, "custom options carry over to the next occurrence")
}

func TestFailingRecurringJobNeverEmptiesItsQueue(t *testing.T) {
	f := newFixture(t, func(cfg *async.WorkerPoolConfig) {
		cfg.MaxAttempts = 3
		cfg.DestroyFailedJobs = true
	})
	h := &recordingHandler{perform: func(context.Context, *Run) error {
		return errors.New("upstream unavailable")
	}}
	jt := f.registry.Register(JobType{Name: "fetch", Handler: h})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, 60).
		Set(payload.KeyFirstStartTime, f.clock.Now()), nil)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, failed, err := f.pool.WorkOff(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, failed, "iteration %d", i)

		jobs := f.eligible(t, "fetch")
		assert.NotEmpty(t, jobs, "iteration %d left no pending record", i)
		assert.LessOrEqual(t, len(jobs), 2, "at most the retrying record and its successor")

		f.clock.Advance(time.Hour)
	}

	gone, err := f.queue.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "the first record is destroyed once its attempts run out")
	assert.Contains(t, h.Calls(), "error")
	assert.Contains(t, h.Calls(), "failure")
	assert.NotContains(t, h.Calls(), "success")
}

func TestPermanentFailureStillReschedules(t *testing.T) {
	f := newFixture(t, func(cfg *async.WorkerPoolConfig) {
		cfg.DestroyFailedJobs = false
	})
	h := &recordingHandler{perform: func(context.Context, *Run) error {
		return async.Permanent(errors.New("credentials revoked"))
	}}
	jt := f.registry.Register(JobType{Name: "sync.remote", Handler: h})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, 300).
		Set(payload.KeyFirstStartTime, f.clock.Now()), nil)
	require.NoError(t, err)

	_, failed, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"perform", "failure"}, h.Calls())

	dead, err := f.queue.Get(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.True(t, dead.IsFailed())
	assert.Equal(t, 1, dead.Attempts)

	jobs := f.eligible(t, "sync.remote")
	require.Len(t, jobs, 1)
	assert.NotEqual(t, first.ID, jobs[0].ID)
	assert.True(t, f.clock.Now().Add(5*time.Minute).Equal(jobs[0].RunAt))
}

func TestPanickingJobStillReschedules(t *testing.T) {
	f := newFixture(t, nil)
	h := &recordingHandler{perform: func(context.Context, *Run) error {
		panic("nil map")
	}}
	jt := f.registry.Register(JobType{Name: "flaky", Handler: h})
	ctx := context.Background()

	_, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, 60).
		Set(payload.KeyFirstStartTime, f.clock.Now()), nil)
	require.NoError(t, err)

	_, failed, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"perform", "error"}, h.Calls())
	assert.Len(t, f.eligible(t, "flaky"), 2, "retrying record plus the next occurrence")
}

func TestQueueOnceRunsWithoutRescheduling(t *testing.T) {
	f := newFixture(t, nil)
	h := &recordingHandler{}
	jt := f.registry.Register(JobType{Name: "mailer", Handler: h})
	ctx := context.Background()

	_, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().
		Set("action", "x").
		Set(payload.KeyQueue, "other"))
	require.NoError(t, err)

	ok, _, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)

	action, _ := h.lastOpts.Get("action")
	assert.Equal(t, "x", action)
	assert.Empty(t, f.eligible(t, "other"))
	assert.Empty(t, f.eligible(t, "mailer"))
}

func TestOneShotTypeIsNeverRescheduled(t *testing.T) {
	f := newFixture(t, nil)
	h := &recordingHandler{}
	jt := f.registry.Register(JobType{Name: "import", OneShot: true, Handler: h})
	ctx := context.Background()

	_, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().
		Set(payload.KeyQueue, "import.manual").
		Set(payload.KeyInterval, 60))
	require.NoError(t, err)

	ok, _, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)

	all, err := f.scheduler.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRecordWithoutIntervalIsNotRescheduled(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(JobType{Name: "once", Handler: &recordingHandler{}})
	ctx := context.Background()

	// Written by another producer: no interval key at all
	blob, err := payload.Encode("once", payload.NewOptions().Set(payload.KeyQueue, "once"))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, blob, f.clock.Now(), "once")
	require.NoError(t, err)

	ok, _, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)
	assert.Empty(t, f.eligible(t, "once"))
}

func TestNilIntervalAtScheduleTimeStillRecurs(t *testing.T) {
	f := newFixture(t, nil)
	h := &recordingHandler{}
	jt := f.registry.Register(JobType{Name: "nightly", DefaultInterval: time.Hour, Handler: h})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, nil).
		Set(payload.KeyFirstStartTime, f.clock.Now()), nil)
	require.NoError(t, err)

	ok, _, err := f.pool.WorkOff(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)

	jobs := f.eligible(t, "nightly")
	require.Len(t, jobs, 1)
	assert.NotEqual(t, first.ID, jobs[0].ID)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(jobs[0].RunAt), "next run_at %s", jobs[0].RunAt)
	n, has := f.options(t, jobs[0]).Interval()
	require.True(t, has)
	assert.Equal(t, int64(3600), n)
}

func TestLoadRejectsUnknownAndMalformedPayloads(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(JobType{Name: "known", Handler: BaseHandler{}})
	ctx := context.Background()

	t.Run("unregistered job type", func(t *testing.T) {
		blob, err := payload.Encode("ghost", payload.NewOptions().Set(payload.KeyInterval, 60))
		require.NoError(t, err)
		job, err := f.queue.Enqueue(ctx, blob, f.clock.Now(), "ghost")
		require.NoError(t, err)

		_, err = f.lifecycle.Load(ctx, job)
		require.Error(t, err)
		assert.True(t, errors.IsNotFoundError(err))
		assert.Contains(t, errors.FlattenHints(err), "known")

		_, failed, err := f.pool.WorkOff(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)

		stored, err := f.queue.Get(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.True(t, stored.IsFailed())
		assert.Contains(t, stored.LastError, "ghost")
	})

	t.Run("malformed payload", func(t *testing.T) {
		job, err := f.queue.Enqueue(ctx, []byte("not msgpack"), f.clock.Now(), "junk")
		require.NoError(t, err)

		_, err = f.lifecycle.Load(ctx, job)
		assert.True(t, errors.Is(err, errors.ErrMalformedPayload))

		_, failed, err := f.pool.WorkOff(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)

		stored, err := f.queue.Get(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.True(t, stored.IsFailed())
		assert.Equal(t, 0, stored.Attempts)
	})
}

func TestExecutionHistoryOutlivesRecords(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "tick", Handler: &recordingHandler{}})
	ctx := context.Background()

	_, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().
		Set(payload.KeyInterval, 10).
		Set(payload.KeyFirstStartTime, f.clock.Now()), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, _, err := f.pool.WorkOff(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, ok)
		f.clock.Advance(10 * time.Second)
	}

	history, err := f.pool.Executions().ListByQueue(ctx, "tick", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, exec := range history {
		assert.Equal(t, async.ExecutionStatusSucceeded, exec.Status)
		assert.Equal(t, "tick", exec.JobType)
		assert.Equal(t, 1, exec.Attempt)
	}
	assert.NotEqual(t, history[0].JobID, history[1].JobID, "each occurrence is its own record")
}
