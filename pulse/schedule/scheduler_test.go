package schedule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

func TestScheduleJobDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "report.nightly", Handler: BaseHandler{}})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 3600), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 3600), nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	assert.Len(t, f.eligible(t, "report.nightly"), 1)
}

func TestScheduleJobDefaults(t *testing.T) {
	tests := []struct {
		name string
		opts *payload.Options
	}{
		{"no options", nil},
		{"empty options", payload.NewOptions()},
		{"nil interval", payload.NewOptions().Set(payload.KeyInterval, nil)},
		{"unreadable interval", payload.NewOptions().Set(payload.KeyInterval, "soon")},
		{"empty queue", payload.NewOptions().Set(payload.KeyQueue, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			jt := f.registry.Register(JobType{Name: "cache.warm", Handler: BaseHandler{}})

			job, err := f.scheduler.ScheduleJob(context.Background(), jt, tt.opts, nil)
			require.NoError(t, err)

			assert.Equal(t, "cache.warm", job.Queue)
			assert.True(t, f.clock.Now().Add(24*time.Hour).Equal(job.RunAt), "run_at %s", job.RunAt)

			opts := f.options(t, job)
			n, ok := opts.Interval()
			require.True(t, ok)
			assert.Equal(t, int64(86400), n)
			q, _ := opts.Queue()
			assert.Equal(t, "cache.warm", q)
		})
	}
}

func TestScheduleJobNilIntervalRestoresDefault(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "index.rebuild", DefaultInterval: time.Hour, Handler: BaseHandler{}})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 60), nil)
	require.NoError(t, err)
	second, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	n, ok, err := f.scheduler.JobInterval(second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3600), n)
}

func TestScheduleJobTypeAndSchedulerDefaultInterval(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "feed.poll", DefaultInterval: 15 * time.Minute, Handler: BaseHandler{}})

	job, err := f.scheduler.ScheduleJob(context.Background(), jt, nil, nil)
	require.NoError(t, err)
	n, _, err := f.scheduler.JobInterval(job)
	require.NoError(t, err)
	assert.Equal(t, int64(900), n)

	s := NewScheduler(f.queue, f.log, WithDefaultInterval(time.Hour))
	other := &JobType{Name: "other", Handler: BaseHandler{}}
	assert.Equal(t, time.Hour, s.DefaultIntervalFor(other))
	assert.Equal(t, 15*time.Minute, s.DefaultIntervalFor(jt))
}

func TestScheduleJobUpdatesIntervalInPlace(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "digest", Handler: BaseHandler{}})
	ctx := context.Background()

	first, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 1), nil)
	require.NoError(t, err)
	second, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 0), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.RunAt.Equal(second.RunAt), "an interval change does not move run_at")

	jobs := f.eligible(t, "digest")
	require.Len(t, jobs, 1)
	n, ok, err := payload.Interval(jobs[0].Handler)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestScheduleJobFirstStartTime(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "backup", Handler: BaseHandler{}})
	ctx := context.Background()

	t0 := f.clock.Now().Add(3 * time.Hour)
	opts := payload.NewOptions().Set(payload.KeyInterval, 60).Set(payload.KeyFirstStartTime, t0)

	job, err := f.scheduler.ScheduleJob(ctx, jt, opts, nil)
	require.NoError(t, err)
	assert.True(t, t0.Equal(job.RunAt))
	assert.False(t, f.options(t, job).Has(payload.KeyFirstStartTime), "first_start_time is never persisted")
	assert.True(t, opts.Has(payload.KeyFirstStartTime), "caller options are not modified")

	f.clock.Advance(time.Minute)
	again, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 60), nil)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	stored, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, t0.Equal(stored.RunAt), "run_at only moves when first_start_time is given")

	t1 := t0.Add(time.Hour)
	moved, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 60).Set(payload.KeyFirstStartTime, t1), nil)
	require.NoError(t, err)
	assert.Equal(t, job.ID, moved.ID)
	assert.True(t, t1.Equal(moved.RunAt))
	assert.False(t, f.options(t, moved).Has(payload.KeyFirstStartTime))
}

func TestScheduleJobRejectsBadFirstStartTime(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "x", Handler: BaseHandler{}})

	_, err := f.scheduler.ScheduleJob(context.Background(), jt,
		payload.NewOptions().Set(payload.KeyFirstStartTime, "next tuesday"), nil)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Empty(t, f.eligible(t, "x"))
}

func TestScheduleJobCustomQueue(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "mailer", Handler: BaseHandler{}})
	ctx := context.Background()

	a, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyQueue, "mailer.eu"), nil)
	require.NoError(t, err)
	b, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyQueue, "mailer.us"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, f.eligible(t, "mailer.eu"), 1)
	assert.Len(t, f.eligible(t, "mailer.us"), 1)
	assert.Empty(t, f.eligible(t, "mailer"))
}

func TestScheduleJobExcluding(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "sync", Handler: BaseHandler{}})
	ctx := context.Background()

	current, err := f.scheduler.ScheduleJob(ctx, jt, nil, nil)
	require.NoError(t, err)

	next, err := f.scheduler.ScheduleJob(ctx, jt, nil, current)
	require.NoError(t, err)
	assert.NotEqual(t, current.ID, next.ID)
	assert.Len(t, f.eligible(t, "sync"), 2)
}

func TestScheduleJobIgnoresFailedRecords(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "sync", Handler: BaseHandler{}})
	ctx := context.Background()

	dead, err := f.scheduler.ScheduleJob(ctx, jt, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.queue.UpdateField(ctx, dead, async.FieldFailedAt, time.Now()))

	fresh, err := f.scheduler.ScheduleJob(ctx, jt, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, dead.ID, fresh.ID)
}

func TestOneShotTypeGuards(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "import.once", OneShot: true, Handler: BaseHandler{}})
	ctx := context.Background()

	_, err := f.scheduler.ScheduleJob(ctx, jt, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedOperation))
	assert.Contains(t, err.Error(), "import.once")

	_, err = f.scheduler.UnscheduleJob(ctx, jt)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedOperation))

	job, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().Set(payload.KeyQueue, "import.once.manual"))
	require.NoError(t, err)
	assert.Equal(t, "import.once.manual", job.Queue)
}

func TestUnscheduleJob(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "cleanup", Handler: BaseHandler{}})
	ctx := context.Background()

	scheduled, err := f.scheduler.ScheduleJob(ctx, jt, nil, nil)
	require.NoError(t, err)

	removed, err := f.scheduler.UnscheduleJob(ctx, jt)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, scheduled.ID, removed.ID)
	assert.Empty(t, f.eligible(t, "cleanup"))

	removed, err = f.scheduler.UnscheduleJob(ctx, jt)
	require.NoError(t, err)
	assert.Nil(t, removed, "second call finds nothing")
}

func TestQueueOnce(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "mailer", Handler: BaseHandler{}})
	ctx := context.Background()

	t.Run("canonical queue rejected", func(t *testing.T) {
		_, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().Set(payload.KeyQueue, "mailer"))
		assert.True(t, errors.Is(err, errors.ErrInvalidQueueName))
	})

	t.Run("missing queue rejected", func(t *testing.T) {
		_, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().Set("action", "x"))
		assert.True(t, errors.Is(err, errors.ErrInvalidQueueName))
	})

	t.Run("runs now", func(t *testing.T) {
		job, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().Set("action", "x").Set(payload.KeyQueue, "other"))
		require.NoError(t, err)
		assert.True(t, f.clock.Now().Equal(job.RunAt))

		opts := f.options(t, job)
		v, _ := opts.Get("action")
		assert.Equal(t, "x", v)
		assert.False(t, opts.Has(payload.KeyInterval), "no default interval is added")
	})

	t.Run("no dedup", func(t *testing.T) {
		_, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().Set(payload.KeyQueue, "burst"))
		require.NoError(t, err)
		_, err = f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().Set(payload.KeyQueue, "burst"))
		require.NoError(t, err)
		assert.Len(t, f.eligible(t, "burst"), 2)
	})

	t.Run("first_start_time honoured and stripped", func(t *testing.T) {
		at := f.clock.Now().Add(time.Hour)
		job, err := f.scheduler.QueueOnce(ctx, jt, payload.NewOptions().
			Set(payload.KeyQueue, "later").
			Set(payload.KeyFirstStartTime, at))
		require.NoError(t, err)
		assert.True(t, at.Equal(job.RunAt))
		assert.False(t, f.options(t, job).Has(payload.KeyFirstStartTime))
	})
}

func TestIntervalAndOptionAccessors(t *testing.T) {
	f := newFixture(t, nil)
	jt := f.registry.Register(JobType{Name: "report", DefaultInterval: time.Hour, Handler: BaseHandler{}})
	ctx := context.Background()

	job, err := f.scheduler.ScheduleJob(ctx, jt, payload.NewOptions().Set(payload.KeyInterval, 60).Set("format", "pdf"), nil)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.SetJobInterval(ctx, job, 120))
	n, ok, err := f.scheduler.JobInterval(job)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(120), n)

	require.NoError(t, f.scheduler.ResetJobInterval(ctx, jt, job))
	n, _, err = f.scheduler.JobInterval(job)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), n)

	require.NoError(t, f.scheduler.SetOption(ctx, job, "format", "csv"))
	v, ok, err := f.scheduler.GetOption(job, "format")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "csv", v)

	stored, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	v, _, err = f.scheduler.GetOption(stored, "format")
	require.NoError(t, err)
	assert.Equal(t, "csv", v, "SetOption persists the payload")

	assert.True(t, errors.IsInvalidRequestError(f.scheduler.SetJobInterval(ctx, job, -1)))
}

func TestAccessorsSurfaceMalformedPayload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, []byte("--- !ruby/object"), time.Now(), "legacy")
	require.NoError(t, err)

	_, _, err = f.scheduler.JobInterval(job)
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))
	_, _, err = f.scheduler.GetOption(job, "x")
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))
	err = f.scheduler.SetOption(ctx, job, "x", 1)
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))

	jt := f.registry.Register(JobType{Name: "legacy", Handler: BaseHandler{}})
	_, err = f.scheduler.ScheduleJob(ctx, jt, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload), "existing record must be decodable to compare intervals")
}

func TestSchedulerPropagatesStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewScheduler(async.NewQueue(db), zaptest.NewLogger(t).Sugar())
	jt := &JobType{Name: "x", Handler: BaseHandler{}}

	mock.ExpectQuery("SELECT .* FROM queued_jobs").WillReturnError(sql.ErrConnDone)
	_, err = s.ScheduleJob(context.Background(), jt, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err))
	assert.True(t, errors.Is(err, sql.ErrConnDone))

	mock.ExpectQuery("SELECT .* FROM queued_jobs").WillReturnError(sql.ErrConnDone)
	_, err = s.UnscheduleJob(context.Background(), jt)
	assert.True(t, errors.IsStorageError(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSchedulerWithoutLogger(t *testing.T) {
	f := newFixture(t, nil)
	s := NewScheduler(f.queue, nil)
	require.NotNil(t, s.logger)

	jt := &JobType{Name: "quiet", Handler: BaseHandler{}}
	_, err := s.ScheduleJob(context.Background(), jt, nil, nil)
	require.NoError(t, err)
}
