package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	qtest "github.com/teranos/recurring/internal/testing"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

// fixture wires a scheduler, lifecycle and worker pool over one test database
type fixture struct {
	queue     *async.Queue
	scheduler *Scheduler
	registry  *Registry
	lifecycle *Lifecycle
	pool      *async.WorkerPool
	log       *zap.SugaredLogger
	clock     *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, mutate func(*async.WorkerPoolConfig)) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}

	q := async.NewQueue(qtest.CreateTestDB(t))
	s := NewScheduler(q, log, WithClock(clock.Now))
	reg := NewRegistry()
	lc := NewLifecycle(reg, s, log)

	cfg := async.DefaultWorkerPoolConfig()
	cfg.Workers = 0
	if mutate != nil {
		mutate(&cfg)
	}
	pool := async.NewWorkerPool(t.Context(), q, lc, cfg, log, async.WithPoolClock(clock.Now))

	return &fixture{queue: q, scheduler: s, registry: reg, lifecycle: lc, pool: pool, log: log, clock: clock}
}

// eligible returns the records of queue with failed_at NULL
func (f *fixture) eligible(t *testing.T, queue string) []*async.Job {
	t.Helper()
	jobs, err := f.queue.Find(context.Background(), async.Where(
		async.Eq(async.FieldQueue, queue),
		async.IsNull(async.FieldFailedAt)))
	require.NoError(t, err)
	return jobs
}

func (f *fixture) options(t *testing.T, job *async.Job) *payload.Options {
	t.Helper()
	env, err := payload.Decode(job.Handler)
	require.NoError(t, err)
	return env.Options
}

// recordingHandler remembers which hooks ran and the delayed job ids it saw
type recordingHandler struct {
	mu       sync.Mutex
	calls    []string
	seenIDs  []string
	perform  func(ctx context.Context, run *Run) error
	lastOpts *payload.Options
}

func (h *recordingHandler) record(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) Perform(ctx context.Context, run *Run) error {
	h.record("perform")
	h.mu.Lock()
	h.seenIDs = append(h.seenIDs, run.DelayedJobID())
	h.lastOpts = run.Options.Clone()
	h.mu.Unlock()
	if h.perform != nil {
		return h.perform(ctx, run)
	}
	return nil
}

func (h *recordingHandler) Success(context.Context, *Run)      { h.record("success") }
func (h *recordingHandler) Failure(context.Context, *Run)      { h.record("failure") }
func (h *recordingHandler) Error(context.Context, *Run, error) { h.record("error") }
