// Package schedule keeps exactly one pending occurrence per recurring queue:
// it decides whether to update the queue's current record or enqueue a new
// one, and re-enqueues the next occurrence after every execution attempt.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/recurring/logger"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

// JobType is the identity of a kind of recurring job. Name is both the
// canonical queue name and the job type recorded in every payload.
type JobType struct {
	Name string

	// DefaultInterval applies when ScheduleJob is called without an interval.
	// Zero falls back to the scheduler's default (24h unless configured).
	DefaultInterval time.Duration

	// OneShot types can only be queued with QueueOnce and are never
	// rescheduled after running.
	OneShot bool

	Handler Handler
}

// Handler is implemented by application code for each job type.
// Exactly one of Success, Failure or Error is called per attempt.
type Handler interface {
	Perform(ctx context.Context, run *Run) error
	Success(ctx context.Context, run *Run)
	// Failure is called on the attempt that exhausts the job's attempts
	Failure(ctx context.Context, run *Run)
	// Error is called on a failed attempt that will be retried
	Error(ctx context.Context, run *Run, cause error)
}

// Run is the in-memory state of one attempt
type Run struct {
	Job     *async.Job
	JobType *JobType
	Options *payload.Options
	Logger  *zap.SugaredLogger
}

// DelayedJobID returns the id of the record being executed, as injected
// before the body runs
func (r *Run) DelayedJobID() string {
	v, ok := r.Options.Get(payload.KeyDelayedJobID)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// BaseHandler supplies no-op hooks. Embed it and override what you need.
// Its Perform logs the run's options.
type BaseHandler struct{}

// Perform logs the options and succeeds
func (BaseHandler) Perform(ctx context.Context, run *Run) error {
	log := run.Logger
	if log == nil {
		log = logger.LoggerFromContext(ctx, nil)
	}
	log.Infow("Performing job", "options", run.Options.Map())
	return nil
}

func (BaseHandler) Success(context.Context, *Run)      {}
func (BaseHandler) Failure(context.Context, *Run)      {}
func (BaseHandler) Error(context.Context, *Run, error) {}

// HandlerFunc adapts a function to Handler with no-op hooks
type HandlerFunc func(ctx context.Context, run *Run) error

func (f HandlerFunc) Perform(ctx context.Context, run *Run) error { return f(ctx, run) }
func (HandlerFunc) Success(context.Context, *Run)                 {}
func (HandlerFunc) Failure(context.Context, *Run)                 {}
func (HandlerFunc) Error(context.Context, *Run, error)            {}

// Registry holds job types by name.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	types map[string]*JobType
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*JobType)}
}

// Register adds a job type.
// Panics if the type has no name or handler, or the name is already taken.
func (r *Registry) Register(jt JobType) *JobType {
	if jt.Name == "" {
		panic("job type name cannot be empty")
	}
	if jt.Handler == nil {
		panic(fmt.Sprintf("job type %s has no handler", jt.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[jt.Name]; exists {
		panic(fmt.Sprintf("job type already registered: %s", jt.Name))
	}
	stored := jt
	r.types[jt.Name] = &stored
	return &stored
}

// Get returns the job type registered under name
func (r *Registry) Get(name string) (*JobType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jt, ok := r.types[name]
	return jt, ok
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
