package async

import (
	"context"
)

// Invocation is one loaded attempt of a job. The worker drives the hooks in
// order: Before, Perform, then exactly one of Success, Failure or Error, and
// finally After regardless of outcome.
//
// Design: Dependency Inversion
// - async defines the hook contract
// - the scheduler supplies Invocations through a Loader
// - the worker pool runs them without knowing what a payload means
type Invocation interface {
	// Name identifies the job type in logs and execution history
	Name() string

	Before(ctx context.Context, job *Job) error
	Perform(ctx context.Context, job *Job) error
	Success(ctx context.Context, job *Job)
	// Failure runs on the attempt that exhausts the job's attempts
	Failure(ctx context.Context, job *Job)
	// Error runs on a failed attempt that will be retried
	Error(ctx context.Context, job *Job, cause error)
	After(ctx context.Context, job *Job) error
}

// Loader turns a claimed job into an Invocation. A Load error means the
// payload can never run and the job is marked failed without retry.
type Loader interface {
	Load(ctx context.Context, job *Job) (Invocation, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, job *Job) (Invocation, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, job *Job) (Invocation, error) {
	return f(ctx, job)
}
