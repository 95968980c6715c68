package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/recurring/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Adapter is the queue surface the scheduler relies on. Queue is the SQLite
// implementation; tests may substitute their own.
type Adapter interface {
	// Enqueue persists a new job and returns it with its id assigned
	Enqueue(ctx context.Context, handler []byte, runAt time.Time, queue string) (*Job, error)
	// FindOne returns the oldest job matching p, or nil
	FindOne(ctx context.Context, p Predicate) (*Job, error)
	// Delete removes job. Deleting a missing job is not an error.
	Delete(ctx context.Context, job *Job) error
	// UpdateField persists one column and mirrors it onto job
	UpdateField(ctx context.Context, job *Job, field Field, value interface{}) error
	// AllWithQueue returns every job that has a queue name
	AllWithQueue(ctx context.Context) ([]*Job, error)
}

// Queue is the SQLite-backed Adapter
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job // Channels notified of new jobs
}

var _ Adapter = (*Queue)(nil)

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store exposes the underlying store for worker-side operations
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(ctx context.Context, handler []byte, runAt time.Time, queue string) (*Job, error) {
	job, err := NewJob(handler, runAt, queue)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Insert(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", job.Queue))
		return nil, errors.MarkStorage(err)
	}

	q.notifySubscribers(job)
	return job, nil
}

// Get retrieves a job by ID, or nil if it no longer exists
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, errors.MarkStorage(errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id)))
	}
	return job, nil
}

// FindOne returns the oldest job matching p
func (q *Queue) FindOne(ctx context.Context, p Predicate) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, err := q.store.FindOne(ctx, p)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			return nil, err
		}
		err = errors.Wrap(err, "failed to find job")
		err = errors.WithDetail(err, fmt.Sprintf("Predicate: %s", p))
		return nil, errors.MarkStorage(err)
	}
	return job, nil
}

// Find returns every job matching p, oldest first
func (q *Queue) Find(ctx context.Context, p Predicate) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	jobs, err := q.store.Find(ctx, p, 0)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			return nil, err
		}
		err = errors.WithDetail(err, fmt.Sprintf("Predicate: %s", p))
		return nil, errors.MarkStorage(err)
	}
	return jobs, nil
}

// Delete removes a job
func (q *Queue) Delete(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, job.ID); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", job.Queue))
		return errors.MarkStorage(err)
	}
	return nil
}

// UpdateField persists one column of job and mirrors the new value onto it
func (q *Queue) UpdateField(ctx context.Context, job *Job, field Field, value interface{}) error {
	if job == nil {
		return errors.NewInvalidRequestError("cannot update a nil job")
	}

	updated := *job
	if err := applyField(&updated, field, value); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateField(ctx, job.ID, field, value); err != nil {
		if errors.IsInvalidRequestError(err) || errors.IsNotFoundError(err) {
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		}
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Field: %s", field))
		return errors.MarkStorage(err)
	}

	updated.UpdatedAt = time.Now().UTC()
	*job = updated
	return nil
}

// AllWithQueue returns every job that carries a queue name
func (q *Queue) AllWithQueue(ctx context.Context) ([]*Job, error) {
	return q.Find(ctx, Where(NotNull(FieldQueue)))
}

// Counts returns pending, running and failed totals
func (q *Queue) Counts(ctx context.Context) (JobCounts, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	c, err := q.store.Counts(ctx)
	if err != nil {
		return c, errors.MarkStorage(err)
	}
	return c, nil
}

// applyField mirrors a persisted column onto the in-memory job
func applyField(job *Job, field Field, value interface{}) error {
	var ok bool
	switch field {
	case FieldQueue:
		job.Queue, ok = stringOrNil(value)
	case FieldHandler:
		job.Handler, ok = value.([]byte)
	case FieldPriority:
		job.Priority, ok = value.(int)
	case FieldAttempts:
		job.Attempts, ok = value.(int)
	case FieldLastError:
		job.LastError, ok = stringOrNil(value)
	case FieldRunAt:
		var t time.Time
		if t, ok = value.(time.Time); ok {
			job.RunAt = t.UTC()
		}
	case FieldLockedAt:
		job.LockedAt, ok = timePtrOrNil(value)
	case FieldLockedBy:
		job.LockedBy, ok = stringOrNil(value)
	case FieldFailedAt:
		job.FailedAt, ok = timePtrOrNil(value)
	}
	if !ok {
		return errors.NewInvalidRequestError("value %T does not fit field %s", value, field)
	}
	return nil
}

func stringOrNil(v interface{}) (string, bool) {
	if v == nil {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}

func timePtrOrNil(v interface{}) (*time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case *time.Time:
		if x == nil {
			return nil, true
		}
		t := x.UTC()
		return &t, true
	case time.Time:
		t := x.UTC()
		return &t, true
	}
	return nil, false
}

// Subscribe returns a channel that receives newly enqueued jobs.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job to every subscriber without blocking.
// REQUIRES: q.mu held by caller.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}
