// Package async provides the durable job queue that recurring schedules run on:
// the queued job record, its SQLite store, and the worker pool that executes
// due jobs.
package async

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/recurring/errors"
)

// Job is one queued execution: a handler blob plus the bookkeeping the
// worker pool needs to lock, retry and fail it.
//
// Queue carries the recurring identity; it is empty for jobs that have none.
type Job struct {
	ID        string     `json:"id"`
	Queue     string     `json:"queue,omitempty"`
	Handler   []byte     `json:"-"`
	Priority  int        `json:"priority"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	RunAt     time.Time  `json:"run_at"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	LockedBy  string     `json:"locked_by,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewJob creates an unsaved job with a time-ordered id
func NewJob(handler []byte, runAt time.Time, queue string) (*Job, error) {
	if len(handler) == 0 {
		return nil, errors.NewInvalidRequestError("handler payload cannot be empty")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job id")
	}

	now := time.Now().UTC()
	return &Job{
		ID:        id.String(),
		Queue:     queue,
		Handler:   handler,
		RunAt:     runAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsLocked reports whether a worker currently holds the job
func (j *Job) IsLocked() bool {
	return j.LockedBy != ""
}

// IsFailed reports whether the job exhausted its attempts and was kept
func (j *Job) IsFailed() bool {
	return j.FailedAt != nil
}

// IsDue reports whether the job may run at now
func (j *Job) IsDue(now time.Time) bool {
	return !j.RunAt.After(now)
}
