package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/recurring/errors"
)

// Execution status constants
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusSucceeded = "succeeded"
	ExecutionStatusErrored   = "errored" // failed attempt that will be retried
	ExecutionStatusFailed    = "failed"  // final attempt
)

// Execution records one attempt of a job. Rows outlive the job itself, so the
// history of a recurring queue survives each occurrence being deleted.
type Execution struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	Queue        string     `json:"queue,omitempty"`
	JobType      string     `json:"job_type"`
	Worker       string     `json:"worker"`
	Attempt      int        `json:"attempt"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
}

// ExecutionStore handles persistence of execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Start inserts a running execution for job and returns it
func (s *ExecutionStore) Start(ctx context.Context, job *Job, jobType, worker string, startedAt time.Time) (*Execution, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate execution id")
	}

	exec := &Execution{
		ID:        id.String(),
		JobID:     job.ID,
		Queue:     job.Queue,
		JobType:   jobType,
		Worker:    worker,
		Attempt:   job.Attempts + 1,
		Status:    ExecutionStatusRunning,
		StartedAt: startedAt.UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pulse_executions (
			id, job_id, queue, job_type, worker, attempt, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, nullString(exec.Queue), exec.JobType,
		exec.Worker, exec.Attempt, exec.Status, exec.StartedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create execution")
	}
	return exec, nil
}

// Complete records the outcome of exec
func (s *ExecutionStore) Complete(ctx context.Context, exec *Execution, status string, cause error, completedAt time.Time) error {
	completedAt = completedAt.UTC()
	duration := completedAt.Sub(exec.StartedAt).Milliseconds()

	exec.Status = status
	exec.CompletedAt = &completedAt
	exec.DurationMs = &duration
	if cause != nil {
		exec.ErrorMessage = cause.Error()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_executions
		SET status = ?, error_message = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		exec.Status, nullString(exec.ErrorMessage), completedAt, duration, exec.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}
	return requireOne(result, exec.ID)
}

// ListByQueue returns the most recent executions for queue, newest first
func (s *ExecutionStore) ListByQueue(ctx context.Context, queue string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, queue, job_type, worker, attempt, status,
		       error_message, started_at, completed_at, duration_ms
		FROM pulse_executions
		WHERE queue = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, queue, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var exec Execution
		var q, errMsg sql.NullString
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&exec.ID, &exec.JobID, &q, &exec.JobType, &exec.Worker,
			&exec.Attempt, &exec.Status, &errMsg, &exec.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		exec.Queue = q.String
		exec.ErrorMessage = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			exec.CompletedAt = &t
		}
		if durationMs.Valid {
			d := durationMs.Int64
			exec.DurationMs = &d
		}
		execs = append(execs, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return execs, nil
}

// CleanupOld deletes executions that started before cutoff
func (s *ExecutionStore) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pulse_executions WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up executions")
	}
	n, _ := result.RowsAffected()
	return n, nil
}
