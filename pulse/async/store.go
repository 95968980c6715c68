package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/recurring/errors"
)

// reserveCandidates bounds how many due jobs one Reserve call tries to claim
const reserveCandidates = 5

// Store handles persistence of queued jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a new job
func (s *Store) Insert(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO queued_jobs (
			id, queue, handler, priority, attempts, last_error,
			run_at, locked_at, locked_by, failed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		nullString(job.Queue),
		job.Handler,
		job.Priority,
		job.Attempts,
		nullString(job.LastError),
		job.RunAt.UTC(),
		nullTime(job.LockedAt),
		nullString(job.LockedBy),
		nullTime(job.FailedAt),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert job")
	}
	return nil
}

// Get returns the job with id, or nil if there is none
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queued_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// FindOne returns the first job matching p, oldest first, or nil if none match
func (s *Store) FindOne(ctx context.Context, p Predicate) (*Job, error) {
	jobs, err := s.Find(ctx, p, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Find returns jobs matching p ordered by creation. limit <= 0 means no limit.
func (s *Store) Find(ctx context.Context, p Predicate, limit int) ([]*Job, error) {
	where, args, err := p.toSQL()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM queued_jobs WHERE ` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// Delete removes a job. Deleting a missing job is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	return nil
}

// UpdateField sets a single column on the job with id.
// Returns ErrNotFound if the job no longer exists.
func (s *Store) UpdateField(ctx context.Context, id string, field Field, value interface{}) error {
	if !knownFields[field] || field == FieldID {
		return errors.NewInvalidRequestError("field %q cannot be updated", field)
	}

	query := `UPDATE queued_jobs SET ` + string(field) + ` = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, bindValue(value), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update %s", field)
	}
	return requireOne(res, id)
}

// Reserve claims the next due, unlocked job for worker. A lock older than
// staleAfter is treated as abandoned. Returns nil when nothing is due.
//
// The claim is optimistic: candidates are selected first and each is taken
// with a conditional update, so two workers never hold the same job.
func (s *Store) Reserve(ctx context.Context, worker string, now time.Time, staleAfter time.Duration) (*Job, error) {
	now = now.UTC()
	staleBefore := now.Add(-staleAfter)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM queued_jobs
		WHERE failed_at IS NULL
		  AND run_at <= ?
		  AND (locked_at IS NULL OR locked_at < ?)
		ORDER BY priority, run_at, created_at, id
		LIMIT ?`, now, staleBefore, reserveCandidates)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan due job")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate due jobs")
	}

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queued_jobs
			SET locked_at = ?, locked_by = ?, updated_at = ?
			WHERE id = ?
			  AND failed_at IS NULL
			  AND (locked_at IS NULL OR locked_at < ?)`,
			now, worker, now, id, staleBefore)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to lock job %s", id)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.Get(ctx, id)
		}
	}
	return nil, nil
}

// Reschedule releases a job for another attempt at runAt
func (s *Store) Reschedule(ctx context.Context, job *Job, runAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_jobs
		SET attempts = ?, last_error = ?, run_at = ?,
		    locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`,
		job.Attempts, nullString(job.LastError), runAt.UTC(), time.Now().UTC(), job.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to reschedule job %s", job.ID)
	}
	return requireOne(res, job.ID)
}

// Fail marks a job as permanently failed and releases its lock
func (s *Store) Fail(ctx context.Context, job *Job, failedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_jobs
		SET attempts = ?, last_error = ?, failed_at = ?,
		    locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`,
		job.Attempts, nullString(job.LastError), failedAt.UTC(), time.Now().UTC(), job.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s failed", job.ID)
	}
	return requireOne(res, job.ID)
}

// Unlock releases a job without touching its attempts or run_at
func (s *Store) Unlock(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_jobs SET locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to unlock job %s", id)
	}
	return requireOne(res, id)
}

// ClearLocks releases every job held by worker. Used when a worker shuts down.
func (s *Store) ClearLocks(ctx context.Context, worker string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_jobs SET locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE locked_by = ?`, time.Now().UTC(), worker)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to clear locks for %s", worker)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnlockStale releases locks taken before the given time, left by crashed workers
func (s *Store) UnlockStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_jobs SET locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE locked_at IS NOT NULL AND locked_at < ?`, time.Now().UTC(), before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to unlock stale jobs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// JobCounts summarises the queue
type JobCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

// Counts returns how many jobs are pending, running and failed
func (s *Store) Counts(ctx context.Context) (JobCounts, error) {
	var c JobCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN failed_at IS NULL AND locked_by IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed_at IS NULL AND locked_by IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM queued_jobs`).Scan(&c.Pending, &c.Running, &c.Failed)
	if err != nil {
		return c, errors.Wrap(err, "failed to count jobs")
	}
	return c, nil
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}
