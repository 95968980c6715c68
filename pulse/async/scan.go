package async

import (
	"database/sql"
	"fmt"
	"time"
)

// jobColumns is the column list every job SELECT uses, in scan order
const jobColumns = `id, queue, handler, priority, attempts, last_error,
	run_at, locked_at, locked_by, failed_at, created_at, updated_at`

// jobScanArgs holds the nullable columns while a row is scanned
type jobScanArgs struct {
	Queue     sql.NullString
	LastError sql.NullString
	LockedAt  sql.NullTime
	LockedBy  sql.NullString
	FailedAt  sql.NullTime
}

// scanTargets returns pointers in jobColumns order
func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&args.Queue,
		&job.Handler,
		&job.Priority,
		&job.Attempts,
		&args.LastError,
		&job.RunAt,
		&args.LockedAt,
		&args.LockedBy,
		&args.FailedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// apply copies the nullable columns into the job
func (a *jobScanArgs) apply(job *Job) {
	job.Queue = a.Queue.String
	job.LastError = a.LastError.String
	job.LockedBy = a.LockedBy.String
	job.LockedAt = nil
	if a.LockedAt.Valid {
		t := a.LockedAt.Time
		job.LockedAt = &t
	}
	job.FailedAt = nil
	if a.FailedAt.Valid {
		t := a.FailedAt.Time
		job.FailedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

// nullString maps "" to NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps nil to NULL and stores times in UTC
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// bindValue normalises a value before it is bound to a statement.
// Times are stored in UTC so that text comparisons order correctly.
func bindValue(v interface{}) interface{} {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case *time.Time:
		return nullTime(x)
	default:
		return v
	}
}

func quoteForLog(v interface{}) string {
	if t, ok := v.(time.Time); ok {
		return fmt.Sprintf("%q", t.UTC().Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%q", fmt.Sprint(v))
}
