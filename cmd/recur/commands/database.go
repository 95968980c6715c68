package commands

import (
	"database/sql"

	"github.com/teranos/recurring/am"
	"github.com/teranos/recurring/db"
	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/logger"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/schedule"
)

// openDatabase opens and migrates the database at dbPath, or at the
// configured path when dbPath is empty
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// app is the wiring shared by the pulse and job commands
type app struct {
	cfg       *am.Config
	db        *sql.DB
	queue     *async.Queue
	scheduler *schedule.Scheduler
	lifecycle *schedule.Lifecycle
}

func openApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase("")
	if err != nil {
		return nil, err
	}

	queue := async.NewQueue(database)
	scheduler := schedule.NewScheduler(queue, logger.Logger,
		schedule.WithDefaultInterval(cfg.Pulse.DefaultInterval()))
	return &app{
		cfg:       cfg,
		db:        database,
		queue:     queue,
		scheduler: scheduler,
		lifecycle: schedule.NewLifecycle(JobTypes, scheduler, logger.Logger),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// jobType resolves a registered job type by name
func jobType(name string) (*schedule.JobType, error) {
	jt, ok := JobTypes.Get(name)
	if !ok {
		return nil, errors.WithHintf(
			errors.NewNotFoundError("job type %q is not registered", name),
			"registered job types: %v", JobTypes.Names())
	}
	return jt, nil
}

// jobTypeOf resolves the job type stored in job's payload. Types this binary
// does not know still get a bare JobType so their records can be inspected.
func jobTypeOf(job *async.Job) (*schedule.JobType, error) {
	env, err := payloadOf(job)
	if err != nil {
		return nil, err
	}
	if jt, ok := JobTypes.Get(env.JobType); ok {
		return jt, nil
	}
	return &schedule.JobType{Name: env.JobType}, nil
}
