package commands

import (
	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
	"github.com/teranos/recurring/pulse/schedule"
)

// LogJobType is the built-in job type: it logs its options and succeeds
const LogJobType = "recur.log"

// JobTypes holds the job types this binary can run. Programs embedding the
// commands register their own before executing the root command.
var JobTypes = schedule.NewRegistry()

func init() {
	JobTypes.Register(schedule.JobType{
		Name:    LogJobType,
		Handler: schedule.BaseHandler{},
	})
}

func payloadOf(job *async.Job) (*payload.Envelope, error) {
	env, err := payload.Decode(job.Handler)
	if err != nil {
		return nil, errors.WithDetailf(err, "Job ID: %s", job.ID)
	}
	return env, nil
}
