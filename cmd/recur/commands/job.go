package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/internal/util"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
	"github.com/teranos/recurring/sym"
)

// JobCmd groups the commands that schedule and inspect recurring jobs
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Decorate("job", "Schedule, inspect and tune recurring jobs"),
	Long: sym.Pulse + ` job - Schedule, inspect and tune recurring jobs

A recurring queue is named after its job type unless a queue option says
otherwise. Each queue holds one pending record at a time.

Examples:
  recur job schedule recur.log --interval 1h --at "0 3 * * *"
  recur job ls
  recur job interval recur.log 600
  recur job option recur.log message "hello"
  recur job once recur.log --queue recur.log.manual
  recur job history recur.log`,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recurring queues with their interval and next run",
	Args:  cobra.NoArgs,
	RunE:  runJobLs,
}

var jobRunningCmd = &cobra.Command{
	Use:   "running <queue>",
	Short: "Show which worker holds the record of a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRunning,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <queue>",
	Short: "Show the record of a queue and its options",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobIntervalCmd = &cobra.Command{
	Use:   "interval <queue> [seconds]",
	Short: "Get or set the interval of a scheduled queue",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runJobInterval,
}

var jobOptionCmd = &cobra.Command{
	Use:   "option <queue> <key> [value]",
	Short: "Get or set one option of a scheduled queue",
	Long: `Get or set one option of a scheduled queue.

Values are read as YAML scalars: 5 is an integer, true a boolean, "5" a string.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runJobOption,
}

var jobScheduleCmd = &cobra.Command{
	Use:   "schedule <job-type>",
	Short: "Schedule a recurring job, or update its existing record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobSchedule,
}

var jobUnscheduleCmd = &cobra.Command{
	Use:   "unschedule <job-type>",
	Short: "Remove the pending record of a job type's queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobUnschedule,
}

var jobOnceCmd = &cobra.Command{
	Use:   "once <job-type>",
	Short: "Queue a single run of a job type on another queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobOnce,
}

var jobHistoryCmd = &cobra.Command{
	Use:   "history <queue>",
	Short: "Show recent execution attempts of a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobHistory,
}

var (
	intervalFlag    time.Duration
	queueFlag       string
	atFlag          string
	optionsFileFlag string
	resetFlag       bool
	historyLimit    int
)

func init() {
	for _, c := range []*cobra.Command{jobScheduleCmd, jobOnceCmd} {
		c.Flags().StringVar(&queueFlag, "queue", "", "Queue name (default: the job type name)")
		c.Flags().StringVar(&atFlag, "at", "", "First run: RFC3339 time, +offset (+10m) or cron expression")
		c.Flags().StringVar(&optionsFileFlag, "options", "", "YAML file with job options")
	}
	jobScheduleCmd.Flags().DurationVar(&intervalFlag, "interval", 0, "Time between occurrences (default: the job type's interval)")
	jobIntervalCmd.Flags().BoolVar(&resetFlag, "reset", false, "Restore the job type's default interval")
	jobHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of attempts to show")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobRunningCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobIntervalCmd)
	JobCmd.AddCommand(jobOptionCmd)
	JobCmd.AddCommand(jobScheduleCmd)
	JobCmd.AddCommand(jobUnscheduleCmd)
	JobCmd.AddCommand(jobOnceCmd)
	JobCmd.AddCommand(jobHistoryCmd)
}

func runJobLs(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	intervals, err := a.scheduler.ListJobIntervals(context.Background())
	if err != nil {
		return err
	}
	if len(intervals) == 0 {
		pterm.Info.Println("No queued jobs")
		return nil
	}

	queues := make([]string, 0, len(intervals))
	for q := range intervals {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	data := pterm.TableData{{"QUEUE", "JOB TYPE", "INTERVAL", "NEXT RUN", "JOB ID"}}
	for _, q := range queues {
		info := intervals[q]
		data = append(data, []string{
			q,
			info.JobType,
			formatInterval(info.Interval),
			info.NextRun.Local().Format(time.DateTime),
			info.JobID,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobRunning(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	holder, err := a.scheduler.Running(context.Background(), args[0])
	if err != nil {
		return err
	}
	if holder == "" {
		fmt.Printf("%s is not running\n", args[0])
		return nil
	}
	fmt.Printf("%s is running on %s\n", args[0], holder)
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.scheduler.InQueueOrRunning(context.Background(), args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return errors.NewNotFoundError("no record in queue %q", args[0])
	}

	env, err := payloadOf(job)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", sym.Pulse, job.Queue)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Job ID:     %s\n", job.ID)
	fmt.Printf("Job Type:   %s\n", env.JobType)
	due := ""
	if job.IsDue(time.Now()) && !job.IsFailed() {
		due = " (due)"
	}
	fmt.Printf("Run At:     %s%s\n", job.RunAt.Local().Format(time.DateTime), due)
	fmt.Printf("Attempts:   %d\n", job.Attempts)
	if job.IsLocked() {
		fmt.Printf("Locked By:  %s\n", job.LockedBy)
	}
	if job.IsFailed() {
		fmt.Printf("Failed At:  %s\n", job.FailedAt.Local().Format(time.DateTime))
	}
	if job.LastError != "" {
		fmt.Printf("Last Error: %s\n", job.LastError)
	}

	if env.Options.Len() > 0 {
		out, err := yaml.Marshal(optionsNode(env.Options))
		if err != nil {
			return errors.Wrap(err, "failed to render options")
		}
		fmt.Printf("\nOptions:\n%s", util.Indent(string(out), "  "))
	}
	return nil
}

func runJobInterval(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	job, err := scheduledJob(ctx, a, args[0])
	if err != nil {
		return err
	}

	switch {
	case resetFlag:
		jt, err := jobTypeOf(job)
		if err != nil {
			return err
		}
		if err := a.scheduler.ResetJobInterval(ctx, jt, job); err != nil {
			return err
		}
	case len(args) == 2:
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "interval %q is not a number of seconds", args[1])
		}
		if err := a.scheduler.SetJobInterval(ctx, job, seconds); err != nil {
			return err
		}
	}

	seconds, ok, err := a.scheduler.JobInterval(job)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s has no interval\n", args[0])
		return nil
	}
	fmt.Printf("%s: %s\n", args[0], formatInterval(&seconds))
	return nil
}

func runJobOption(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	job, err := scheduledJob(ctx, a, args[0])
	if err != nil {
		return err
	}
	key := payload.Key(args[1])

	if len(args) == 3 {
		if err := a.scheduler.SetOption(ctx, job, key, parseOptionValue(args[2])); err != nil {
			return err
		}
	}

	value, ok, err := a.scheduler.GetOption(job, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("option %q is not set on %s", key, args[0])
	}
	fmt.Printf("%s = %v\n", key, value)
	return nil
}

func runJobSchedule(cmd *cobra.Command, args []string) error {
	jt, err := jobType(args[0])
	if err != nil {
		return err
	}
	opts, err := optionsFromFlags(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("interval") {
		opts.Set(payload.KeyInterval, intervalFlag)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.scheduler.ScheduleJob(context.Background(), jt, opts, nil)
	if err != nil {
		return err
	}
	seconds, _, err := a.scheduler.JobInterval(job)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s scheduled on %s, next run %s, every %s\n",
		jt.Name, job.Queue, job.RunAt.Local().Format(time.DateTime), formatInterval(&seconds))
	return nil
}

func runJobUnschedule(cmd *cobra.Command, args []string) error {
	jt, err := jobType(args[0])
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.scheduler.UnscheduleJob(context.Background(), jt)
	if err != nil {
		return err
	}
	if job == nil {
		pterm.Info.Printf("%s was not scheduled\n", jt.Name)
		return nil
	}
	pterm.Success.Printf("%s unscheduled (removed %s)\n", jt.Name, job.ID)
	return nil
}

func runJobOnce(cmd *cobra.Command, args []string) error {
	jt, err := jobType(args[0])
	if err != nil {
		return err
	}
	opts, err := optionsFromFlags(cmd)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.scheduler.QueueOnce(context.Background(), jt, opts)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s queued once on %s, runs %s\n",
		jt.Name, job.Queue, job.RunAt.Local().Format(time.DateTime))
	return nil
}

func runJobHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	execs, err := async.NewExecutionStore(a.db).ListByQueue(context.Background(), args[0], historyLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		pterm.Info.Printf("No executions recorded for %s\n", args[0])
		return nil
	}

	data := pterm.TableData{{"STARTED", "STATUS", "ATTEMPT", "DURATION", "JOB ID", "ERROR"}}
	for _, e := range execs {
		duration := "-"
		if e.DurationMs != nil {
			duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
		}
		data = append(data, []string{
			e.StartedAt.Local().Format(time.DateTime),
			e.Status,
			strconv.Itoa(e.Attempt),
			duration,
			e.JobID,
			util.Truncate(e.ErrorMessage, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// optionsFromFlags builds options from --options, --queue and --at, in that
// order, so flags override the file
func optionsFromFlags(cmd *cobra.Command) (*payload.Options, error) {
	opts := payload.NewOptions()
	if optionsFileFlag != "" {
		loaded, err := loadOptionsFile(optionsFileFlag)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}
	if queueFlag != "" {
		opts.Set(payload.KeyQueue, queueFlag)
	}
	if atFlag != "" {
		at, err := parseAt(atFlag, time.Now())
		if err != nil {
			return nil, err
		}
		opts.Set(payload.KeyFirstStartTime, at)
	}
	return opts, nil
}

// scheduledJob returns the eligible record of queue or a not-found error
func scheduledJob(ctx context.Context, a *app, queue string) (*async.Job, error) {
	job, err := a.scheduler.NextScheduledJob(ctx, queue, nil)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithHint(
			errors.NewNotFoundError("queue %q has no scheduled record", queue),
			"see recur job ls for scheduled queues")
	}
	return job, nil
}

func formatInterval(seconds *int64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds) * time.Second).String()
}

// optionsNode renders options as a YAML mapping in their stored order
func optionsNode(opts *payload.Options) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range opts.Keys() {
		v, _ := opts.Get(k)
		var value yaml.Node
		if err := value.Encode(v); err != nil {
			value = yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(v)}
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: string(k)},
			&value)
	}
	return node
}
