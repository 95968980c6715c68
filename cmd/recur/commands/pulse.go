package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/recurring/am"
	"github.com/teranos/recurring/logger"
	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/sym"
)

// PulseCmd represents the pulse command - the worker pool that runs due jobs
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Decorate("pulse", "Run the worker pool"),
	Long: sym.Pulse + ` Pulse - the worker pool that runs due jobs.

Workers claim due jobs from the queue, run them with a per-attempt timeout
and retry failures with backoff. A recurring job enqueues its next
occurrence after every attempt.

Example:
  recur pulse start              # Run until interrupted
  recur pulse start --workers 3  # Run with 3 concurrent workers
  recur pulse work-off --n 10    # Run up to 10 due jobs and exit
  recur pulse status             # Show queue totals and memory headroom`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker pool in the foreground",
	Long: `Start the worker pool in the foreground.

The pool will:
- Release locks left behind by crashed workers
- Run due jobs with the configured number of workers
- Apply config file changes (workers, rate limit, attempts) without restart
- On Ctrl+C, finish or release running jobs before exiting`,
	RunE: runPulseStart,
}

var pulseWorkOffCmd = &cobra.Command{
	Use:   "work-off",
	Short: "Run due jobs once and exit",
	RunE:  runPulseWorkOff,
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue totals and memory headroom",
	RunE:  runPulseStatus,
}

var (
	workersFlag          int
	workOffFlag          int
	historyRetentionFlag time.Duration
)

func init() {
	pulseStartCmd.Flags().IntVar(&workersFlag, "workers", -1, "Number of concurrent workers (default from pulse.workers)")
	pulseStartCmd.Flags().DurationVar(&historyRetentionFlag, "history-retention", 7*24*time.Hour, "Delete execution history older than this on start, 0 keeps everything")
	pulseWorkOffCmd.Flags().IntVar(&workOffFlag, "n", 100, "Maximum number of jobs to run")

	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseWorkOffCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
}

func poolConfig(cfg *am.Config) async.WorkerPoolConfig {
	poolCfg := async.ConfigFromAM(cfg)
	if workersFlag >= 0 {
		poolCfg.Workers = workersFlag
	}
	return poolCfg
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg := poolConfig(a.cfg)
	pool := async.NewWorkerPool(ctx, a.queue, a.lifecycle, poolCfg, logger.Logger)

	if historyRetentionFlag > 0 && pool.Executions() != nil {
		removed, err := pool.Executions().CleanupOld(ctx, time.Now().Add(-historyRetentionFlag))
		if err != nil {
			logger.Warnw("Failed to prune execution history", logger.FieldError, err)
		} else if removed > 0 {
			logger.Infow("Pruned execution history", logger.FieldCount, removed, "older_than", historyRetentionFlag)
		}
	}

	pool.Start()

	watcher := watchConfig(pool)
	if watcher != nil {
		defer watcher.Stop()
	}

	fmt.Printf("%s Pulse started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", poolCfg.Workers)
	fmt.Printf("  Poll interval: %v\n", poolCfg.PollInterval)
	fmt.Printf("  Max attempts: %d\n", poolCfg.MaxAttempts)
	fmt.Printf("  Max run time: %v\n", poolCfg.MaxRunTime)
	if poolCfg.MaxJobsPerMinute > 0 {
		fmt.Printf("  Rate limit: %d jobs/minute\n", poolCfg.MaxJobsPerMinute)
	}
	fmt.Printf("  Job types: %v\n", JobTypes.Names())
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	<-ctx.Done()

	fmt.Printf("\n%s Stopping workers...\n", sym.PulseClose)
	pool.Stop()
	fmt.Printf("%s Pulse stopped\n", sym.PulseClose)
	return nil
}

// watchConfig reconfigures pool whenever a loaded config file changes.
// Returns nil when no config file was loaded or watching is unavailable.
func watchConfig(pool *async.WorkerPool) *am.ConfigWatcher {
	files := am.LoadedFiles()
	if len(files) == 0 {
		return nil
	}

	watcher, err := am.NewConfigWatcher(files, am.WithWatcherLogger(logger.Logger))
	if err != nil {
		logger.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
		pool.Reconfigure(poolConfig(cfg))
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

func runPulseWorkOff(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg := async.ConfigFromAM(a.cfg)
	poolCfg.Workers = 0
	pool := async.NewWorkerPool(ctx, a.queue, a.lifecycle, poolCfg, logger.Logger)

	succeeded, failed, err := pool.WorkOff(ctx, workOffFlag)
	if err != nil {
		return err
	}

	switch {
	case succeeded+failed == 0:
		pterm.Info.Println("No jobs due")
	case failed == 0:
		pterm.Success.Printf("%d job(s) succeeded\n", succeeded)
	default:
		pterm.Warning.Printf("%d job(s) succeeded, %d failed\n", succeeded, failed)
	}
	return nil
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	pool := async.NewWorkerPool(ctx, a.queue, a.lifecycle, async.ConfigFromAM(a.cfg), logger.Logger)
	m := pool.SystemMetrics(ctx)

	fmt.Printf("%s Pulse status\n", sym.Pulse)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Pending Jobs:   %d\n", m.JobsPending)
	fmt.Printf("Running Jobs:   %d\n", m.JobsRunning)
	fmt.Printf("Failed Jobs:    %d\n", m.JobsFailed)
	fmt.Printf("Workers:        %d configured\n", m.WorkersTotal)
	if m.MemoryTotalGB > 0 {
		fmt.Printf("Memory:         %.1f / %.1f GB (%.0f%%)\n", m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	return nil
}
