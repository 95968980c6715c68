package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/recurring/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsPending   int     `json:"jobs_pending"`
	JobsRunning   int     `json:"jobs_running"`
	JobsFailed    int     `json:"jobs_failed"`
}

// memoryStats is swapped in tests
var memoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

const (
	memoryPerWorkerGB = 0.5 // GB budgeted per concurrent job
	memoryBufferGB    = 2.0 // GB reserved for the rest of the system
	maxSafeWorkers    = 64
)

// calculateSafeWorkerCount recommends a worker count for the available memory
func calculateSafeWorkerCount(availableGB float64) int {
	if availableGB < memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	return min(max(recommended, 1), maxSafeWorkers)
}

// SystemMetrics returns current system resource usage and queue totals.
// Database errors are reported as zero counts.
func (wp *WorkerPool) SystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := memoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	counts, err := wp.queue.Counts(ctx)
	if err != nil {
		counts = JobCounts{}
	}

	wp.mu.Lock()
	active := wp.activeWorkers
	workers := wp.workers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: active,
		WorkersTotal:  workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsPending:   counts.Pending,
		JobsRunning:   counts.Running,
		JobsFailed:    counts.Failed,
	}
}

// checkMemoryPressure returns a warning when the worker count may be too high
// for available memory, or "" when it looks fine or cannot be checked.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := memoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	wp.mu.Lock()
	workers := wp.workers
	wp.mu.Unlock()

	if workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
