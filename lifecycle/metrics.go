package lifecycle

import (
	"time"
)

// metrics accumulates per-manager counters. Mutated only under the manager
// lock, on request completion or cache hit.
type metrics struct {
	total      int64
	successful int64
	failed     int64
	cacheHits  int64

	// completions counts executions folded into the running average
	// (cache hits and cancellations excluded).
	completions  int64
	avgExecution time.Duration
}

// recordExecution folds one execution time into the incremental running
// average, weighted by the number of completions so far.
func (m *metrics) recordExecution(d time.Duration) {
	m.completions++
	m.avgExecution += (d - m.avgExecution) / time.Duration(m.completions)
}

// MetricsSnapshot is the read-only view returned by Manager.Metrics.
type MetricsSnapshot struct {
	Total                  int64         `json:"total"`
	Successful             int64         `json:"successful"`
	Failed                 int64         `json:"failed"`
	CacheHits              int64         `json:"cache_hits"`
	AverageExecutionTimeMS float64       `json:"average_execution_time_ms"`
	AverageExecutionTime   time.Duration `json:"-"`
	QueueLength            int           `json:"queue_length"`
	ActiveCount            int           `json:"active_count"`
}
