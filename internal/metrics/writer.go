package metrics

import "streamguard/logger"

// WriterStats are the batch writer's cumulative counters.
type WriterStats struct {
	BatchesFlushed int64 `json:"batches_flushed"`
	ItemsWritten   int64 `json:"items_written"`
	BatchesFailed  int64 `json:"batches_failed"`
	ItemsDropped   int64 `json:"items_dropped"`
	DeadLettered   int64 `json:"dead_lettered"`
	Retries        int64 `json:"retries"`
}

// ReportWriter emits the writer counters and logs a summary line.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	failureRate := float64(0)
	if total := stats.BatchesFlushed + stats.BatchesFailed; total > 0 {
		failureRate = float64(stats.BatchesFailed) / float64(total)
	}

	EmitMetric(log, component, "batches_flushed", stats.BatchesFlushed, "counter", nil)
	EmitMetric(log, component, "items_written", stats.ItemsWritten, "counter", nil)
	EmitMetric(log, component, "batches_failed", stats.BatchesFailed, "counter", nil)
	EmitMetric(log, component, "items_dropped", stats.ItemsDropped, "counter", nil)
	EmitMetric(log, component, "dead_lettered", stats.DeadLettered, "counter", nil)
	EmitMetric(log, component, "batch_failure_rate", failureRate*100, "gauge", logger.Fields{"unit": "percent"})

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_flushed": stats.BatchesFlushed,
		"items_written":   stats.ItemsWritten,
		"batches_failed":  stats.BatchesFailed,
		"items_dropped":   stats.ItemsDropped,
		"dead_lettered":   stats.DeadLettered,
		"retries":         stats.Retries,
		"failure_rate":    failureRate,
	})
	if stats.BatchesFailed > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
