package metrics

import (
	"context"
	"time"

	"streamguard/logger"
)

// QueueSizer is satisfied by the ingestion queue.
type QueueSizer interface {
	Len() int
	Capacity() int
}

// StartQueueMonitor emits the queue depth every interval and warns while
// depth is at or above highWater × capacity. The warning is advisory.
// It blocks until ctx is done.
func StartQueueMonitor(ctx context.Context, q QueueSizer, interval time.Duration, highWater float64) {
	if q == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			CheckQueueDepth(log, q, highWater)
		}
	}
}

// CheckQueueDepth emits one depth sample and reports whether the high-water
// mark was reached.
func CheckQueueDepth(log *logger.Log, q QueueSizer, highWater float64) bool {
	depth, capacity := q.Len(), q.Capacity()
	utilisation := 0.0
	if capacity > 0 {
		utilisation = float64(depth) / float64(capacity)
	}

	EmitMetric(log, "ingestion_queue", "queue_depth", depth, "gauge", logger.Fields{"capacity": capacity})
	EmitMetric(log, "ingestion_queue", "queue_utilisation", utilisation*100, "gauge", logger.Fields{"unit": "percent"})

	if capacity > 0 && float64(depth) >= highWater*float64(capacity) {
		log.WithComponent("ingestion_queue").WithFields(logger.Fields{
			"depth":           depth,
			"capacity":        capacity,
			"high_water_mark": highWater,
		}).Warn("ingestion queue above high-water mark")
		return true
	}
	return false
}
