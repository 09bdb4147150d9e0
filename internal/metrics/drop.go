package metrics

import "streamguard/logger"

// DropMetric names the counter emitted when items leave the pipeline unwritten.
type DropMetric string

const (
	DropMetricQueueFull      DropMetric = "items_dropped_queue_full"
	DropMetricInvalidPayload DropMetric = "messages_dropped_invalid"
	DropMetricBatchFailed    DropMetric = "items_dropped_batch_failed"
	DropMetricDeadLettered   DropMetric = "items_dead_lettered"
)

// EmitDropMetric emits count under metric. Empty metadata is omitted so
// CloudWatch dimensions stay stable.
func EmitDropMetric(log *logger.Log, metric DropMetric, count int, streamID, stage string) {
	fields := logger.Fields{}
	if streamID != "" {
		fields["stream"] = streamID
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(metric), count, "counter", fields)
}
