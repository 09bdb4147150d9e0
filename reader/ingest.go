package reader

import (
	"context"

	"streamguard/internal/channel"
	"streamguard/internal/metrics"
	"streamguard/logger"
	"streamguard/models"
)

// Decoder turns one raw stream message into an ingestion item. Malformed
// payloads should be reported as resilience.DataValidationError.
type Decoder func(payload []byte) (models.IngestionItem, error)

// IngestHandler decodes stream messages and enqueues them. In blocking mode
// a full queue stalls the stream's read loop; otherwise the item is dropped
// and counted.
type IngestHandler struct {
	decode   Decoder
	queue    *channel.Queue
	blocking bool
	log      *logger.Log
}

func NewIngestHandler(decode Decoder, queue *channel.Queue, blocking bool) *IngestHandler {
	return &IngestHandler{decode: decode, queue: queue, blocking: blocking, log: logger.GetLogger()}
}

func (h *IngestHandler) Handle(ctx context.Context, streamID string, payload []byte) error {
	item, err := h.decode(payload)
	if err != nil {
		return err
	}
	if h.blocking {
		return h.queue.Put(ctx, item)
	}
	if !h.queue.TryPut(item) {
		metrics.EmitDropMetric(h.log, metrics.DropMetricQueueFull, 1, streamID, "enqueue")
	}
	return nil
}
