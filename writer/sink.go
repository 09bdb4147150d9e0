package writer

import (
	"context"
	"fmt"
	"path"
	"time"

	appconfig "streamguard/config"
	"streamguard/models"
)

// Sink persists one batch. Writing the same batch twice must land on the
// same object, file or message key so retries stay idempotent.
type Sink interface {
	WriteBatch(ctx context.Context, batch models.Batch) error
	Close() error
}

// NewSink builds the sink selected by storage.sink.
func NewSink(ctx context.Context, cfg *appconfig.Config) (Sink, error) {
	switch cfg.Storage.Sink {
	case "s3":
		return NewS3Sink(ctx, cfg.Storage, cfg.Service.Version)
	case "local":
		return NewLocalSink(cfg.Storage.Local.Dir, cfg.Storage.Compression)
	case "kafka":
		return NewKafkaSink(cfg.Storage.Kafka.Brokers, cfg.Storage.Kafka.Topic)
	default:
		return nil, fmt.Errorf("unknown storage sink %q", cfg.Storage.Sink)
	}
}

// objectPath partitions by the batch's creation hour.
func objectPath(prefix string, batch models.Batch) string {
	ts := batch.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Unix(0, 0).UTC()
	}
	return path.Join(
		prefix,
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		batch.ID+".parquet",
	)
}
