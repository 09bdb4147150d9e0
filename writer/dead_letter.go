package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"streamguard/models"
)

// DeadLetter keeps batches the primary sink gave up on, as parquet plus a
// JSON sidecar describing the failure.
type DeadLetter struct {
	files *LocalSink
}

type deadLetterRecord struct {
	BatchID   string    `json:"batch_id"`
	Items     int       `json:"items"`
	CreatedAt time.Time `json:"created_at"`
	FailedAt  time.Time `json:"failed_at"`
	Error     string    `json:"error"`
}

func NewDeadLetter(dir, compression string) (*DeadLetter, error) {
	files, err := NewLocalSink(dir, compression)
	if err != nil {
		return nil, err
	}
	return &DeadLetter{files: files}, nil
}

func (d *DeadLetter) Store(ctx context.Context, batch models.Batch, cause error) error {
	if err := d.files.WriteBatch(ctx, batch); err != nil {
		return err
	}
	rec := deadLetterRecord{
		BatchID:   batch.ID,
		Items:     batch.Len(),
		CreatedAt: batch.CreatedAt,
		FailedAt:  time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter record: %w", err)
	}
	sidecar := d.files.PathFor(batch)
	sidecar = sidecar[:len(sidecar)-len(filepath.Ext(sidecar))] + ".json"
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dead letter record: %w", err)
	}
	return nil
}
