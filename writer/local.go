package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"

	"streamguard/internal/resilience"
	"streamguard/logger"
	"streamguard/models"
)

// LocalSink writes one parquet file per batch under dir. Files are written
// to a temporary name and renamed so readers never see partial files.
type LocalSink struct {
	dir         string
	compression string
	log         *logger.Log
}

func NewLocalSink(dir, compression string) (*LocalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("local sink directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	return &LocalSink{dir: dir, compression: compression, log: logger.GetLogger()}, nil
}

// PathFor returns the file a batch is written to.
func (s *LocalSink) PathFor(batch models.Batch) string {
	return filepath.Join(s.dir, filepath.FromSlash(objectPath("", batch)))
}

func (s *LocalSink) WriteBatch(ctx context.Context, batch models.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	final := s.PathFor(batch)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return resilience.Transient("mkdir", err)
	}

	tmp := final + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return resilience.Transient("create "+tmp, err)
	}
	if err := writeParquet(fw, batch, s.compression); err != nil {
		_ = fw.Close()
		_ = os.Remove(tmp)
		return resilience.Permanent(err)
	}
	if err := fw.Close(); err != nil {
		_ = os.Remove(tmp)
		return resilience.Transient("close "+tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return resilience.Transient("rename "+tmp, err)
	}

	logger.LogDataFlowEntry(s.log.WithComponent("local_sink").WithFields(logger.Fields{
		"batch_id": batch.ID,
		"path":     final,
	}), "batch_writer", "local", batch.Len(), "ohlcv")
	return nil
}

func (s *LocalSink) Close() error { return nil }
