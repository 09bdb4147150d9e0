package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"streamguard/models"
)

// OHLCVRecord is the parquet row layout shared by every file sink.
type OHLCVRecord struct {
	BatchID     string  `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source      string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe   string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime    int64   `parquet:"name=open_time, type=INT64"`
	CloseTime   int64   `parquet:"name=close_time, type=INT64"`
	Open        float64 `parquet:"name=open, type=DOUBLE"`
	High        float64 `parquet:"name=high, type=DOUBLE"`
	Low         float64 `parquet:"name=low, type=DOUBLE"`
	Close       float64 `parquet:"name=close, type=DOUBLE"`
	Volume      float64 `parquet:"name=volume, type=DOUBLE"`
	Trades      int64   `parquet:"name=trades, type=INT64"`
	Final       bool    `parquet:"name=final, type=BOOLEAN"`
	EnqueueTime int64   `parquet:"name=enqueue_time, type=INT64"`
}

func toRecord(batchID string, item models.IngestionItem) OHLCVRecord {
	c := item.Candle
	return OHLCVRecord{
		BatchID:     batchID,
		Source:      item.Source,
		Symbol:      item.Symbol,
		Timeframe:   item.Timeframe,
		OpenTime:    c.OpenTime.UnixMilli(),
		CloseTime:   c.CloseTime.UnixMilli(),
		Open:        c.Open.InexactFloat64(),
		High:        c.High.InexactFloat64(),
		Low:         c.Low.InexactFloat64(),
		Close:       c.Close.InexactFloat64(),
		Volume:      c.Volume.InexactFloat64(),
		Trades:      c.Trades,
		Final:       c.Final,
		EnqueueTime: item.EnqueueTime.UnixMilli(),
	}
}

// memoryFile is an in-memory source.ParquetFile for building objects
// before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buffer: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy", "":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// writeParquet streams the batch into fw and finalises the file footer.
func writeParquet(fw source.ParquetFile, batch models.Batch, compression string) error {
	pw, err := writer.NewParquetWriter(fw, new(OHLCVRecord), 1)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, item := range batch.Items {
		if err := pw.Write(toRecord(batch.ID, item)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}

func encodeParquet(batch models.Batch, compression string) ([]byte, error) {
	fw := newMemoryFile()
	if err := writeParquet(fw, batch, compression); err != nil {
		return nil, err
	}
	return fw.Bytes(), nil
}
