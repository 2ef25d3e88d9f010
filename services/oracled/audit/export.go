package audit

import (
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=UTF8"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Emitter    string `parquet:"name=emitter, type=UTF8, encoding=PLAIN_DICTIONARY"`
	FeedID     *int64 `parquet:"name=feed_id, type=INT64, repetitiontype=OPTIONAL"`
	Attributes string `parquet:"name=attributes, type=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=UTF8"`
	Hash       string `parquet:"name=hash, type=UTF8"`
}

// WriteParquet encodes records as a single Parquet file on w.
func WriteParquet(w io.Writer, records []EventRecord) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRow{
			Seq:        int64(rec.Seq),
			ID:         rec.ID.String(),
			Type:       rec.Type,
			Emitter:    rec.Emitter,
			Attributes: rec.Attributes,
			RecordedAt: rec.RecordedAt.UTC().Format(time.RFC3339Nano),
			PrevHash:   rec.PrevHash,
			Hash:       rec.Hash,
		}
		if rec.FeedID != nil {
			feedID := int64(*rec.FeedID)
			row.FeedID = &feedID
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	return nil
}
