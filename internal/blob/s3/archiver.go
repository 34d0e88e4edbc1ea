package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// RecordArchiveStore is the slice of the execution store the archiver needs.
type RecordArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionRecord, error)
	// DeleteBefore removes records older than the cutoff once archived.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. It queries execution records older
// than the cutoff, serializes them to JSONL, uploads the batch, verifies the
// object landed, and only then deletes the rows from the primary store.
type Archiver struct {
	writer  domain.BlobWriter
	reader  *Reader
	records RecordArchiveStore
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case the
// post-upload existence check is skipped.
func NewArchiver(writer domain.BlobWriter, reader *Reader, records RecordArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		records: records,
		logger:  logger.With("component", "archiver"),
	}
}

// Archive moves execution records older than the cutoff to cold storage and
// returns the number of records archived. Records stay in the primary store
// if the upload cannot be verified.
func (a *Archiver) Archive(ctx context.Context, before time.Time) (int, error) {
	records, err := a.records.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath("execution_records", before)
	if err := a.writer.Write(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	if a.reader != nil {
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive verify: object %s missing after upload", path)
		}
	}

	deleted, err := a.records.DeleteBefore(ctx, before)
	if err != nil {
		return len(records), fmt.Errorf("s3blob: archive prune: %w", err)
	}

	a.logger.Info("archived execution records",
		"path", path,
		"archived", len(records),
		"deleted", deleted,
		"before", before.Format(time.RFC3339))

	return len(records), nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/execution_records/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
