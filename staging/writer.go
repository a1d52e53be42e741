// Package staging writes rows into newline-delimited JSON files in a
// staging store and groups the resulting files into load-sized partitions.
package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	jsoniter "github.com/json-iterator/go"

	"github.com/bqio/bqio/logger"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

var newline = []byte{'\n'}

// RowWriter accumulates the rows of one processing unit into a single
// staged file, counting output bytes exactly.
type RowWriter struct {
	store *stagingfs.Store
	path  string
	w     io.WriteCloser
	count int64
}

func NewRowWriter(store *stagingfs.Store) *RowWriter {
	return &RowWriter{store: store}
}

// Open creates the staged file named name inside the store.
func (r *RowWriter) Open(ctx context.Context, name string) error {
	path := r.store.Path(name)
	w, err := r.store.NewWriter(ctx, path)
	if err != nil {
		return err
	}
	logger.LoggerFromCtx(ctx).Debug("opened staged file", slog.String("path", path))
	r.path = path
	r.w = w
	r.count = 0
	return nil
}

// Write appends one row. On any error the underlying file is closed before
// the error propagates, so the staged resource never leaks; the close
// error, if any, never masks the write error.
func (r *RowWriter) Write(row model.Row) error {
	encoded, err := jsoniter.Marshal(row)
	if err != nil {
		r.w.Close()
		return fmt.Errorf("failed to encode row: %w", err)
	}
	n, err := r.w.Write(encoded)
	r.count += int64(n)
	if err != nil {
		r.w.Close()
		return fmt.Errorf("failed to write row to %s: %w", r.path, err)
	}
	n, err = r.w.Write(newline)
	r.count += int64(n)
	if err != nil {
		r.w.Close()
		return fmt.Errorf("failed to write row to %s: %w", r.path, err)
	}
	return nil
}

// Close finalizes the staged file. A writer that saw no rows yields a
// zero-byte StagedFile.
func (r *RowWriter) Close() (model.StagedFile, error) {
	if err := r.w.Close(); err != nil {
		return model.StagedFile{}, fmt.Errorf("failed to close staged file %s: %w", r.path, err)
	}
	return model.StagedFile{Path: r.path, ByteCount: r.count}, nil
}
