// Package archive copies completed simulation results to durable storage
// as <job_id>.json and <job_id>.csv documents.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/stellarsim/internal/export"
	"github.com/seantiz/stellarsim/internal/model"
)

// Sink stores one named document.
type Sink interface {
	Put(ctx context.Context, name, contentType string, data []byte) error
}

// Archiver renders results and writes them to a Sink.
type Archiver struct {
	sink Sink
}

// New returns an Archiver writing to sink.
func New(sink Sink) *Archiver {
	return &Archiver{sink: sink}
}

// Archive writes r as JSON and CSV, stopping at the first failure.
func (a *Archiver) Archive(ctx context.Context, r *model.Result) error {
	for _, format := range []string{export.FormatJSON, export.FormatCSV} {
		data, err := export.Render(format, r)
		if err != nil {
			return fmt.Errorf("render %s: %w", format, err)
		}
		name := r.JobID + "." + format
		if err := a.sink.Put(ctx, name, export.ContentType(format), data); err != nil {
			return fmt.Errorf("put %s: %w", name, err)
		}
	}
	return nil
}

// Compile-time interface check.
var _ Sink = (*LocalSink)(nil)

// LocalSink writes documents into a directory on the local filesystem.
type LocalSink struct {
	dir string
}

// NewLocalSink creates dir if needed and returns a sink writing into it.
func NewLocalSink(dir string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Put writes data to dir/name, replacing any existing file.
func (l *LocalSink) Put(_ context.Context, name, _ string, data []byte) error {
	path := filepath.Join(l.dir, filepath.Base(name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
