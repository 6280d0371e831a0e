package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"basegraph.app/batchinfer/internal/dispatch"
)

const (
	ResultsFile     = "results.jsonl"
	DiagnosticsFile = "diagnostics.jsonl"
)

// File writes results.jsonl and diagnostics.jsonl into a directory, one
// record per line in submission order. Existing files are replaced.
type File[V any] struct {
	dir string
}

func NewFile[V any](dir string) (*File[V], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &File[V]{dir: dir}, nil
}

func (f *File[V]) Write(ctx context.Context, report *dispatch.Report[V]) error {
	sorted := *report
	sorted.Successes = append([]dispatch.Success[V](nil), report.Successes...)
	sorted.Diagnostics = append([]dispatch.Diagnostic(nil), report.Diagnostics...)
	sorted.SortByIndex()

	results := make([]any, len(sorted.Successes))
	for i, s := range sorted.Successes {
		results[i] = SuccessRecord[V]{RunID: report.RunID, Success: s}
	}
	if err := writeLines(filepath.Join(f.dir, ResultsFile), results); err != nil {
		return err
	}

	diags := make([]any, len(sorted.Diagnostics))
	for i, d := range sorted.Diagnostics {
		diags[i] = DiagnosticRecord{RunID: report.RunID, Diagnostic: d}
	}
	if err := writeLines(filepath.Join(f.dir, DiagnosticsFile), diags); err != nil {
		return err
	}

	slog.InfoContext(ctx, "wrote run output",
		"dir", f.dir,
		"results", len(results),
		"diagnostics", len(diags))
	return nil
}

func (f *File[V]) Close() error { return nil }

// writeLines writes to a temp file and renames it into place.
func writeLines(path string, records []any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
