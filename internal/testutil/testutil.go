// Package testutil provides shared test infrastructure: a quiet structured
// logger and a throwaway on-disk store backed by a per-test temp directory.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/argus-obs/argus/internal/storage"
)

// Logger returns a logger that discards everything. Handlers under test log
// freely without polluting test output.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// NewStore opens a fresh store in a test-scoped temp directory and closes it
// when the test ends.
func NewStore(t *testing.T) *storage.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.db")
	store, err := storage.Open(path, Logger())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
