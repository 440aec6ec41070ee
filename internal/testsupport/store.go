package testsupport

import (
	"context"
	"testing"
	"time"

	"sitesync/internal/capture"
	"sitesync/internal/config"
	"sitesync/internal/logging"
)

// MustOpenStore opens a capture.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *capture.Store {
	t.Helper()

	store, err := capture.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("capture.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustEnqueue inserts a capture record for tests using the provided store.
func MustEnqueue(t testing.TB, store *capture.Store, category capture.Category, capturedAt time.Time) *capture.Record {
	t.Helper()

	intake := capture.NewIntake(store, 32<<20)
	record, err := intake.Enqueue(context.Background(), []byte("fake-image-bytes"), category, capturedAt, nil)
	if err != nil {
		t.Fatalf("intake.Enqueue: %v", err)
	}
	return record
}
