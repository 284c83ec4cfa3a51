package testutil

import (
	"testing"

	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestHandle wraps a fresh in-memory store in a Handle. Closing the
// handle closes the store, so only the handle is registered for cleanup.
func NewTestHandle(t *testing.T) *store.Handle {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	h := store.NewHandle(s)
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("closing test handle: %v", err)
		}
	})

	return h
}
