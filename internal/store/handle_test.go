package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestHandleSerializesSubmissionOrder(t *testing.T) {
	h := testutil.NewTestHandle(t)
	ctx := context.Background()

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{msg("a@x", 1, time.Now())}))

	// Alternating patches from one goroutine must land in order; the final
	// override reflects the last call.
	for i := 0; i < 9; i++ {
		values := flags.Set(0)
		if i%2 == 0 {
			values = flags.Seen
		}
		_, err := h.PatchFlags(ctx, "a@x", values, flags.Seen)
		require.NoError(t, err)
	}

	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.True(t, got.EffectiveFlags().Has(flags.Seen))
}

func TestHandleConcurrentCallers(t *testing.T) {
	h := testutil.NewTestHandle(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			batch := make([]model.MessageSummary, 0, 10)
			for j := 0; j < 10; j++ {
				batch = append(batch, msg(fmt.Sprintf("w%d-%d@x", n, j), uint32(n*100+j+1), time.Now()))
			}
			if err := h.UpsertMessages(ctx, batch); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	n, err := h.CountMessages(ctx, inboxID)
	require.NoError(t, err)
	assert.Equal(t, 80, n)
}

func TestHandleErrorIsolation(t *testing.T) {
	h := testutil.NewTestHandle(t)
	ctx := context.Background()

	// A malformed full-text query fails as a store error for this caller
	// only.
	_, err := h.Search(ctx, "AND AND", 10)
	require.Error(t, err)
	assert.True(t, store.IsStoreError(err))

	// The loop keeps serving.
	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{msg("a@x", 1, time.Now())}))
	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, "a@x", got.ID)
}

func TestHandleNotFoundPassesThrough(t *testing.T) {
	h := testutil.NewTestHandle(t)

	_, err := h.GetMessage(context.Background(), "missing@x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, store.IsStoreError(err), "a miss is not a store failure")
}

func TestHandleClose(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	h := store.NewHandle(s)

	ctx := context.Background()
	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{msg("a@x", 1, time.Now())}))

	require.NoError(t, h.Close())

	_, err = h.GetMessage(ctx, "a@x")
	assert.ErrorIs(t, err, store.ErrClosed)

	// Close is idempotent.
	require.NoError(t, h.Close())
}

func TestHandleCloseNeverStrandsSubmitters(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	h := store.NewHandle(s)

	ctx := context.Background()
	const callers = 32

	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			errs <- h.UpsertMessages(ctx, []model.MessageSummary{msg(fmt.Sprintf("c%d@x", n), uint32(n+1), time.Now())})
		}(i)
	}

	// Shut down while the callers are mid-flight. A submission that loses
	// the race must come back with ErrClosed rather than block forever on
	// its reply channel; a regression here hangs the test.
	close(start)
	require.NoError(t, h.Close())
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, store.ErrClosed)
		}
	}
}

func TestHandleCallerCancellation(t *testing.T) {
	h := testutil.NewTestHandle(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled caller gets an error; depending on timing it is either
	// the cancellation or the miss for the row that was never written.
	_, err := h.GetMessage(ctx, "a@x")
	require.Error(t, err)
	if !errors.Is(err, context.Canceled) {
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
}
