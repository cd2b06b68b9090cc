package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarksMonotonic(t *testing.T) {
	w := NewWatermarks()
	w.ReportIndexed(10)
	w.ReportIndexed(5) // stale report must not move the mark backwards
	assert.Equal(t, int64(10), w.Indexed())
	assert.Equal(t, int64(10), w.Seen(), "indexing implies the transaction was seen")

	w.ReportSeen(20)
	assert.Equal(t, int64(20), w.Seen())
	assert.Equal(t, int64(10), w.Indexed())

	w.ReportSearchable(10)
	assert.Equal(t, int64(10), w.Searchable())
}

func TestWaitIndexedReleasesOnProgress(t *testing.T) {
	w := NewWatermarks()

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		errCh <- w.WaitIndexed(context.Background(), 7)
	}()

	// Progress below the target must not release the waiter.
	w.ReportIndexed(5)
	select {
	case <-errCh:
		t.Fatal("waiter released before the watermark reached the target")
	case <-time.After(20 * time.Millisecond):
	}

	w.ReportIndexed(7)
	wg.Wait()
	require.NoError(t, <-errCh)
}

func TestWaitIndexedImmediateWhenCaughtUp(t *testing.T) {
	w := NewWatermarks()
	w.ReportIndexed(3)
	require.NoError(t, w.WaitIndexed(context.Background(), 3))
}

func TestWaitSearchableContextCancel(t *testing.T) {
	w := NewWatermarks()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.WaitSearchable(ctx, 99)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitCancelledBeforeProgressReportsError(t *testing.T) {
	w := NewWatermarks()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The watermark never reached the target, so even though the wait
	// returns promptly it must not claim the caller is caught up.
	require.ErrorIs(t, w.WaitIndexed(ctx, 5), context.Canceled)
}

func TestWaitCancelReleasesBlockedWaiter(t *testing.T) {
	w := NewWatermarks()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.WaitSearchable(ctx, 99) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter stayed blocked")
	}
}

func TestWaitStagesAreIndependent(t *testing.T) {
	w := NewWatermarks()
	w.ReportIndexed(4)

	// Indexed is satisfied, searchable is not.
	require.NoError(t, w.WaitIndexed(context.Background(), 4))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, w.WaitSearchable(ctx, 4))

	w.ReportSearchable(4)
	require.NoError(t, w.WaitSearchable(context.Background(), 4))
}
