package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *BoltTracker {
	t.Helper()

	tr, err := NewBoltTracker(filepath.Join(t.TempDir(), "tracker.db"), nil)
	require.NoError(t, err, "Failed to open tracker")
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTrackUntrack(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "inst-1"))
	require.NoError(t, tr.Track(ctx, "inst-2"))

	assert.Equal(t, []string{"inst-1", "inst-2"}, tr.ListTrackedInstanceIDs(ctx))

	require.NoError(t, tr.Untrack(ctx, "inst-1"))
	assert.Equal(t, []string{"inst-2"}, tr.ListTrackedInstanceIDs(ctx))
}

func TestTrackIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "inst-1"))
	require.NoError(t, tr.Track(ctx, "inst-1"))
	require.NoError(t, tr.Track(ctx, "inst-1"))

	assert.Equal(t, []string{"inst-1"}, tr.ListTrackedInstanceIDs(ctx))
}

func TestUntrackUnknownInstance(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Untrack(ctx, "never-tracked"))
	assert.Empty(t, tr.ListTrackedInstanceIDs(ctx))
}

func TestListEmptyTracker(t *testing.T) {
	tr := newTestTracker(t)

	ids := tr.ListTrackedInstanceIDs(context.Background())
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestConcurrentTrackDifferentInstances(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tr.Track(ctx, fmt.Sprintf("inst-%02d", i)); err != nil {
				t.Errorf("Track failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// No update may be lost to another instance's concurrent write
	assert.Len(t, tr.ListTrackedInstanceIDs(ctx), n)
}

func TestConcurrentTrackSameInstanceConverges(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Track(ctx, "inst-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"inst-1"}, tr.ListTrackedInstanceIDs(ctx))
}

func TestListAfterClose(t *testing.T) {
	tr, err := NewBoltTracker(filepath.Join(t.TempDir(), "tracker.db"), nil)
	require.NoError(t, err)

	require.NoError(t, tr.Track(context.Background(), "inst-1"))
	require.NoError(t, tr.Close())

	// A tracker whose storage is gone degrades to empty, not to a panic
	// or an error surfaced to the caller
	assert.Empty(t, tr.ListTrackedInstanceIDs(context.Background()))
}

func TestTrackingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	tr, err := NewBoltTracker(path, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Track(ctx, "inst-1"))
	require.NoError(t, tr.Close())

	tr, err = NewBoltTracker(path, nil)
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, []string{"inst-1"}, tr.ListTrackedInstanceIDs(ctx))
}
