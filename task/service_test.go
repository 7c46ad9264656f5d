package task

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects fewer than two inputs before creating anything", func(t *testing.T) {
		svc, mgr, _ := newTestEngine(t, &mockComposer{})

		_, err := svc.Create(ctx, []string{"only.mp4"}, "")
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = svc.Create(ctx, nil, "")
		assert.ErrorIs(t, err, ErrInvalidRequest)

		all, err := mgr.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("returns a pending snapshot without waiting on the worker", func(t *testing.T) {
		block := make(chan struct{})
		composer := &mockComposer{
			composeFunc: func(ctx context.Context, inputs []string, outputPath string, report func(int)) error {
				<-block
				return nil
			},
		}
		svc, _, _ := newTestEngine(t, composer)

		rec, err := svc.Create(ctx, []string{"a.mp4", "b.mp4"}, "alice")
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Equal(t, []string{"a.mp4", "b.mp4"}, rec.InputRefs)
		assert.Equal(t, "alice", rec.Requester)
		close(block)
	})

	t.Run("concurrent creates yield pairwise distinct ids", func(t *testing.T) {
		svc, mgr, _ := newTestEngine(t, &mockComposer{})

		const n = 50
		ids := make(chan string, n)
		errs := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := svc.Create(ctx, []string{"a.mp4", "b.mp4"}, "")
				if err != nil {
					errs <- err
					return
				}
				ids <- rec.ID
			}()
		}
		wg.Wait()
		close(ids)
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		seen := make(map[string]bool)
		for id := range ids {
			assert.False(t, seen[id], "duplicate task id %s", id)
			seen[id] = true
		}
		assert.Len(t, seen, n)
		mgr.Wait()
	})
}

func TestService_Retry(t *testing.T) {
	ctx := context.Background()
	svc, mgr, _ := newTestEngine(t, &mockComposer{
		composeFunc: func(ctx context.Context, inputs []string, outputPath string, report func(int)) error {
			return assert.AnError
		},
	})

	rec, err := svc.Create(ctx, []string{"a.mp4", "b.mp4"}, "bob")
	require.NoError(t, err)
	waitForStatus(t, mgr, rec.ID, StatusFailed)

	fresh, err := svc.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, fresh.ID)
	assert.Equal(t, rec.InputRefs, fresh.InputRefs)
	assert.Equal(t, "bob", fresh.Requester)

	// The original record is untouched.
	orig, err := mgr.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, orig.Status)

	_, err = svc.Retry(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
