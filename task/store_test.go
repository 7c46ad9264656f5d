package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("create and get return independent copies", func(t *testing.T) {
		s := NewMemoryStore()
		rec := &Record{ID: "t1", Status: StatusPending, InputRefs: []string{"a", "b"}, CreatedAt: time.Now()}
		require.NoError(t, s.Create(ctx, rec))

		// Mutating the caller's record must not leak into the store.
		rec.Status = StatusFailed
		rec.InputRefs[0] = "mutated"

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "a", got.InputRefs[0])
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		s := NewMemoryStore()
		rec := &Record{ID: "t1", Status: StatusPending}
		require.NoError(t, s.Create(ctx, rec))
		assert.Error(t, s.Create(ctx, rec))
	})

	t.Run("get and update of unknown id", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Update(ctx, &Record{ID: "nope"}), ErrNotFound)
	})

	t.Run("list filters by status", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Create(ctx, &Record{ID: "p1", Status: StatusPending}))
		require.NoError(t, s.Create(ctx, &Record{ID: "p2", Status: StatusPending}))
		require.NoError(t, s.Create(ctx, &Record{ID: "c1", Status: StatusCompleted}))

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		pending, err := s.List(ctx, StatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		failed, err := s.List(ctx, StatusFailed)
		require.NoError(t, err)
		assert.Empty(t, failed)
	})
}
