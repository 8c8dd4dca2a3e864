package apply

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/replica"
)

func setupTestApplier(t *testing.T, opts ...Option) (*Applier, replica.Store) {
	t.Helper()
	store := replica.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return New(store, opts...), store
}

func listIDs(t *testing.T, s replica.Store) []string {
	t.Helper()
	recs, err := s.List(context.Background())
	require.NoError(t, err)
	ids := []string{}
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestApplier_TwoMutationsCommitTogether(t *testing.T) {
	a, store := setupTestApplier(t)

	seq, err := a.Apply(context.Background(), []envelope.Mutation{
		{Type: envelope.OpInsert, Data: map[string]any{"id": "a"}},
		{Type: envelope.OpInsert, Data: map[string]any{"id": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []string{"a", "b"}, listIDs(t, store))
}

func TestApplier_SecondMutationFailsNeitherApplied(t *testing.T) {
	a, store := setupTestApplier(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, []envelope.Mutation{{Type: envelope.OpInsert, Data: map[string]any{"id": "existing"}}})
	require.NoError(t, err)

	_, err = a.Apply(ctx, []envelope.Mutation{
		{Type: envelope.OpInsert, Data: map[string]any{"id": "new"}},
		{Type: envelope.OpInsert, Data: map[string]any{"id": "existing"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, replica.ErrExists)

	assert.Equal(t, []string{"existing"}, listIDs(t, store))
	assert.Equal(t, uint64(1), a.Seq(), "failed batch is not stamped")
}

func TestApplier_MissingKeyRejectsBatch(t *testing.T) {
	a, store := setupTestApplier(t)

	_, err := a.Apply(context.Background(), []envelope.Mutation{
		{Type: envelope.OpInsert, Data: map[string]any{"id": "a"}},
		{Type: envelope.OpInsert, Data: map[string]any{"name": "anonymous"}},
	})
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Empty(t, listIDs(t, store))
}

func TestApplier_ExplicitMutationID(t *testing.T) {
	a, store := setupTestApplier(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, []envelope.Mutation{{Type: envelope.OpInsert, Data: map[string]any{"id": "a"}}})
	require.NoError(t, err)
	_, err = a.Apply(ctx, []envelope.Mutation{{Type: envelope.OpDelete, ID: "a"}})
	require.NoError(t, err)

	assert.Empty(t, listIDs(t, store))
	assert.Equal(t, uint64(2), a.Seq())
}

func TestApplier_ApplyPush(t *testing.T) {
	a, store := setupTestApplier(t)
	ctx := context.Background()

	_, err := a.ApplyPush(ctx, envelope.Push{Op: envelope.OpInsert, Data: map[string]any{"id": "a", "n": 1}})
	require.NoError(t, err)
	_, err = a.ApplyPush(ctx, envelope.Push{Op: envelope.OpUpdate, Data: map[string]any{"id": "a", "n": 2}})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "a", "n": float64(2)}, rec.Data)
	assert.False(t, a.Ready(), "pushes do not make the replica ready")
}

func TestApplier_SnapshotReplacesAndMarksReadyOnce(t *testing.T) {
	readyCalls := 0
	a, store := setupTestApplier(t, WithOnReady(func() { readyCalls++ }))
	ctx := context.Background()

	_, err := a.Apply(ctx, []envelope.Mutation{{Type: envelope.OpInsert, Data: map[string]any{"id": "stale"}}})
	require.NoError(t, err)
	assert.False(t, a.Ready())

	_, err = a.ApplySnapshot(ctx, []any{
		map[string]any{"id": "r1"},
		map[string]any{"id": "r2"},
	})
	require.NoError(t, err)
	assert.True(t, a.Ready())
	assert.Equal(t, 1, readyCalls)
	assert.Equal(t, []string{"r1", "r2"}, listIDs(t, store))

	_, err = a.ApplySnapshot(ctx, []any{map[string]any{"id": "r3"}})
	require.NoError(t, err)
	assert.Equal(t, 1, readyCalls, "ready is marked once per applier")
	assert.Equal(t, []string{"r3"}, listIDs(t, store))
}

func TestApplier_EmptySnapshot(t *testing.T) {
	a, store := setupTestApplier(t)
	_, err := a.ApplySnapshot(context.Background(), []any{})
	require.NoError(t, err)
	assert.True(t, a.Ready())
	assert.Empty(t, listIDs(t, store))
}

func TestApplier_BadSnapshotKeepsPreviousContents(t *testing.T) {
	a, store := setupTestApplier(t)
	ctx := context.Background()

	_, err := a.ApplySnapshot(ctx, []any{map[string]any{"id": "keep"}})
	require.NoError(t, err)

	_, err = a.ApplySnapshot(ctx, []any{map[string]any{"id": "x"}, "not an object"})
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = a.ApplySnapshot(ctx, []any{map[string]any{"id": "dup"}, map[string]any{"id": "dup"}})
	assert.ErrorIs(t, err, replica.ErrExists)

	assert.Equal(t, []string{"keep"}, listIDs(t, store))
}

func TestSequence(t *testing.T) {
	s := NewSequence()
	assert.Equal(t, uint64(0), s.Current())
	assert.Equal(t, uint64(1), s.Next())
	assert.Equal(t, uint64(2), s.Next())
	assert.Equal(t, uint64(2), s.Current())

	r := NewSequenceAt(41)
	assert.Equal(t, uint64(42), r.Next())

	a, _ := setupTestApplier(t, WithSequence(NewSequenceAt(100)))
	seq, err := a.Apply(context.Background(), []envelope.Mutation{{Type: envelope.OpInsert, ID: "x", Data: map[string]any{}}})
	require.NoError(t, err)
	assert.Equal(t, uint64(101), seq)
}

func TestApplier_OnSettled(t *testing.T) {
	type outcome struct {
		seq uint64
		ok  bool
	}
	var got []outcome
	a, _ := setupTestApplier(t, WithOnSettled(func(seq uint64, err error) {
		got = append(got, outcome{seq, err == nil})
	}))
	ctx := context.Background()

	_, _ = a.ApplyPush(ctx, envelope.Push{Op: envelope.OpInsert, Data: map[string]any{"id": "a"}})
	_, _ = a.ApplyPush(ctx, envelope.Push{Op: envelope.OpUpdate, Data: map[string]any{"id": "missing"}})
	_, _ = a.Apply(ctx, []envelope.Mutation{{Type: envelope.OpDelete}})
	_, _ = a.ApplySnapshot(ctx, []any{map[string]any{"id": "b"}})

	assert.Equal(t, []outcome{{1, true}, {0, false}, {0, false}, {2, true}}, got)
}
