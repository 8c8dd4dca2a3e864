package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/peer"
	"github.com/roach88/tether/internal/replica"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Dir: DirOut, Kind: "transaction"},
		{Seq: 2, Dir: DirIn, Kind: "insert"},
		{Seq: 3, Dir: DirIn, Kind: "ack"},
		{Seq: 4, Dir: DirOut, Kind: "request"},
	}
}

func TestAssertFrameCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertFrameCount(trace, Assertion{Kind: "ack", Count: 1}))
	assert.NoError(t, assertFrameCount(trace, Assertion{Kind: "ack", Dir: DirOut, Count: 0}))
	assert.NoError(t, assertFrameCount(trace, Assertion{Kind: "sync", Count: 0}))

	err := assertFrameCount(trace, Assertion{Kind: "ack", Dir: DirIn, Count: 2})
	var aerr *AssertionError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, AssertFrameCount, aerr.Type)
	assert.Equal(t, "2 in ack frames", aerr.Expected)
	assert.Equal(t, "1 frames", aerr.Actual)
	assert.Contains(t, err.Error(), "[3] in  ack")
}

func TestAssertFrameOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertFrameOrder(trace, Assertion{Kinds: []string{"transaction", "ack"}}))
	assert.NoError(t, assertFrameOrder(trace, Assertion{Kinds: []string{"insert", "request"}}))

	err := assertFrameOrder(trace, Assertion{Kinds: []string{"ack", "transaction"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing transaction after [ack]")

	err = assertFrameOrder(trace, Assertion{Kinds: []string{"sync"}})
	assert.Contains(t, err.Error(), "missing sync after []")
}

func TestAssertReplica(t *testing.T) {
	ctx := context.Background()
	store := replica.NewMemoryStore()
	defer store.Close()
	require.NoError(t, peer.Seed(ctx, store, []any{
		map[string]any{"id": "a", "n": 1, "tags": []any{"x"}},
		map[string]any{"id": "b"},
	}))

	assert.NoError(t, assertReplica(ctx, store, Assertion{Records: map[string]map[string]any{
		"a": {"n": 1, "tags": []any{"x"}},
		"b": {},
	}}))

	err := assertReplica(ctx, store, Assertion{Records: map[string]map[string]any{"a": {}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "records [a b]")

	err = assertReplica(ctx, store, Assertion{Records: map[string]map[string]any{"a": {"n": 2}, "b": {}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record a with fields")
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(float64(1), 1))
	assert.True(t, valuesEqual(int8(2), int64(2)))
	assert.True(t, valuesEqual("x", "x"))
	assert.True(t, valuesEqual(nil, nil))
	assert.True(t, valuesEqual(map[string]any{"a": float64(1)}, map[string]any{"a": 1}))
	assert.True(t, valuesEqual([]any{"x", uint8(2)}, []any{"x", 2}))

	assert.False(t, valuesEqual(float64(1), "1"))
	assert.False(t, valuesEqual(nil, 0))
	assert.False(t, valuesEqual(map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1}))
	assert.False(t, valuesEqual([]any{1}, []any{1, 2}))
	assert.False(t, valuesEqual(true, false))
}

func TestEvaluateAssertions(t *testing.T) {
	ready := true
	result := &Result{Trace: sampleTrace()}
	actx := &AssertionContext{Ctx: context.Background(), Ready: false, State: "connected", Pending: 1, ValidationErrors: 0}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertFrameCount, Kind: "ack", Count: 1},
		{Type: AssertReady, Ready: &ready},
		{Type: AssertState, State: "connected"},
		{Type: AssertPending, Count: 0},
		{Type: AssertValidationErrors, Count: 0},
		{Type: AssertReplica},
		{Type: "bogus"},
	}, actx)

	require.Len(t, errs, 4)
	assert.Contains(t, errs[0], "Assertion failed: ready")
	assert.Contains(t, errs[1], "Assertion failed: pending")
	assert.Contains(t, errs[2], "no  replica")
	assert.Contains(t, errs[3], `unknown assertion type "bogus"`)
}
