package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/protoerr"
	"github.com/roach88/tether/internal/session"
)

func newSession(t *testing.T) Factory {
	return func() (*session.Session, error) {
		v, err := envelope.NewValidator(nil)
		require.NoError(t, err)
		return session.New(nil, v), nil
	}
}

func TestRegistry_InitGet(t *testing.T) {
	r := New(nil)

	s, err := r.Init("main", newSession(t))
	require.NoError(t, err)

	got, err := r.Get("main")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Get("other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_InitTwice(t *testing.T) {
	r := New(nil)
	_, err := r.Init("main", newSession(t))
	require.NoError(t, err)

	calls := 0
	_, err = r.Init("main", func() (*session.Session, error) {
		calls++
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrExists)
	assert.Zero(t, calls, "factory not run for a taken name")
}

func TestRegistry_FactoryError(t *testing.T) {
	r := New(nil)
	boom := errors.New("boom")

	_, err := r.Init("main", func() (*session.Session, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, r.Names())
}

func TestRegistry_Names(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"c", "a", "b"} {
		_, err := r.Init(name, newSession(t))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestRegistry_ResetClosesSessions(t *testing.T) {
	r := New(nil)
	s, err := r.Init("main", newSession(t))
	require.NoError(t, err)

	require.NoError(t, r.Reset())
	assert.Empty(t, r.Names())
	assert.True(t, protoerr.IsClosed(s.Connect(context.Background())))

	_, err = r.Init("main", newSession(t))
	assert.NoError(t, err, "name is free after reset")
}

func TestRegistry_Remove(t *testing.T) {
	r := New(nil)
	s, err := r.Init("conn-1", newSession(t))
	require.NoError(t, err)
	_, err = r.Init("conn-2", newSession(t))
	require.NoError(t, err)

	require.NoError(t, r.Remove("conn-1"))
	assert.Equal(t, []string{"conn-2"}, r.Names())
	assert.True(t, protoerr.IsClosed(s.Connect(context.Background())))

	assert.ErrorIs(t, r.Remove("conn-1"), ErrNotFound)
}
