package replica

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/envelope"
)

// backends opens one fresh store per backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := OpenSQLite(filepath.Join(dir, "replica.db"))
	require.NoError(t, err)
	boltStore, err := OpenBolt(filepath.Join(dir, "replica.bolt"))
	require.NoError(t, err)

	stores := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendSQLite: sqliteStore,
		BackendBolt:   boltStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func writeAll(t *testing.T, s Store, ops ...Op) error {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	for _, op := range ops {
		if err := tx.Write(ctx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func ins(id string, data map[string]any) Op {
	data["id"] = id
	return Op{Type: envelope.OpInsert, ID: id, Data: data}
}

func upd(id string, data map[string]any) Op {
	return Op{Type: envelope.OpUpdate, ID: id, Data: data}
}

func del(id string) Op {
	return Op{Type: envelope.OpDelete, ID: id}
}

func ids(t *testing.T, s Store) []string {
	t.Helper()
	recs, err := s.List(context.Background())
	require.NoError(t, err)
	out := []string{}
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestStore_InsertGetList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, writeAll(t, s,
			ins("b", map[string]any{"name": "bee"}),
			ins("a", map[string]any{"name": "ant"}),
		))

		rec, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": "a", "name": "ant"}, rec.Data)
		assert.Equal(t, uint64(1), rec.Version)

		assert.Equal(t, []string{"a", "b"}, ids(t, s))

		_, err = s.Get(ctx, "zzz")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_InsertExisting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, writeAll(t, s, ins("a", map[string]any{})))
		err := writeAll(t, s, ins("a", map[string]any{}))
		assert.ErrorIs(t, err, ErrExists)
	})
}

func TestStore_UpdateMerges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, writeAll(t, s, ins("a", map[string]any{"name": "ant", "legs": 6})))
		require.NoError(t, writeAll(t, s, upd("a", map[string]any{"name": "aunt"})))

		rec, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": "a", "name": "aunt", "legs": float64(6)}, rec.Data)
		assert.Equal(t, uint64(2), rec.Version)
	})
}

func TestStore_UpdateNonObjectReplaces(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, writeAll(t, s, ins("a", map[string]any{"name": "ant"})))
		require.NoError(t, writeAll(t, s, Op{Type: envelope.OpUpdate, ID: "a", Data: "scalar"}))

		rec, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, "scalar", rec.Data)
	})
}

func TestStore_UpdateMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := writeAll(t, s, upd("ghost", map[string]any{"x": 1}))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, writeAll(t, s, ins("a", map[string]any{})))
		require.NoError(t, writeAll(t, s, del("a")))
		require.NoError(t, writeAll(t, s, del("a")))
		assert.Empty(t, ids(t, s))
	})
}

func TestStore_InvalidOp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		assert.ErrorIs(t, writeAll(t, s, Op{Type: "upsert", ID: "a"}), ErrInvalidOp)
		assert.ErrorIs(t, writeAll(t, s, Op{Type: envelope.OpInsert}), ErrInvalidOp)
	})
}

func TestStore_RollbackDiscards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, writeAll(t, s, ins("keep", map[string]any{})))

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Write(ctx, ins("x", map[string]any{})))
		require.NoError(t, tx.Write(ctx, del("keep")))
		require.NoError(t, tx.Rollback())

		assert.Equal(t, []string{"keep"}, ids(t, s))
	})
}

func TestStore_FailedBatchLeavesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := writeAll(t, s,
			ins("a", map[string]any{}),
			upd("missing", map[string]any{}),
		)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, ids(t, s))
	})
}

func TestStore_TxDone(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.ErrorIs(t, tx.Write(ctx, ins("a", map[string]any{})), ErrTxDone)
		assert.ErrorIs(t, tx.Truncate(ctx), ErrTxDone)
		assert.ErrorIs(t, tx.Commit(), ErrTxDone)
		assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
	})
}

func TestStore_Truncate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, writeAll(t, s, ins("old1", map[string]any{}), ins("old2", map[string]any{})))

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Truncate(ctx))
		require.NoError(t, tx.Write(ctx, ins("new", map[string]any{})))
		require.NoError(t, tx.Commit())

		assert.Equal(t, []string{"new"}, ids(t, s))
	})
}

func TestStore_ReadersDoNotSeeOpenTx(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Write(ctx, ins("pending", map[string]any{})))

		// The sqlite backend serializes readers behind the open writer, so
		// the read may time out instead of missing; either way it must not
		// see the uncommitted row.
		readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, err = s.Get(readCtx, "pending")
		cancel()
		assert.Error(t, err)

		require.NoError(t, tx.Commit())
		rec, err := s.Get(ctx, "pending")
		require.NoError(t, err)
		assert.Equal(t, "pending", rec.ID)
	})
}

func TestMemoryStore_SingleWriter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tx.Rollback())
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
}

func TestStore_Closed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.Begin(context.Background())
		assert.Error(t, err)
	})
}

func TestSQLiteStore_Pragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestSQLiteStore_ReadsWaitForOpenWrite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, Op{Type: envelope.OpInsert, ID: "a", Data: map[string]any{"id": "a"}}))

	listed := make(chan []Record, 1)
	go func() {
		recs, err := s.List(ctx)
		assert.NoError(t, err)
		listed <- recs
	}()

	assert.Never(t, func() bool { return len(listed) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"an in-process read shares the single connection")
	require.NoError(t, tx.Commit())

	select {
	case recs := <-listed:
		require.Len(t, recs, 1, "the read runs after the commit")
		assert.Equal(t, "a", recs[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not finish after commit")
	}
}

func TestSQLiteStore_MigratesV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE records (id TEXT PRIMARY KEY, data TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO records (id, data) VALUES ('legacy', '{"id":"legacy"}')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	assert.NoError(t, s.verifyPragma("user_version", "1"))

	// Reopening is a no-op.
	require.NoError(t, s.Close())
	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	s2.Close()
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	for _, tt := range []struct {
		backend string
		path    string
	}{
		{"", ""},
		{BackendMemory, ""},
		{BackendSQLite, ""},
		{BackendSQLite, filepath.Join(dir, "a.db")},
		{BackendBolt, filepath.Join(dir, "a.bolt")},
	} {
		s, err := Open(tt.backend, tt.path)
		require.NoError(t, err, "backend %q", tt.backend)
		require.NoError(t, writeAll(t, s, ins("a", map[string]any{})))
		require.NoError(t, s.Close())
	}

	_, err := Open(BackendBolt, "")
	assert.Error(t, err)
	_, err = Open("redis", "")
	assert.Error(t, err)
}
