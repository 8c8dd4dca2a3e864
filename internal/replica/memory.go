package replica

import (
	"context"
	"maps"
	"sort"
	"sync/atomic"
)

// MemoryStore keeps records in memory. Readers load an immutable snapshot;
// a transaction works on a private copy that replaces the snapshot on
// commit.
type MemoryStore struct {
	snap   atomic.Pointer[map[string]stored]
	writer chan struct{}
	closed atomic.Bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{writer: make(chan struct{}, 1)}
	empty := map[string]stored{}
	s.snap.Store(&empty)
	return s
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	work := maps.Clone(*s.snap.Load())
	return &tx{kv: &memoryTx{store: s, work: work}}, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrClosed
	}
	rec, ok := (*s.snap.Load())[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return toRecord(id, rec)
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap := *s.snap.Load()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := toRecord(id, snap[id])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

type memoryTx struct {
	store *MemoryStore
	work  map[string]stored
}

func (t *memoryTx) get(_ context.Context, id string) (stored, bool, error) {
	rec, ok := t.work[id]
	return rec, ok, nil
}

func (t *memoryTx) put(_ context.Context, id string, rec stored) error {
	t.work[id] = rec
	return nil
}

func (t *memoryTx) del(_ context.Context, id string) error {
	delete(t.work, id)
	return nil
}

func (t *memoryTx) truncate(context.Context) error {
	t.work = map[string]stored{}
	return nil
}

func (t *memoryTx) commit() error {
	work := t.work
	t.store.snap.Store(&work)
	<-t.store.writer
	return nil
}

func (t *memoryTx) rollback() error {
	<-t.store.writer
	return nil
}
