// Package replica stores the local copy of the remotely authoritative
// collection.
//
// Records are keyed by id and hold a JSON document. All writes go through
// a Tx: one writer at a time, and readers never observe a transaction that
// has not committed. Three backends share the same write semantics:
//
//   - insert on an existing id fails with ErrExists
//   - update on a missing id fails with ErrNotFound; object payloads are
//     shallow-merged into the stored object, anything else replaces it
//   - delete on a missing id is a no-op
package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/roach88/tether/internal/envelope"
)

var (
	// ErrExists is returned when inserting an id that is already present.
	ErrExists = errors.New("record already exists")

	// ErrNotFound is returned when updating or reading a missing id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidOp is returned for an unknown op type or an empty id.
	ErrInvalidOp = errors.New("invalid replica operation")

	// ErrTxDone is returned when using a transaction after Commit or Rollback.
	ErrTxDone = errors.New("transaction already finished")

	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("replica store closed")
)

// Record is one stored row.
type Record struct {
	ID   string `json:"id"`
	Data any    `json:"data"`

	// Version counts the writes the record has seen since it was inserted.
	Version uint64 `json:"version"`
}

// Op is a single record-level write.
type Op struct {
	Type envelope.Op
	ID   string
	Data any
}

// Store is a transactional record store.
type Store interface {
	// Begin starts the single write transaction, waiting while another is
	// open.
	Begin(ctx context.Context) (Tx, error)

	// Get returns the committed record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// List returns every committed record ordered by id.
	List(ctx context.Context) ([]Record, error)

	Close() error
}

// Tx is an open write transaction.
type Tx interface {
	Write(ctx context.Context, op Op) error

	// Truncate removes every record.
	Truncate(ctx context.Context) error

	Commit() error

	// Rollback discards the transaction. Calling it after Commit is a
	// no-op, so it is safe to defer.
	Rollback() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens a store for the named backend. path is ignored by the memory
// backend; for sqlite an empty path opens an in-memory database.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(path)
	case BackendBolt:
		if path == "" {
			return nil, fmt.Errorf("bolt backend requires a path")
		}
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown replica backend %q", backend)
	}
}

// stored is the backend-neutral form of a record.
type stored struct {
	data    []byte
	version uint64
}

// kvTx is the primitive interface each backend implements inside a write
// transaction. The record semantics on top of it live in applyOp.
type kvTx interface {
	get(ctx context.Context, id string) (stored, bool, error)
	put(ctx context.Context, id string, rec stored) error
	del(ctx context.Context, id string) error
	truncate(ctx context.Context) error
	commit() error
	rollback() error
}

// tx adapts a kvTx to Tx and tracks completion.
type tx struct {
	kv   kvTx
	done bool
}

func (t *tx) Write(ctx context.Context, op Op) error {
	if t.done {
		return ErrTxDone
	}
	return applyOp(ctx, t.kv, op)
}

func (t *tx) Truncate(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return t.kv.truncate(ctx)
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.kv.commit()
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.kv.rollback()
}

func applyOp(ctx context.Context, kv kvTx, op Op) error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidOp, op.Type)
	}
	if op.ID == "" {
		return fmt.Errorf("%w: %s without record id", ErrInvalidOp, op.Type)
	}

	cur, exists, err := kv.get(ctx, op.ID)
	if err != nil {
		return fmt.Errorf("read %q: %w", op.ID, err)
	}

	switch op.Type {
	case envelope.OpInsert:
		if exists {
			return fmt.Errorf("insert %q: %w", op.ID, ErrExists)
		}
		data, err := encodeData(op.Data)
		if err != nil {
			return fmt.Errorf("insert %q: %w", op.ID, err)
		}
		return kv.put(ctx, op.ID, stored{data: data, version: 1})

	case envelope.OpUpdate:
		if !exists {
			return fmt.Errorf("update %q: %w", op.ID, ErrNotFound)
		}
		data, err := mergeData(cur.data, op.Data)
		if err != nil {
			return fmt.Errorf("update %q: %w", op.ID, err)
		}
		return kv.put(ctx, op.ID, stored{data: data, version: cur.version + 1})

	default: // delete
		if !exists {
			return nil
		}
		return kv.del(ctx, op.ID)
	}
}

func encodeData(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decodeData(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return v, nil
}

// mergeData shallow-merges patch into the stored object. Non-object values
// on either side replace the stored value.
func mergeData(cur []byte, patch any) ([]byte, error) {
	next, ok := patch.(map[string]any)
	if !ok {
		return encodeData(patch)
	}
	prev, err := decodeData(cur)
	if err != nil {
		return nil, err
	}
	base, ok := prev.(map[string]any)
	if !ok {
		return encodeData(patch)
	}
	merged := make(map[string]any, len(base)+len(next))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return encodeData(merged)
}

func toRecord(id string, s stored) (Record, error) {
	data, err := decodeData(s.data)
	if err != nil {
		return Record{}, fmt.Errorf("record %q: %w", id, err)
	}
	return Record{ID: id, Data: data, Version: s.version}, nil
}
