// Package peer provides the authoritative side of a tether connection: a
// request handler over a replica and snapshot construction for newly
// connected origins.
package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/replica"
	"github.com/roach88/tether/internal/session"
)

// ReplicaMethods returns the request handler served by an authority:
//
//	ping         -> "pong"
//	echo a b ... -> [a, b, ...]
//	count        -> number of records
//	get id       -> record data
func ReplicaMethods(store replica.Store) session.Methods {
	return session.Methods{
		"ping": func(context.Context, []any) (any, error) {
			return "pong", nil
		},
		"echo": func(_ context.Context, args []any) (any, error) {
			return args, nil
		},
		"count": func(ctx context.Context, _ []any) (any, error) {
			recs, err := store.List(ctx)
			if err != nil {
				return nil, err
			}
			return len(recs), nil
		},
		"get": func(ctx context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("get: want 1 argument, got %d", len(args))
			}
			id, ok := envelope.RecordKey(map[string]any{"id": args[0]})
			if !ok {
				return nil, fmt.Errorf("get: invalid id %v", args[0])
			}
			rec, err := store.Get(ctx, id)
			if errors.Is(err, replica.ErrNotFound) {
				return nil, fmt.Errorf("get %s: not found", id)
			}
			if err != nil {
				return nil, err
			}
			return rec.Data, nil
		},
	}
}

// Snapshot builds a sync frame carrying every record in store. Each row
// carries its record id in the id field, since records written by a
// mutation with an explicit id may not have one in their data. A record
// whose data is not an object is sent as {"id": id, "value": data}.
func Snapshot(ctx context.Context, store replica.Store) (envelope.Sync, error) {
	recs, err := store.List(ctx)
	if err != nil {
		return envelope.Sync{}, fmt.Errorf("snapshot: %w", err)
	}
	rows := make([]any, len(recs))
	for i, r := range recs {
		row := withID(r.ID, r.Data)
		if _, ok := row.(map[string]any); !ok {
			row = map[string]any{"id": r.ID, "value": r.Data}
		}
		rows[i] = row
	}
	return envelope.Sync{Data: rows}, nil
}

// withID returns object data whose id field keys to id, copying it when the
// field is missing or names another record. Other data is returned as is.
func withID(id string, data any) any {
	obj, ok := data.(map[string]any)
	if !ok {
		return data
	}
	if key, ok := envelope.RecordKey(obj); ok && key == id {
		return obj
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out["id"] = id
	return out
}

// Seed inserts rows into store in one transaction. Each row must carry an
// id field.
func Seed(ctx context.Context, store replica.Store, rows []any) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	for i, row := range rows {
		id, ok := envelope.RecordKey(row)
		if !ok {
			_ = tx.Rollback()
			return fmt.Errorf("seed row %d: missing id", i)
		}
		if err := tx.Write(ctx, replica.Op{Type: envelope.OpInsert, ID: id, Data: row}); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("seed row %d: %w", i, err)
		}
	}
	return tx.Commit()
}
