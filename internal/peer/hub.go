package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/tether/internal/correlate"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/replica"
)

// Sender delivers a frame to one connected origin. *session.Session
// implements it.
type Sender interface {
	Send(ctx context.Context, msg envelope.Message) error
}

// Hub wraps an authority's store and pushes every committed change to the
// joined origins. A commit of one write becomes an insert, update or delete
// push; a commit of several becomes one transaction frame so receivers apply
// it atomically; a committed truncate becomes a fresh snapshot.
//
// Thread-safety: Join and Leave may be called concurrently with commits.
// Write transactions hold the hub's writer slot from Begin until Commit or
// Rollback, and Welcome takes the same slot, so no commit falls between a
// subscriber's snapshot and its first frame.
type Hub struct {
	replica.Store

	writer sync.Mutex // held by the open write transaction
	ids    correlate.IDGenerator

	mu     sync.RWMutex
	subs   map[string]Sender
	logger *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithTransactionIDs sets the generator for ids of broadcast transaction
// frames. Defaults to UUIDv7.
func WithTransactionIDs(g correlate.IDGenerator) HubOption {
	return func(h *Hub) {
		h.ids = g
	}
}

// NewHub wraps store. A nil logger uses slog.Default().
func NewHub(store replica.Store, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		Store:  store,
		ids:    correlate.UUIDv7Generator{},
		subs:   make(map[string]Sender),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join subscribes s under name, replacing any previous subscriber with
// that name. Use Welcome for a subscriber that has not seen a snapshot.
func (h *Hub) Join(name string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[name] = s
}

// Welcome sends s a snapshot of the store and then subscribes it under
// name. Commits wait until both are done, so every change reaches s
// exactly once: inside the snapshot or as a later frame. It returns the
// number of snapshot rows sent. On error s is not subscribed.
func (h *Hub) Welcome(ctx context.Context, name string, s Sender) (int, error) {
	h.writer.Lock()
	defer h.writer.Unlock()

	snap, err := Snapshot(ctx, h.Store)
	if err != nil {
		return 0, err
	}
	if err := s.Send(ctx, snap); err != nil {
		return 0, fmt.Errorf("send snapshot: %w", err)
	}
	h.Join(name, s)
	return len(snap.Data), nil
}

// Leave unsubscribes name. Unknown names are ignored.
func (h *Hub) Leave(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, name)
}

// Members returns the subscribed names in sorted order.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.subs))
	for name := range h.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Begin starts a write transaction whose committed writes are broadcast.
// It waits for the writer slot; ctx is not consulted while waiting, only by
// the underlying store once the slot is held.
func (h *Hub) Begin(ctx context.Context) (replica.Tx, error) {
	h.writer.Lock()
	tx, err := h.Store.Begin(ctx)
	if err != nil {
		h.writer.Unlock()
		return nil, err
	}
	return &hubTx{Tx: tx, hub: h}, nil
}

// broadcast sends frames to every subscriber. A failed send is logged; the
// subscriber's own session notices the broken connection.
func (h *Hub) broadcast(ctx context.Context, frames []envelope.Message) {
	if len(frames) == 0 {
		return
	}

	h.mu.RLock()
	subs := make(map[string]Sender, len(h.subs))
	for name, s := range h.subs {
		subs[name] = s
	}
	h.mu.RUnlock()

	for name, s := range subs {
		for _, f := range frames {
			if err := s.Send(ctx, f); err != nil {
				h.logger.Warn("push failed", "subscriber", name, "kind", f.Kind(), "error", err)
				break
			}
		}
	}
}

// framesFor renders the writes of one commit.
func (h *Hub) framesFor(ops []replica.Op) []envelope.Message {
	switch len(ops) {
	case 0:
		return nil
	case 1:
		if push, ok := pushFor(ops[0]); ok {
			return []envelope.Message{push}
		}
	}

	muts := make([]envelope.Mutation, len(ops))
	for i, op := range ops {
		muts[i] = envelope.Mutation{Type: op.Type, ID: op.ID, Data: op.Data}
		if op.Type == envelope.OpDelete {
			muts[i].Data = nil
		}
	}
	return []envelope.Message{envelope.Transaction{TransactionID: h.ids.Generate(), Mutations: muts}}
}

type hubTx struct {
	replica.Tx
	hub       *Hub
	ops       []replica.Op
	truncated bool
	done      bool
}

func (t *hubTx) Write(ctx context.Context, op replica.Op) error {
	if err := t.Tx.Write(ctx, op); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *hubTx) Truncate(ctx context.Context) error {
	if err := t.Tx.Truncate(ctx); err != nil {
		return err
	}
	t.truncated = true
	t.ops = nil
	return nil
}

func (t *hubTx) Commit() error {
	if t.done {
		return replica.ErrTxDone
	}
	defer t.release()
	if err := t.Tx.Commit(); err != nil {
		return err
	}

	ctx := context.Background()
	if t.truncated {
		snap, err := Snapshot(ctx, t.hub.Store)
		if err != nil {
			t.hub.logger.Error("snapshot after truncate", "error", err)
			return nil
		}
		t.hub.broadcast(ctx, []envelope.Message{snap})
		return nil
	}
	t.hub.broadcast(ctx, t.hub.framesFor(t.ops))
	return nil
}

func (t *hubTx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.release()
	return t.Tx.Rollback()
}

// release hands the writer slot back. Broadcasts finish first, so frames
// leave in commit order.
func (t *hubTx) release() {
	t.done = true
	t.hub.writer.Unlock()
}

// pushFor renders a committed write as a push. The payload must carry the
// record id so the receiver can key it; writes whose data is not an object
// cannot be pushed.
func pushFor(op replica.Op) (envelope.Push, bool) {
	if op.Type == envelope.OpDelete {
		return envelope.Push{Op: envelope.OpDelete, Data: map[string]any{"id": op.ID}}, true
	}
	data, ok := withID(op.ID, op.Data).(map[string]any)
	if !ok {
		return envelope.Push{}, false
	}
	return envelope.Push{Op: op.Type, Data: data}, true
}
