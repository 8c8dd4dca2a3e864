// Package apply commits inbound replication batches to the local replica.
//
// Every batch (a transaction, a single pushed mutation, or a full snapshot)
// is applied inside one replica transaction: either every mutation lands or
// none does. Batch failures are returned to the caller, which decides how to
// report them (an error acknowledgment for transactions, a log line for
// pushes).
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/metrics"
	"github.com/roach88/tether/internal/replica"
)

// ErrMissingKey is returned for a mutation or snapshot row without a
// usable record id.
var ErrMissingKey = errors.New("record has no id")

// Batch results recorded in metrics.
const (
	resultCommitted  = "committed"
	resultRolledBack = "rolled_back"
)

// Applier applies batches to a replica.Store.
//
// Thread-safety: methods may be called concurrently, but the store admits
// one writer at a time, so batches are serialized. The session calls the
// Applier only from its run loop.
type Applier struct {
	store  replica.Store
	seq    *Sequence
	logger *slog.Logger

	ready     atomic.Bool
	readyOnce sync.Once
	onReady   func()
	onSettled func(seq uint64, err error)
}

// Option configures an Applier.
type Option func(*Applier)

// WithOnReady registers a callback run once, after the first snapshot
// commits.
func WithOnReady(fn func()) Option {
	return func(a *Applier) { a.onReady = fn }
}

// WithOnSettled registers a callback run after every Apply or
// ApplySnapshot, committed or not. seq is zero when err is non-nil.
func WithOnSettled(fn func(seq uint64, err error)) Option {
	return func(a *Applier) { a.onSettled = fn }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithSequence sets the sequence used to stamp committed batches.
func WithSequence(s *Sequence) Option {
	return func(a *Applier) { a.seq = s }
}

// New creates an Applier writing to store.
func New(store replica.Store, opts ...Option) *Applier {
	a := &Applier{
		store:  store,
		seq:    NewSequence(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the replica the Applier writes to.
func (a *Applier) Store() replica.Store {
	return a.store
}

// Ready reports whether an initial snapshot has been applied.
func (a *Applier) Ready() bool {
	return a.ready.Load()
}

// Seq returns the sequence number of the last committed batch.
func (a *Applier) Seq() uint64 {
	return a.seq.Current()
}

// Apply commits mutations as one atomic batch and returns its sequence
// number. On any failure the batch is rolled back and nothing is written.
func (a *Applier) Apply(ctx context.Context, mutations []envelope.Mutation) (seq uint64, err error) {
	defer func() { a.settled(seq, err) }()

	ops := make([]replica.Op, len(mutations))
	for i, m := range mutations {
		key, ok := m.Key()
		if !ok {
			return 0, a.failed(fmt.Errorf("mutation %d (%s): %w", i, m.Type, ErrMissingKey))
		}
		ops[i] = replica.Op{Type: m.Type, ID: key, Data: m.Data}
	}
	return a.commit(ctx, false, ops)
}

// ApplyPush commits a single unwrapped mutation.
func (a *Applier) ApplyPush(ctx context.Context, p envelope.Push) (uint64, error) {
	return a.Apply(ctx, []envelope.Mutation{{Type: p.Op, Data: p.Data}})
}

// ApplySnapshot replaces the replica contents with rows, each keyed by its
// id field, and marks the replica ready. Ready transitions at most once per
// Applier.
func (a *Applier) ApplySnapshot(ctx context.Context, rows []any) (seq uint64, err error) {
	defer func() { a.settled(seq, err) }()

	ops := make([]replica.Op, len(rows))
	for i, row := range rows {
		key, ok := envelope.RecordKey(row)
		if !ok {
			return 0, a.failed(fmt.Errorf("snapshot row %d: %w", i, ErrMissingKey))
		}
		ops[i] = replica.Op{Type: envelope.OpInsert, ID: key, Data: row}
	}

	if seq, err = a.commit(ctx, true, ops); err != nil {
		return 0, err
	}
	a.markReady()
	return seq, nil
}

func (a *Applier) commit(ctx context.Context, truncate bool, ops []replica.Op) (uint64, error) {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return 0, a.failed(fmt.Errorf("begin: %w", err))
	}

	if truncate {
		if err := tx.Truncate(ctx); err != nil {
			return 0, a.rollback(tx, err)
		}
	}
	for i, op := range ops {
		if err := tx.Write(ctx, op); err != nil {
			return 0, a.rollback(tx, fmt.Errorf("mutation %d: %w", i, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, a.failed(fmt.Errorf("commit: %w", err))
	}

	seq := a.seq.Next()
	metrics.BatchesApplied.WithLabelValues(resultCommitted).Inc()
	a.logger.Debug("batch committed", "seq", seq, "mutations", len(ops), "snapshot", truncate)
	return seq, nil
}

func (a *Applier) rollback(tx replica.Tx, cause error) error {
	if err := tx.Rollback(); err != nil {
		a.logger.Error("rollback failed", "error", err)
	}
	return a.failed(cause)
}

func (a *Applier) failed(err error) error {
	metrics.BatchesApplied.WithLabelValues(resultRolledBack).Inc()
	a.logger.Warn("batch rejected", "error", err)
	return err
}

func (a *Applier) settled(seq uint64, err error) {
	if a.onSettled != nil {
		a.onSettled(seq, err)
	}
}

func (a *Applier) markReady() {
	a.readyOnce.Do(func() {
		a.ready.Store(true)
		if a.onReady != nil {
			a.onReady()
		}
	})
}
