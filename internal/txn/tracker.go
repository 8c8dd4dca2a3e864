// Package txn submits batches of record mutations to the remote peer and
// waits for them to be acknowledged.
//
// A submitted Batch travels as one transaction frame. The remote applies it
// atomically and answers with an ack (Submit returns nil), a response-error
// keyed by the transaction id (Submit returns a REMOTE error), or nothing
// (Submit returns a TIMEOUT error once the deadline passes). Acks that arrive
// after settlement are ignored.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tether/internal/correlate"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/protoerr"
	"github.com/roach88/tether/internal/session"
)

// Batch is an ordered list of mutations applied all-or-nothing.
// An empty TransactionID is minted at submission.
type Batch struct {
	TransactionID string
	Mutations     []envelope.Mutation
}

// NewBatch returns a batch with the given transaction id.
func NewBatch(id string, mutations ...envelope.Mutation) Batch {
	return Batch{TransactionID: id, Mutations: mutations}
}

// Insert creates a record keyed by the id field of data.
func Insert(data any) envelope.Mutation {
	return envelope.Mutation{Type: envelope.OpInsert, Data: data}
}

// Update merges data into the record named by its id field.
func Update(data any) envelope.Mutation {
	return envelope.Mutation{Type: envelope.OpUpdate, Data: data}
}

// Delete removes the record with the given id.
func Delete(id string) envelope.Mutation {
	return envelope.Mutation{Type: envelope.OpDelete, ID: id}
}

// Tracker submits batches over a session.
type Tracker struct {
	session *session.Session
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeout sets how long Submit waits for an acknowledgment.
// Defaults to the session's request timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New returns a Tracker bound to s.
func New(s *session.Session, opts ...Option) *Tracker {
	t := &Tracker{
		session: s,
		timeout: s.RequestTimeout(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit sends b as one transaction and blocks until it settles.
func (t *Tracker) Submit(ctx context.Context, b Batch) error {
	if t.session.State() != session.Connected {
		return protoerr.NotConnected("submit")
	}

	c := t.session.Correlator()
	var p *correlate.Pending
	if b.TransactionID == "" {
		p = c.Register(t.timeout)
	} else {
		var err error
		if p, err = c.RegisterID(b.TransactionID, t.timeout); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
	}
	id := p.ID()

	msg := envelope.Transaction{TransactionID: id, Mutations: b.Mutations}
	if err := t.session.Send(ctx, msg); err != nil {
		c.Reject(id, err)
		return err
	}
	t.logger.Debug("transaction sent", "id", id, "mutations", len(b.Mutations))

	if _, err := p.Wait(ctx); err != nil {
		t.logger.Warn("transaction failed", "id", id, "error", err)
		return err
	}
	t.logger.Debug("transaction acknowledged", "id", id)
	return nil
}
