package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tether/internal/channel"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/protoerr"
)

// ErrUnknownMethod is returned by Methods for a method it does not define.
var ErrUnknownMethod = errors.New("unknown method")

// errNoReplica answers transactions on a session without an applier.
var errNoReplica = errors.New("no replica configured")

// Handler executes inbound requests.
//
// HandleRequest runs on its own goroutine, so it may issue requests on the
// same session. A returned error is sent back as a response-error carrying
// the error's message.
type Handler interface {
	HandleRequest(ctx context.Context, method string, args []any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, method string, args []any) (any, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, method string, args []any) (any, error) {
	return f(ctx, method, args)
}

// Methods is a Handler that routes by method name.
type Methods map[string]func(ctx context.Context, args []any) (any, error)

// HandleRequest implements Handler.
func (m Methods) HandleRequest(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return fn(ctx, args)
}

// handleFrame validates one inbound frame and dispatches it.
// Called only from Run.
func (s *Session) handleFrame(ctx context.Context, conn channel.Conn, raw []byte) {
	msg, err := s.validator.Inbound(raw)
	if err != nil {
		if s.onValidationError != nil {
			s.onValidationError(err)
		}
		return
	}

	d := &dispatcher{s: s, ctx: ctx, conn: conn}
	if err := envelope.Visit(msg, d); err != nil {
		s.logger.Error("dispatch failed", "kind", msg.Kind(), "error", err)
	}
}

// dispatcher routes each inbound variant. Every Visitor method must be
// implemented, so a new variant cannot be silently ignored.
type dispatcher struct {
	s    *Session
	ctx  context.Context
	conn channel.Conn
}

func (d *dispatcher) VisitRequest(m envelope.Request) error {
	go d.s.serve(d.ctx, d.conn, m)
	return nil
}

func (d *dispatcher) VisitResponse(m envelope.Response) error {
	if !d.s.correlator.Resolve(m.ID, m.Result) {
		d.s.logger.Debug("response for unknown or settled request", "id", m.ID)
	}
	return nil
}

func (d *dispatcher) VisitResponseError(m envelope.ResponseError) error {
	if !d.s.correlator.Reject(m.ID, protoerr.Remote(m.ID, m.Error)) {
		d.s.logger.Debug("error response for unknown or settled request", "id", m.ID)
	}
	return nil
}

func (d *dispatcher) VisitSync(m envelope.Sync) error {
	if d.s.applier == nil {
		d.s.logger.Warn("dropping snapshot: no replica configured", "rows", len(m.Data))
		return nil
	}
	if _, err := d.s.applier.ApplySnapshot(d.ctx, m.Data); err != nil {
		d.s.logger.Error("snapshot rejected", "rows", len(m.Data), "error", err)
	}
	return nil
}

// VisitPush applies an unwrapped mutation. Pushes are never acknowledged,
// so a failure is only logged.
func (d *dispatcher) VisitPush(m envelope.Push) error {
	if d.s.applier == nil {
		d.s.logger.Warn("dropping push: no replica configured", "op", m.Op)
		return nil
	}
	if _, err := d.s.applier.ApplyPush(d.ctx, m); err != nil {
		d.s.logger.Error("push rejected", "op", m.Op, "error", err)
	}
	return nil
}

func (d *dispatcher) VisitTransaction(m envelope.Transaction) error {
	var err error
	if d.s.applier == nil {
		err = errNoReplica
	} else {
		_, err = d.s.applier.Apply(d.ctx, m.Mutations)
	}

	if err != nil {
		d.s.reply(d.ctx, d.conn, envelope.ResponseError{ID: m.TransactionID, Error: err.Error()})
		return nil
	}
	d.s.reply(d.ctx, d.conn, envelope.Ack{TransactionID: m.TransactionID})
	return nil
}

func (d *dispatcher) VisitAck(m envelope.Ack) error {
	if !d.s.correlator.Resolve(m.TransactionID, nil) {
		d.s.logger.Debug("ack for unknown or settled transaction", "id", m.TransactionID)
	}
	return nil
}

// serve runs the handler for one inbound request and replies on the
// connection it arrived on.
func (s *Session) serve(ctx context.Context, conn channel.Conn, req envelope.Request) {
	if s.handler == nil {
		s.reply(ctx, conn, envelope.ResponseError{ID: req.ID, Error: fmt.Sprintf("%v: %s", ErrUnknownMethod, req.Method)})
		return
	}

	result, err := s.handler.HandleRequest(ctx, req.Method, req.Args)
	if err != nil {
		s.reply(ctx, conn, envelope.ResponseError{ID: req.ID, Error: err.Error()})
		return
	}
	s.reply(ctx, conn, envelope.Response{ID: req.ID, Result: result})
}

func (s *Session) reply(ctx context.Context, conn channel.Conn, msg envelope.Message) {
	raw, err := s.validator.Outbound(msg)
	if err != nil {
		s.logger.Error("reply rejected by contract", "kind", msg.Kind(), "error", err)
		return
	}
	if err := conn.Send(ctx, raw); err != nil {
		s.logger.Warn("reply not sent", "kind", msg.Kind(), "error", err)
	}
}
