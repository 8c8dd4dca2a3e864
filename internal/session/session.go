// Package session runs one end of a tether connection.
//
// A Session owns a channel connection, the correlator for its outbound
// requests, the reconnection scheduler, and (optionally) the applier for
// the local replica. All inbound frames, connection faults and reconnect
// timers are funnelled through a single FIFO queue drained by Run, so
// inbound dispatch and replica writes happen on one goroutine.
//
// Lifecycle:
//
//	s := session.New(dialer, validator, opts...)
//	go s.Run(ctx)
//	if err := s.Connect(ctx); err != nil { ... }
//	result, err := s.Request(ctx, "count")
//	s.Close()
//
// An unexpected connection loss moves the session to Disconnected and arms
// a single reconnection timer. Requests pending at the time are not
// rejected; they settle normally or time out. Close is terminal: pending
// requests are rejected with CLOSED, no reconnection happens, and Run
// returns.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"

	"github.com/roach88/tether/internal/apply"
	"github.com/roach88/tether/internal/channel"
	"github.com/roach88/tether/internal/clock"
	"github.com/roach88/tether/internal/correlate"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/metrics"
	"github.com/roach88/tether/internal/protoerr"
)

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 10 * time.Second

// ErrNoDialer is returned by Connect on a session that can only accept
// connections through Attach.
var ErrNoDialer = errors.New("session has no dialer")

// Session is one end of a tether connection.
type Session struct {
	dialer     channel.Dialer
	validator  *envelope.Validator
	correlator *correlate.Correlator
	scheduler  *Scheduler
	applier    *apply.Applier
	handler    Handler
	clock      clock.Clock
	logger     *slog.Logger
	timeout    time.Duration

	onValidationError func(error)
	onStateChange     func(from, to State)

	queue *eventQueue

	// stateMu serializes state machine transitions.
	stateMu sync.Mutex
	fsm     *fsm.FSM
	state   atomic.Value // State

	// connectMu serializes dials.
	connectMu sync.Mutex

	// mu guards the live connection.
	mu     sync.Mutex
	conn   channel.Conn
	gen    uint64
	closed bool
}

// Option configures a Session.
type Option func(*config)

type config struct {
	applier           *apply.Applier
	handler           Handler
	clock             clock.Clock
	ids               correlate.IDGenerator
	logger            *slog.Logger
	timeout           time.Duration
	policy            backoff.BackOff
	onValidationError func(error)
	onStateChange     func(from, to State)
}

// WithApplier sets the applier for inbound replication messages. Without
// one, inbound transactions are answered with an error acknowledgment and
// snapshots and pushes are dropped.
func WithApplier(a *apply.Applier) Option {
	return func(c *config) { c.applier = a }
}

// WithHandler sets the executor for inbound requests.
func WithHandler(h Handler) Option {
	return func(c *config) { c.handler = h }
}

// WithClock sets the clock for request deadlines and reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithIDGenerator sets the correlation id source.
func WithIDGenerator(g correlate.IDGenerator) Option {
	return func(c *config) { c.ids = g }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRequestTimeout sets the deadline for outbound requests and
// transactions (default DefaultRequestTimeout).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithReconnectDelay sets a constant reconnection delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) { c.policy = backoff.NewConstantBackOff(d) }
}

// WithReconnectPolicy sets an arbitrary reconnection policy.
func WithReconnectPolicy(p backoff.BackOff) Option {
	return func(c *config) { c.policy = p }
}

// OnValidationError registers the handler for inbound frames that violate
// the contract. Such frames are dropped after the handler runs.
func OnValidationError(fn func(error)) Option {
	return func(c *config) { c.onValidationError = fn }
}

// OnStateChange registers a callback for every state transition. It runs
// after the transition, outside any session lock.
func OnStateChange(fn func(from, to State)) Option {
	return func(c *config) { c.onStateChange = fn }
}

// New creates a disconnected Session. dialer may be nil for a session
// that only accepts connections through Attach; such a session never
// schedules reconnection.
func New(dialer channel.Dialer, validator *envelope.Validator, opts ...Option) *Session {
	cfg := config{
		clock:   clock.Real(),
		ids:     correlate.UUIDv7Generator{},
		logger:  slog.Default(),
		timeout: DefaultRequestTimeout,
		policy:  backoff.NewConstantBackOff(DefaultReconnectDelay),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		dialer:            dialer,
		validator:         validator,
		applier:           cfg.applier,
		handler:           cfg.handler,
		clock:             cfg.clock,
		logger:            cfg.logger,
		timeout:           cfg.timeout,
		onValidationError: cfg.onValidationError,
		onStateChange:     cfg.onStateChange,
		queue:             newEventQueue(),
	}
	s.correlator = correlate.New(
		correlate.WithClock(cfg.clock),
		correlate.WithIDGenerator(cfg.ids),
		correlate.WithLogger(cfg.logger),
	)
	s.scheduler = NewScheduler(
		func() { s.queue.Enqueue(event{typ: eventReconnect}) },
		WithPolicy(cfg.policy),
		WithSchedulerClock(cfg.clock),
		WithSchedulerLogger(cfg.logger),
	)
	s.state.Store(Disconnected)
	s.fsm = newStateMachine(func(_, to State) {
		s.state.Store(to)
		metrics.SetConnectionState(string(to), States)
	})
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// Correlator returns the session's pending-request table.
func (s *Session) Correlator() *correlate.Correlator {
	return s.correlator
}

// Scheduler returns the reconnection scheduler.
func (s *Session) Scheduler() *Scheduler {
	return s.scheduler
}

// Applier returns the replica applier, or nil.
func (s *Session) Applier() *apply.Applier {
	return s.applier
}

// RequestTimeout returns the deadline applied to outbound requests.
func (s *Session) RequestTimeout() time.Duration {
	return s.timeout
}

// Run processes inbound frames, connection faults and reconnect timers
// until the session is closed or ctx is done. Cancelling ctx closes the
// session.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Debug("session loop starting")

	for {
		ev, ok := s.queue.TryDequeue()
		if ok {
			s.process(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("session loop stopping: context cancelled")
			s.Close()
			return ctx.Err()

		case <-s.queue.Wait():
			// The signal channel closes when the queue is closed.
			if s.queue.Drained() {
				s.logger.Debug("session loop stopping: session closed")
				return nil
			}
		}
	}
}

// process routes one event.
// Called only from Run - single-writer guarantee.
func (s *Session) process(ctx context.Context, ev event) {
	switch ev.typ {
	case eventFrame:
		conn, ok := s.connFor(ev.gen)
		if !ok {
			s.logger.Debug("dropping frame from replaced connection")
			return
		}
		s.handleFrame(ctx, conn, ev.data)

	case eventFault, eventEnded:
		s.dropped(ev.gen, ev.err)

	case eventReconnect:
		if s.isClosed() || s.State() != Disconnected {
			return
		}
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("reconnect failed", "error", err)
			if !s.isClosed() {
				s.scheduler.OnUnexpectedDisconnect()
			}
		}
	}
}

// Connect dials the remote peer. It returns nil if already connected and
// a CLOSED error after Close. A failed dial is returned to the caller and
// does not schedule reconnection.
func (s *Session) Connect(ctx context.Context) error {
	return s.connect(ctx)
}

// Reconnect drops the current connection, if any, and dials immediately.
// A pending reconnection timer is cancelled. If the dial fails the
// session falls back to scheduled reconnection.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.isClosed() {
		return protoerr.Closed("")
	}
	s.scheduler.Cancel()

	if conn := s.detach(); conn != nil {
		conn.Close()
		s.transition(evDrop)
	}
	err := s.connect(ctx)
	if err != nil && s.dialer != nil && !s.isClosed() {
		s.scheduler.OnUnexpectedDisconnect()
	}
	return err
}

// Attach adopts an already established connection, for sessions on the
// accepting side of a transport. A connection that is still live is
// replaced: the new one supersedes it.
func (s *Session) Attach(conn channel.Conn) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.isClosed() {
		conn.Close()
		return protoerr.Closed("")
	}
	if old := s.detach(); old != nil {
		s.logger.Info("replacing live connection")
		old.Close()
		s.transition(evDrop)
	}

	s.transition(evConnect)
	return s.adopt(conn)
}

// Close ends the session. It cancels any reconnection timer, closes the
// connection, rejects every pending request with CLOSED and stops Run.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.gen++
	s.mu.Unlock()

	s.scheduler.Stop()
	if conn != nil {
		conn.Close()
	}
	s.transition(evClose)

	if n := s.correlator.RejectAll(nil); n > 0 {
		s.logger.Info("rejected pending requests on close", "count", n)
	}
	s.queue.Close()
	return nil
}

// Request sends a request and waits for its response, error response,
// timeout, or ctx.
func (s *Session) Request(ctx context.Context, method string, args ...any) (any, error) {
	conn, ok := s.liveConn()
	if !ok {
		return nil, protoerr.NotConnected("request")
	}

	if args == nil {
		args = []any{}
	}
	p := s.correlator.Register(s.timeout)
	raw, err := s.validator.Outbound(envelope.Request{ID: p.ID(), Method: method, Args: args})
	if err != nil {
		verr := protoerr.Validation(err)
		s.correlator.Reject(p.ID(), verr)
		return nil, verr
	}
	if err := conn.Send(ctx, raw); err != nil {
		terr := transportErr(err)
		s.correlator.Reject(p.ID(), terr)
		return nil, terr
	}
	return p.Wait(ctx)
}

// Send validates msg and writes it to the connection.
func (s *Session) Send(ctx context.Context, msg envelope.Message) error {
	conn, ok := s.liveConn()
	if !ok {
		return protoerr.NotConnected("send")
	}
	raw, err := s.validator.Outbound(msg)
	if err != nil {
		return protoerr.Validation(err)
	}
	if err := conn.Send(ctx, raw); err != nil {
		return transportErr(err)
	}
	return nil
}

// connect runs one dial attempt.
func (s *Session) connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	closed, live := s.closed, s.conn != nil
	s.mu.Unlock()
	if closed {
		return protoerr.Closed("")
	}
	if live {
		return nil
	}
	if s.dialer == nil {
		return ErrNoDialer
	}

	s.transition(evConnect)
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.transition(evFail)
		return transportErr(err)
	}
	if err := s.adopt(conn); err != nil {
		return err
	}
	s.scheduler.Reset()
	return nil
}

// adopt installs conn as the live connection and starts its pump.
// The state machine must be in Connecting.
func (s *Session) adopt(conn channel.Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return protoerr.Closed("")
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.mu.Unlock()

	s.transition(evOpen)
	go s.pump(gen, conn)
	return nil
}

// pump forwards a connection's events to the run loop.
func (s *Session) pump(gen uint64, conn channel.Conn) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case channel.EventMessage:
			s.queue.Enqueue(event{typ: eventFrame, gen: gen, data: ev.Data})
		case channel.EventError:
			s.queue.Enqueue(event{typ: eventFault, gen: gen, err: ev.Err})
		}
	}
	s.queue.Enqueue(event{typ: eventEnded, gen: gen})
}

// dropped handles the loss of connection gen. Losses of a replaced
// connection, or a second report for the same loss, are ignored.
func (s *Session) dropped(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.mu.Unlock()

	conn.Close()
	if cause != nil {
		s.logger.Warn("connection lost", "error", cause, "pending", s.correlator.Len())
	} else {
		s.logger.Warn("connection closed by peer", "pending", s.correlator.Len())
	}
	s.transition(evDrop)

	if s.dialer != nil {
		s.scheduler.OnUnexpectedDisconnect()
	}
}

// detach removes the live connection without touching the state machine.
func (s *Session) detach() channel.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.gen++
	return conn
}

func (s *Session) liveConn() (channel.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func (s *Session) connFor(gen uint64) (channel.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil || gen != s.gen {
		return nil, false
	}
	return s.conn, true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// transition fires a state machine event. Events that do not apply in the
// current state are ignored.
func (s *Session) transition(name string) {
	s.stateMu.Lock()
	from := State(s.fsm.Current())
	err := s.fsm.Event(context.Background(), name)
	to := State(s.fsm.Current())
	s.stateMu.Unlock()

	if err != nil {
		s.logger.Debug("state event ignored", "event", name, "state", from, "reason", err)
		return
	}
	s.logger.Info("session state changed", "from", from, "to", to, "event", name)
	if s.onStateChange != nil {
		s.onStateChange(from, to)
	}
}

func transportErr(err error) error {
	if protoerr.CodeOf(err) != "" {
		return err
	}
	return protoerr.Transport(err)
}
