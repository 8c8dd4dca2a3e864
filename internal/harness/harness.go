package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tether/internal/apply"
	"github.com/roach88/tether/internal/channel"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/peer"
	"github.com/roach88/tether/internal/protoerr"
	"github.com/roach88/tether/internal/replica"
	"github.com/roach88/tether/internal/session"
	"github.com/roach88/tether/internal/testutil"
	"github.com/roach88/tether/internal/txn"
)

// settleTimeout bounds how long a step waits, in real time, for the
// effects of a frame to land.
const settleTimeout = 2 * time.Second

// errDropped is the transport fault injected by drop steps.
var errDropped = errors.New("dropped by scenario")

// Harness is the test execution engine.
// It runs scenarios with a fake clock and sequential correlation ids, so
// traces are identical across runs.
type Harness struct {
	clock     *testutil.FakeClock
	validator *envelope.Validator
	logger    *slog.Logger
	rec       *recorder

	origin      *session.Session
	originStore replica.Store
	applier     *apply.Applier
	tracker     *txn.Tracker

	authority *session.Session // nil when silent
	authStore replica.Store
	silent    bool
	dialer    *channel.PipeDialer

	mu     sync.Mutex
	remote *channel.PipeEnd

	settled atomic.Int64 // origin batches applied or rejected
	invalid atomic.Int64 // inbound frames rejected by the origin

	handles map[string]*handle
	cancel  context.CancelFunc
}

// handle is an in-flight submit or request.
type handle struct {
	done  chan struct{}
	value any
	err   error
}

func (h *handle) settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against fresh in-memory replicas. Execution flow:
//  1. Build origin and authority sessions over a pipe and connect
//  2. Execute steps in order
//  3. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.shutdown()

	ctx := context.Background()
	if err := h.origin.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	result.Trace = h.rec.snapshot()

	actx := &AssertionContext{
		Ctx:              ctx,
		Origin:           h.originStore,
		Ready:            h.applier.Ready(),
		State:            string(h.origin.State()),
		Pending:          h.origin.Correlator().Len(),
		ValidationErrors: int(h.invalid.Load()),
	}
	if !h.silent {
		actx.Authority = h.authStore
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	codec, err := envelope.CodecByName(scenario.Codec)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	validator, err := envelope.NewValidator(codec, envelope.WithValidatorLogger(logger))
	if err != nil {
		return nil, err
	}

	h := &Harness{
		clock:       testutil.NewFakeClock(),
		validator:   validator,
		logger:      logger,
		rec:         &recorder{},
		originStore: replica.NewMemoryStore(),
		authStore:   replica.NewMemoryStore(),
		silent:      scenario.Authority.Silent,
		handles:     make(map[string]*handle),
	}

	if err := peer.Seed(context.Background(), h.authStore, scenario.Authority.Records); err != nil {
		h.originStore.Close()
		h.authStore.Close()
		return nil, err
	}

	h.applier = apply.New(h.originStore,
		apply.WithLogger(logger),
		apply.WithOnSettled(func(uint64, error) { h.settled.Add(1) }),
	)

	h.dialer = &channel.PipeDialer{Buffer: 64, Accept: h.accept}
	dial := channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) {
		conn, err := h.dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return newTracedConn(conn, h.rec, codec), nil
	})

	h.origin = session.New(dial, validator,
		session.WithClock(h.clock),
		session.WithIDGenerator(testutil.NewSequentialGenerator("req")),
		session.WithApplier(h.applier),
		session.WithLogger(logger),
		session.OnValidationError(func(error) { h.invalid.Add(1) }),
	)
	h.tracker = txn.New(h.origin, txn.WithLogger(logger))

	if !h.silent {
		h.authority = session.New(nil, validator,
			session.WithClock(h.clock),
			session.WithIDGenerator(testutil.NewSequentialGenerator("auth")),
			session.WithApplier(apply.New(h.authStore, apply.WithLogger(logger))),
			session.WithHandler(peer.ReplicaMethods(h.authStore)),
			session.WithLogger(logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.origin.Run(ctx)
	if h.authority != nil {
		go h.authority.Run(ctx)
	}
	return h, nil
}

// accept receives the authority end of every dialled pipe.
func (h *Harness) accept(remote *channel.PipeEnd) error {
	h.mu.Lock()
	h.remote = remote
	h.mu.Unlock()

	if h.silent {
		go func() {
			for range remote.Events() {
			}
		}()
		return nil
	}
	return h.authority.Attach(remote)
}

func (h *Harness) shutdown() {
	h.cancel()
	h.origin.Close()
	if h.authority != nil {
		h.authority.Close()
	}
	h.originStore.Close()
	h.authStore.Close()
}

// executeStep runs one step. Expectation mismatches are recorded on the
// result; an error means the scenario could not continue.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Submit != nil:
		muts := make([]envelope.Mutation, len(step.Submit.Mutations))
		for j, m := range step.Submit.Mutations {
			muts[j] = envelope.Mutation{Type: envelope.Op(m.Type), ID: m.ID, Data: m.Data}
		}
		batch := txn.NewBatch(step.Submit.ID, muts...)
		hd := h.start(step.Submit.ID, func() (any, error) {
			return nil, h.tracker.Submit(ctx, batch)
		})
		if step.Submit.Expect != nil {
			return h.await(i, step.Submit.ID, hd, *step.Submit.Expect, result)
		}

	case step.Request != nil:
		req := step.Request
		hd := h.start(req.As, func() (any, error) {
			return h.origin.Request(ctx, req.Method, req.Args...)
		})
		if req.Expect != nil {
			return h.await(i, req.As, hd, *req.Expect, result)
		}

	case step.Push != nil:
		return h.deliver(ctx, envelope.Push{Op: envelope.Op(step.Push.Op), Data: step.Push.Data})

	case step.Sync != nil:
		rows := step.Sync.Rows
		if rows == nil {
			rows = []any{}
		}
		return h.deliver(ctx, envelope.Sync{Data: rows})

	case step.Snapshot:
		snap, err := peer.Snapshot(ctx, h.authStore)
		if err != nil {
			return err
		}
		return h.deliver(ctx, snap)

	case step.Raw != nil:
		return h.sendRaw(ctx, step.Raw)

	case step.Await != nil:
		return h.await(i, step.Await.Name, h.handles[step.Await.Name], step.Await.Expect, result)

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)

	case step.Drop:
		conn := h.dialer.Last()
		if conn == nil {
			return fmt.Errorf("drop: never connected")
		}
		conn.Sever(errDropped)
		return h.waitUntil("disconnect", func() bool {
			return h.origin.State() == session.Disconnected && h.origin.Scheduler().Pending()
		})

	case step.Close:
		return h.origin.Close()

	case step.WaitState != "":
		want := session.State(step.WaitState)
		return h.waitUntil("state "+step.WaitState, func() bool { return h.origin.State() == want })
	}
	return nil
}

// start runs fn on its own goroutine under name and returns once the
// outbound frame has been sent or fn has already settled.
func (h *Harness) start(name string, fn func() (any, error)) *handle {
	hd := &handle{done: make(chan struct{})}
	h.handles[name] = hd

	before := h.rec.count(DirOut)
	go func() {
		hd.value, hd.err = fn()
		close(hd.done)
	}()

	_ = h.waitUntil("send "+name, func() bool { return hd.settled() || h.rec.count(DirOut) > before })
	return hd
}

func (h *Harness) await(i int, name string, hd *handle, want Expect, result *Result) error {
	select {
	case <-hd.done:
	case <-time.After(settleTimeout):
		return fmt.Errorf("%s did not settle", name)
	}
	for _, msg := range checkOutcome(hd, want) {
		result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, name, msg))
	}
	return nil
}

func checkOutcome(hd *handle, want Expect) []string {
	var errs []string
	if want.Error == "" {
		if hd.err != nil {
			return []string{fmt.Sprintf("expected success, got %v", hd.err)}
		}
		if want.Result != nil && !valuesEqual(hd.value, want.Result) {
			errs = append(errs, fmt.Sprintf("expected result %v, got %v", want.Result, hd.value))
		}
		return errs
	}

	if hd.err == nil {
		return []string{fmt.Sprintf("expected %s error, got success", want.Error)}
	}
	if code := protoerr.CodeOf(hd.err); string(code) != want.Error {
		errs = append(errs, fmt.Sprintf("expected %s error, got %q (%v)", want.Error, code, hd.err))
	}
	if want.ID != "" && protoerr.IDOf(hd.err) != want.ID {
		errs = append(errs, fmt.Sprintf("expected error id %s, got %q", want.ID, protoerr.IDOf(hd.err)))
	}
	return errs
}

// deliver sends msg from the authority and waits until the origin has
// applied or rejected it.
func (h *Harness) deliver(ctx context.Context, msg envelope.Message) error {
	raw, err := h.validator.Outbound(msg)
	if err != nil {
		return err
	}
	return h.sendRaw(ctx, &RawStep{Frame: string(raw)})
}

// sendRaw sends frame bytes from the authority. An invalid frame must be
// reported through the validation hook; any other frame must settle one
// batch on the origin.
func (h *Harness) sendRaw(ctx context.Context, step *RawStep) error {
	h.mu.Lock()
	remote := h.remote
	h.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("no authority connection")
	}

	settled, invalid := h.settled.Load(), h.invalid.Load()
	if err := remote.Send(ctx, []byte(step.Frame)); err != nil {
		return err
	}
	if step.Invalid {
		return h.waitUntil("validation failure", func() bool { return h.invalid.Load() > invalid })
	}
	return h.waitUntil("batch", func() bool { return h.settled.Load() > settled })
}

func (h *Harness) waitUntil(what string, cond func() bool) error {
	deadline := time.Now().Add(settleTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// tracedConn records every frame crossing an origin connection.
type tracedConn struct {
	channel.Conn
	rec    *recorder
	codec  envelope.Codec
	events chan channel.Event
}

func newTracedConn(inner channel.Conn, rec *recorder, codec envelope.Codec) *tracedConn {
	c := &tracedConn{Conn: inner, rec: rec, codec: codec, events: make(chan channel.Event)}
	go c.forward()
	return c
}

func (c *tracedConn) Send(ctx context.Context, data []byte) error {
	c.rec.add(c.decode(DirOut, data))
	return c.Conn.Send(ctx, data)
}

func (c *tracedConn) Events() <-chan channel.Event {
	return c.events
}

func (c *tracedConn) forward() {
	defer close(c.events)
	for ev := range c.Conn.Events() {
		if ev.Kind == channel.EventMessage {
			c.rec.add(c.decode(DirIn, ev.Data))
		}
		c.events <- ev
	}
}

func (c *tracedConn) decode(dir string, data []byte) TraceEvent {
	doc, err := c.codec.Unmarshal(data)
	if err != nil || doc == nil {
		return TraceEvent{Dir: dir, Kind: "malformed", Raw: string(data)}
	}
	kind, _ := doc["type"].(string)
	if kind == "" {
		kind = "untyped"
	}
	return TraceEvent{Dir: dir, Kind: kind, Frame: doc}
}
