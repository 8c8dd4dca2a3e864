// Package correlate pairs outbound requests with their eventual responses
// over a channel that has no native request/response semantics.
//
// The Correlator keeps a table of pending entries keyed by correlation id.
// Insertion (Register) and removal (Resolve, Reject, expiry, RejectAll) are
// the only mutations. Removal is presence-checked, so every entry settles
// exactly once: whichever of {response, error response, timeout, close}
// removes the entry first wins, and every later event for that id is a
// silent no-op.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tether/internal/clock"
	"github.com/roach88/tether/internal/metrics"
	"github.com/roach88/tether/internal/protoerr"
)

// ErrDuplicateID is returned by RegisterID when the id is already pending.
var ErrDuplicateID = errors.New("correlation id already pending")

// Pending is one outstanding request. It is settled exactly once.
type Pending struct {
	id       string
	deadline time.Time
	timer    clock.Timer
	owner    *Correlator

	done  chan struct{}
	value any
	err   error
}

// ID returns the correlation id to embed in the outbound envelope.
func (p *Pending) ID() string { return p.id }

// Deadline returns the instant at which the entry times out.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the entry has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the settled value and error. Only meaningful after Done.
func (p *Pending) Result() (any, error) {
	<-p.done
	return p.value, p.err
}

// Wait blocks until the entry settles or ctx is done.
//
// If ctx ends first the entry is rejected with ctx's error, so an
// abandoned wait never leaves a stale entry in the table. If the entry
// settled concurrently, its real outcome is returned instead.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		p.owner.Reject(p.id, ctx.Err())
		<-p.done
		return p.value, p.err
	}
}

func (p *Pending) settle(v any, err error) {
	p.value = v
	p.err = err
	close(p.done)
}

// Correlator owns the pending-request table.
//
// Thread-safety: all methods are safe for concurrent use. Settlement happens
// after the entry is removed under the lock, so two racing events for the
// same id can never both settle it.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ids     IDGenerator
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithIDGenerator overrides the id generator (default UUIDv7Generator).
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Correlator) { c.ids = g }
}

// WithClock overrides the clock used for deadlines (default clock.Real()).
func WithClock(clk clock.Clock) Option {
	return func(c *Correlator) { c.clock = clk }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// New creates an empty Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[string]*Pending),
		ids:     UUIDv7Generator{},
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register mints a fresh correlation id and stores a pending entry that
// times out after timeout.
func (c *Correlator) Register(timeout time.Duration) *Pending {
	for {
		p, err := c.RegisterID(c.ids.Generate(), timeout)
		if err == nil {
			return p
		}
		// A generator collision with a live entry; mint another id.
		c.logger.Warn("correlation id collision", "error", err)
	}
}

// RegisterID stores a pending entry under a caller-chosen id.
// Returns ErrDuplicateID if an entry with that id is still pending.
func (c *Correlator) RegisterID(id string, timeout time.Duration) (*Pending, error) {
	if id == "" {
		return nil, fmt.Errorf("register: empty correlation id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("register %s: %w", id, ErrDuplicateID)
	}

	p := &Pending{
		id:       id,
		deadline: c.clock.Now().Add(timeout),
		owner:    c,
		done:     make(chan struct{}),
	}
	c.pending[id] = p
	p.timer = c.clock.AfterFunc(timeout, func() { c.expire(id, p) })

	metrics.PendingRequests.Set(float64(len(c.pending)))
	c.logger.Debug("request registered", "id", id, "timeout", timeout)
	return p, nil
}

// Resolve settles the entry for id with v. Returns false (and does nothing)
// if no such entry is pending.
func (c *Correlator) Resolve(id string, v any) bool {
	p := c.take(id, nil)
	if p == nil {
		c.logger.Debug("late or duplicate response ignored", "id", id)
		return false
	}
	p.settle(v, nil)
	metrics.Settlements.WithLabelValues(metrics.OutcomeResolved).Inc()
	return true
}

// Reject settles the entry for id with err. Returns false (and does nothing)
// if no such entry is pending.
func (c *Correlator) Reject(id string, err error) bool {
	p := c.take(id, nil)
	if p == nil {
		c.logger.Debug("late or duplicate rejection ignored", "id", id)
		return false
	}
	p.settle(nil, err)
	metrics.Settlements.WithLabelValues(outcomeOf(err)).Inc()
	return true
}

// RejectAll rejects every pending entry with Closed errors wrapping cause
// (when non-nil) and returns how many entries were rejected.
func (c *Correlator) RejectAll(cause error) int {
	c.mu.Lock()
	entries := make([]*Pending, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
		entries = append(entries, p)
	}
	metrics.PendingRequests.Set(0)
	c.mu.Unlock()

	for _, p := range entries {
		err := protoerr.Closed(p.id)
		if cause != nil {
			err.Err = cause
		}
		p.settle(nil, err)
		metrics.Settlements.WithLabelValues(metrics.OutcomeClosed).Inc()
	}
	return len(entries)
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether id is pending.
func (c *Correlator) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// expire is the timer callback. It only wins if the entry is still the one
// the timer was armed for.
func (c *Correlator) expire(id string, armed *Pending) {
	p := c.take(id, armed)
	if p == nil {
		return
	}
	c.logger.Warn("request timed out", "id", id)
	p.settle(nil, protoerr.Timeout(id))
	metrics.Settlements.WithLabelValues(metrics.OutcomeTimeout).Inc()
}

// take removes and returns the entry for id. If want is non-nil the entry
// is only removed when it is that exact entry, which keeps a stale timer
// from expiring a newer entry registered under a reused id.
func (c *Correlator) take(id string, want *Pending) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(c.pending, id)
	if want == nil {
		p.timer.Stop()
	}
	metrics.PendingRequests.Set(float64(len(c.pending)))
	return p
}

func outcomeOf(err error) string {
	switch protoerr.CodeOf(err) {
	case protoerr.CodeRemote:
		return metrics.OutcomeRemoteError
	case protoerr.CodeTimeout:
		return metrics.OutcomeTimeout
	case protoerr.CodeClosed:
		return metrics.OutcomeClosed
	default:
		return metrics.OutcomeCancelled
	}
}
