// Package channel adapts message-oriented transports to a single typed
// event stream.
//
// A Conn delivers inbound frames and faults on one channel returned by
// Events. The channel is closed exactly once, when the connection ends for
// any reason; a fault that ends the connection is delivered as an
// EventError immediately before the close. Frames are delivered in arrival
// order. Send is safe for concurrent use.
//
// Three transports are provided: an in-process Pipe, WebSocket (gorilla)
// and a NATS subject pair. None of them buffer outbound frames before the
// connection is established: a Conn only exists once dialled.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/tether/internal/protoerr"
)

// ErrConnClosed is the cause of a transport error returned by Send on a
// connection that has ended.
var ErrConnClosed = errors.New("connection closed")

// EventKind distinguishes frames from faults.
type EventKind int

const (
	// EventMessage carries one inbound frame in Data.
	EventMessage EventKind = iota

	// EventError carries a transport fault in Err.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a connection's event stream.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Conn is an established, bidirectional, message-oriented connection.
type Conn interface {
	// Send writes one frame. It fails with a TRANSPORT error if the
	// connection has ended.
	Send(ctx context.Context, data []byte) error

	// Events returns the inbound event stream. It is closed when the
	// connection ends.
	Events() <-chan Event

	// Close ends the connection. It is idempotent.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

const defaultEventBuffer = 64

// stream is the event channel shared by every transport.
//
// Producers call emit; the transport calls finish once when the connection
// ends. finish unblocks producers waiting on a full buffer, waits for them
// to leave, then closes the channel, so emit never sends on a closed channel.
type stream struct {
	ch   chan Event
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func newStream(buffer int) *stream {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// emit delivers ev, blocking while the buffer is full. It returns false if
// the stream ended or ctx was cancelled before delivery.
func (s *stream) emit(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// finish ends the stream. A non-nil err is delivered as a final EventError
// if there is room for it. Only the first call has any effect.
func (s *stream) finish(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.inflight.Wait()

	if err != nil {
		select {
		case s.ch <- Event{Kind: EventError, Err: err}:
		default:
		}
	}
	close(s.ch)
	return true
}

func (s *stream) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func closedErr() error {
	return protoerr.Transport(ErrConnClosed)
}
