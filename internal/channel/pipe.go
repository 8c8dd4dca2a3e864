package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/tether/internal/protoerr"
)

// ErrPipeSevered is the fault reported by both ends of a pipe cut with
// Sever(nil).
var ErrPipeSevered = errors.New("pipe severed")

// PipeEnd is one side of an in-process connection.
type PipeEnd struct {
	in   *stream
	peer *PipeEnd
}

// Pipe returns two connected in-process ends. Frames sent on one end are
// delivered, copied, on the other. buffer bounds each end's inbound queue;
// a sender blocks while the peer's queue is full.
//
// Closing either end ends both. The peer sees its event stream close
// without an error, as if the remote side hung up.
func Pipe(buffer int) (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{in: newStream(buffer)}
	b := &PipeEnd{in: newStream(buffer)}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers a copy of data to the peer.
func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	if p.in.ended() {
		return closedErr()
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	if !p.peer.in.emit(ctx, Event{Kind: EventMessage, Data: frame}) {
		if err := ctx.Err(); err != nil {
			return protoerr.Transport(err)
		}
		return closedErr()
	}
	return nil
}

// Events returns this end's inbound stream.
func (p *PipeEnd) Events() <-chan Event {
	return p.in.ch
}

// Close ends both sides of the pipe.
func (p *PipeEnd) Close() error {
	p.in.finish(nil)
	p.peer.in.finish(nil)
	return nil
}

// Sever cuts the pipe with a fault: both ends receive an EventError
// carrying err (ErrPipeSevered if nil) and then their streams close.
func (p *PipeEnd) Sever(err error) {
	if err == nil {
		err = ErrPipeSevered
	}
	p.in.finish(err)
	p.peer.in.finish(err)
}

// Peer returns the other end of the pipe.
func (p *PipeEnd) Peer() *PipeEnd {
	return p.peer
}

// PipeDialer dials by creating a fresh Pipe and handing its remote end to
// accept. If accept returns an error the pipe is closed and Dial fails
// with a transport error.
type PipeDialer struct {
	Buffer int
	Accept func(remote *PipeEnd) error

	mu    sync.Mutex
	last  *PipeEnd
	dials int
}

// Dial implements Dialer.
func (d *PipeDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, protoerr.Transport(err)
	}
	d.mu.Lock()
	accept := d.Accept
	d.mu.Unlock()

	local, remote := Pipe(d.Buffer)
	if accept != nil {
		if err := accept(remote); err != nil {
			local.Close()
			return nil, protoerr.Transport(err)
		}
	}
	d.mu.Lock()
	d.last = local
	d.dials++
	d.mu.Unlock()
	return local, nil
}

// SetAccept replaces the accept callback for subsequent dials.
func (d *PipeDialer) SetAccept(accept func(remote *PipeEnd) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Accept = accept
}

// Last returns the local end of the most recently dialled pipe, or nil.
// Tests use it to sever the live connection.
func (d *PipeDialer) Last() *PipeEnd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Dials returns the number of successful dials.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
