package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/tether/internal/protoerr"
)

// ErrNATSDisconnected is the fault reported when the NATS connection to the
// server drops.
var ErrNATSDisconnected = errors.New("nats connection lost")

// NATSDialer connects two peers through a pair of NATS subjects.
//
// A peer publishes to "<Subject>.<Peer>" and subscribes to
// "<Subject>.<Self>"; the remote peer dials with Self and Peer swapped.
// The NATS client's own reconnect logic is disabled so that a lost server
// connection surfaces as a transport fault and the session's reconnection
// scheduler decides when to retry.
type NATSDialer struct {
	URL     string
	Subject string
	Self    string
	Peer    string

	// Options are appended to the connection options.
	Options []nats.Option

	Logger *slog.Logger
}

// Dial implements Dialer.
func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Subject == "" || d.Self == "" || d.Peer == "" {
		return nil, protoerr.Transport(fmt.Errorf("nats dialer requires subject, self and peer"))
	}
	if err := ctx.Err(); err != nil {
		return nil, protoerr.Transport(err)
	}

	c := &natsConn{
		out:    d.Subject + "." + d.Peer,
		events: newStream(defaultEventBuffer),
		logger: logger(d.Logger),
	}

	opts := []nats.Option{
		nats.Name("tether-" + d.Self),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = ErrNATSDisconnected
			}
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(ErrNATSDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Warn("nats async error", "error", err)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, d.Options...)

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, protoerr.Transport(fmt.Errorf("connect to NATS: %w", err))
	}
	c.nc = nc

	sub, err := nc.Subscribe(d.Subject+"."+d.Self, func(m *nats.Msg) {
		c.events.emit(context.Background(), Event{Kind: EventMessage, Data: m.Data})
	})
	if err != nil {
		nc.Close()
		return nil, protoerr.Transport(fmt.Errorf("subscribe: %w", err))
	}
	// Make sure the subscription is registered before the first send.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, protoerr.Transport(fmt.Errorf("flush subscription: %w", err))
	}
	c.sub = sub
	return c, nil
}

type natsConn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	out    string
	events *stream
	logger *slog.Logger

	mu      sync.Mutex
	closing bool
}

func (c *natsConn) Send(ctx context.Context, data []byte) error {
	if c.events.ended() || c.nc.IsClosed() {
		return closedErr()
	}
	if err := ctx.Err(); err != nil {
		return protoerr.Transport(err)
	}
	if err := c.nc.Publish(c.out, data); err != nil {
		return protoerr.Transport(err)
	}
	return nil
}

func (c *natsConn) Events() <-chan Event {
	return c.events.ch
}

func (c *natsConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	c.events.finish(nil)
	return nil
}

// fail ends the stream with err unless the close was local.
func (c *natsConn) fail(err error) {
	c.mu.Lock()
	local := c.closing
	c.mu.Unlock()
	if local {
		return
	}
	if c.events.finish(err) {
		c.logger.Warn("nats connection ended", "error", err)
	}
}
