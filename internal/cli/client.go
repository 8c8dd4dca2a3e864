package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/tether/internal/apply"
	"github.com/roach88/tether/internal/channel"
	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/replica"
	"github.com/roach88/tether/internal/session"
)

// originName is the registry name of the CLI's own session.
const originName = "origin"

// client is a connected origin: a session over the configured transport
// with a local replica fed by the authority.
type client struct {
	session  *session.Session
	applier  *apply.Applier
	store    replica.Store
	registry *registry.Registry
	logger   *slog.Logger

	ready  chan struct{} // closed once the first snapshot commits
	cancel context.CancelFunc
	done   chan struct{}
}

// newDialer builds the channel dialer for the configured transport.
func newDialer(tc config.TransportConfig, codec string, logger *slog.Logger) (channel.Dialer, error) {
	switch tc.Kind {
	case "websocket":
		return &channel.WebSocketDialer{URL: tc.URL, Binary: codec == "msgpack", Logger: logger}, nil
	case "nats":
		return &channel.NATSDialer{
			URL:     tc.URL,
			Subject: tc.NATSSubject,
			Self:    tc.PeerID,
			Peer:    tc.RemoteID,
			Logger:  logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", tc.Kind)
	}
}

func newValidator(cfg *config.Config, logger *slog.Logger) (*envelope.Validator, error) {
	codec, err := envelope.CodecByName(cfg.Session.Codec)
	if err != nil {
		return nil, err
	}
	return envelope.NewValidator(codec, envelope.WithValidatorLogger(logger))
}

// openClient opens the replica, starts the session loop and connects.
func openClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*client, error) {
	validator, err := newValidator(cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build validator", err)
	}
	dialer, err := newDialer(cfg.Transport, cfg.Session.Codec, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build dialer", err)
	}
	store, err := replica.Open(cfg.Replica.Backend, cfg.Replica.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open replica", err)
	}

	c := &client{
		store:    store,
		registry: registry.New(logger),
		logger:   logger,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	var readyOnce sync.Once
	c.applier = apply.New(store,
		apply.WithLogger(logger),
		apply.WithOnReady(func() { readyOnce.Do(func() { close(c.ready) }) }),
	)

	c.session, err = c.registry.Init(originName, func() (*session.Session, error) {
		return session.New(dialer, validator,
			session.WithApplier(c.applier),
			session.WithLogger(logger),
			session.WithRequestTimeout(cfg.Session.RequestTimeout),
			session.WithReconnectDelay(cfg.Session.ReconnectDelay),
			session.OnStateChange(func(from, to session.State) {
				logger.Debug("connection state changed", "from", from, "to", to)
			}),
		), nil
	})
	if err != nil {
		store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create session", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		defer close(c.done)
		_ = c.session.Run(runCtx)
	}()

	logger.Debug("connecting", "transport", cfg.Transport.Kind, "url", cfg.Transport.URL)
	if err := c.session.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// awaitSnapshot blocks until the authority's first snapshot has been
// applied.
func (c *client) awaitSnapshot(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for snapshot: %w", ctx.Err())
	}
}

// Close closes the session and the replica.
func (c *client) Close() {
	if err := c.registry.Reset(); err != nil {
		c.logger.Warn("closing session", "error", err)
	}
	c.cancel()
	<-c.done
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing replica", "error", err)
	}
}
