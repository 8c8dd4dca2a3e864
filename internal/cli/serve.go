package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tether/internal/apply"
	"github.com/roach88/tether/internal/channel"
	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/metrics"
	"github.com/roach88/tether/internal/peer"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/replica"
	"github.com/roach88/tether/internal/session"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen        string // overrides server.listen
	MetricsListen string // overrides server.metrics_listen
	Seed          string // JSON file with an array of records
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative peer",
		Long: `Run the authoritative peer that origins connect to.

With transport.kind=websocket the authority listens on server.listen and
upgrades requests to server.path. Every connection gets its own session: it
receives a snapshot of the replica, may send requests (ping, echo, count,
get) and transactions, and is pushed every change committed by any origin.

With transport.kind=nats the authority joins the subject pair for
transport.peer_id and transport.remote_id and serves that one origin.

Prometheus metrics are served at /metrics, on server.metrics_listen when
set and on the main listener otherwise.

Examples:
  tether serve
  tether serve --listen :7420 --seed ./records.json
  TETHER_REPLICA__BACKEND=sqlite TETHER_REPLICA__PATH=./authority.db tether serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default: server.listen)")
	cmd.Flags().StringVar(&opts.MetricsListen, "metrics-listen", "", "separate metrics listen address (default: server.metrics_listen)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "JSON file with records to load into the replica")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.resolve(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger := opts.Logger
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.MetricsListen != "" {
		cfg.Server.MetricsListen = opts.MetricsListen
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := replica.Open(cfg.Replica.Backend, cfg.Replica.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open replica", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("error closing replica", "error", closeErr)
		}
	}()
	if opts.Seed != "" {
		if err := seedFromFile(ctx, store, opts.Seed); err != nil {
			return WrapExitError(ExitCommandError, "failed to seed replica", err)
		}
	}

	validator, err := newValidator(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build validator", err)
	}

	srv := newServer(ctx, cfg, store, validator, logger)
	defer srv.Close()

	if cfg.Transport.Kind == "nats" {
		logger.Info("authority joining nats", "url", cfg.Transport.URL, "subject", cfg.Transport.NATSSubject)
		fmt.Fprintln(cmd.OutOrStdout(), "Authority started on NATS. Press Ctrl-C to stop.")
		if err := srv.serveNATS(ctx); err != nil {
			return WrapExitError(ExitFailure, "nats authority failed", err)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{{Addr: cfg.Server.Listen, Handler: srv.Handler(cfg.Server.MetricsListen == "")}}
	if cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Server.MetricsListen, Handler: mux})
	}
	for _, hs := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, hs := range servers {
			errs = append(errs, hs.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Authority listening on %s%s. Press Ctrl-C to stop.\n", cfg.Server.Listen, cfg.Server.Path)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("authority stopped gracefully")
	return nil
}

// seedFromFile loads a JSON array of records into store.
func seedFromFile(ctx context.Context, store replica.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rows []any
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return peer.Seed(ctx, store, rows)
}

// server is the authoritative peer: one session per connected origin over
// a shared replica.
type server struct {
	ctx       context.Context
	cfg       *config.Config
	hub       *peer.Hub
	validator *envelope.Validator
	registry  *registry.Registry
	logger    *slog.Logger
	conns     atomic.Uint64
}

func newServer(ctx context.Context, cfg *config.Config, store replica.Store, validator *envelope.Validator, logger *slog.Logger) *server {
	return &server{
		ctx:       ctx,
		cfg:       cfg,
		hub:       peer.NewHub(store, logger),
		validator: validator,
		registry:  registry.New(logger),
		logger:    logger,
	}
}

// Handler serves the WebSocket endpoint at server.path and, when
// withMetrics is set, /metrics.
func (s *server) Handler(withMetrics bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Server.Path, &channel.WebSocketHandler{
		Accept: s.accept,
		Binary: s.cfg.Session.Codec == "msgpack",
		Logger: s.logger,
	})
	if withMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// newSession builds an authority session over the shared replica.
func (s *server) newSession(dialer channel.Dialer, logger *slog.Logger, onState func(from, to session.State)) *session.Session {
	return session.New(dialer, s.validator,
		session.WithApplier(apply.New(s.hub, apply.WithLogger(logger))),
		session.WithHandler(peer.ReplicaMethods(s.hub)),
		session.WithLogger(logger),
		session.WithRequestTimeout(s.cfg.Session.RequestTimeout),
		session.WithReconnectDelay(s.cfg.Session.ReconnectDelay),
		session.OnStateChange(onState),
	)
}

// accept attaches a new authority session to conn.
func (s *server) accept(conn channel.Conn) {
	name := fmt.Sprintf("conn-%d", s.conns.Add(1))
	logger := s.logger.With("conn", name)

	sess, err := s.registry.Init(name, func() (*session.Session, error) {
		return s.newSession(nil, logger, func(from, to session.State) {
			if from == session.Connected && to == session.Disconnected {
				go s.drop(name)
			}
		}), nil
	})
	if err != nil {
		logger.Error("rejecting connection", "error", err)
		conn.Close()
		return
	}

	go sess.Run(s.ctx)
	if err := sess.Attach(conn); err != nil {
		logger.Warn("attach failed", "error", err)
		s.drop(name)
		return
	}
	logger.Info("origin connected")
	s.welcome(name, sess, logger)
}

// welcome sends sess the current snapshot and subscribes it to changes.
// The hub holds commits back until both are done.
func (s *server) welcome(name string, sess *session.Session, logger *slog.Logger) {
	rows, err := s.hub.Welcome(s.ctx, name, sess)
	if err != nil {
		logger.Warn("welcome failed", "error", err)
		return
	}
	logger.Debug("snapshot sent", "rows", rows)
}

// drop forgets a disconnected origin.
func (s *server) drop(name string) {
	s.hub.Leave(name)
	err := s.registry.Remove(name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		// closed by Close
	case err != nil:
		s.logger.Warn("closing session", "conn", name, "error", err)
	default:
		s.logger.Info("origin disconnected", "conn", name)
	}
}

// serveNATS runs one authority session over the configured subject pair
// until ctx ends. The session reconnects on its own and every new
// connection is welcomed with a snapshot.
func (s *server) serveNATS(ctx context.Context) error {
	dialer, err := newDialer(s.cfg.Transport, s.cfg.Session.Codec, s.logger)
	if err != nil {
		return err
	}
	const name = "nats"
	logger := s.logger.With("conn", name)

	var sess *session.Session
	sess, err = s.registry.Init(name, func() (*session.Session, error) {
		return s.newSession(dialer, logger, func(from, to session.State) {
			if to == session.Connected {
				go s.welcome(name, sess, logger)
			}
		}), nil
	})
	if err != nil {
		return err
	}

	go sess.Run(ctx)
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Close closes every session.
func (s *server) Close() {
	for _, name := range s.hub.Members() {
		s.hub.Leave(name)
	}
	if err := s.registry.Reset(); err != nil {
		s.logger.Warn("closing sessions", "error", err)
	}
}
