package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config and Logger are resolved once per invocation. Tests may set
	// Config directly to skip loading.
	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tether CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tether",
		Short: "tether - validated request/response and replication over unreliable channels",
		Long: `tether connects an origin to an authoritative peer over WebSocket or NATS.

Every frame is checked against a CUE contract in both directions. Requests
are correlated with their responses, transactions are acknowledged after
the peer commits them, and pushes and snapshots keep a local replica in step
with the authority.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			_, err := opts.resolve(cmd.ErrOrStderr())
			return err
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $"+config.PathEnvVar+")")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve loads the configuration and builds the logger on first use.
func (o *RootOptions) resolve(stderr io.Writer) (*config.Config, error) {
	if o.Config == nil {
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		o.Config = cfg
	}
	if o.Logger == nil {
		o.Logger = newLogger(stderr, o.Config.Log, o.Verbose)
	}
	return o.Config, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(w io.Writer, lc config.LogConfig, verbose bool) *slog.Logger {
	level := lc.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
