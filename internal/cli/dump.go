package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/replica"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	Local bool          // read the configured replica without connecting
	Wait  time.Duration // how long to wait for the snapshot
}

// DumpRecord is one replica record in dump output.
type DumpRecord struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the replica contents",
		Long: `Connect to the authority, wait for its snapshot and print every record of
the local replica in id order.

With --local, the configured replica (sqlite or bolt) is read as it is on
disk, without connecting.

Examples:
  tether dump
  tether dump --format json
  tether dump --local --config ./tether.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Local, "local", false, "read the local replica without connecting")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "how long to wait for the snapshot (default: session.request_timeout)")

	return cmd
}

func runDump(opts *DumpOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.resolve(cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var store replica.Store
	if opts.Local {
		store, err = replica.Open(cfg.Replica.Backend, cfg.Replica.Path)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeReplica, "failed to open replica", err)
		}
		defer store.Close()
	} else {
		c, err := openClient(ctx, cfg, opts.Logger)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeConnect, "failed to connect", err)
		}
		defer c.Close()

		wait := opts.Wait
		if wait == 0 {
			wait = cfg.Session.RequestTimeout
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := c.awaitSnapshot(waitCtx); err != nil {
			return formatter.Fail(ExitFailure, ErrCodeGeneric, "no snapshot received", err)
		}
		store = c.store
	}

	recs, err := store.List(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeReplica, "failed to read replica", err)
	}

	out := make([]DumpRecord, len(recs))
	for i, r := range recs {
		out[i] = DumpRecord{ID: r.ID, Data: r.Data}
	}
	if opts.Format == "json" {
		return formatter.Success(out)
	}

	var b strings.Builder
	for _, r := range out {
		fmt.Fprintf(&b, "%s\t%s\n", r.ID, renderValue(r.Data))
	}
	fmt.Fprintf(&b, "%d record(s)", len(out))
	return formatter.Success(b.String())
}
