package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/correlate"
	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/txn"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	TransactionID string // overrides the file's transactionId
}

// batchFile is the on-disk form of a transaction.
type batchFile struct {
	TransactionID string         `json:"transactionId"`
	Mutations     []mutationFile `json:"mutations"`
}

type mutationFile struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// SubmitResult is the output of an acknowledged transaction.
type SubmitResult struct {
	TransactionID string `json:"transactionId"`
	Mutations     int    `json:"mutations"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <batch.json>",
		Short: "Submit a transaction and wait for its acknowledgment",
		Long: `Connect to the authority, send a transaction and wait until the authority
acknowledges it, rejects it, or the request timeout passes.

The batch file holds the transaction in wire form:

  {
    "transactionId": "t1",
    "mutations": [
      {"type": "insert", "data": {"id": "a", "n": 1}},
      {"type": "update", "data": {"id": "a", "n": 2}},
      {"type": "delete", "id": "b"}
    ]
  }

A missing transactionId is generated.

Exit codes:
  0 - Acknowledged
  1 - Rejected, timed out, or invalid
  2 - Command error (unreadable file, peer unreachable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TransactionID, "id", "", "transaction id (overrides the file)")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.resolve(cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	batch, err := loadBatch(path)
	if err != nil {
		if os.IsNotExist(err) {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "batch file not found", err)
		}
		return formatter.Fail(ExitCommandError, ErrCodeBadInput, "failed to read batch", err)
	}
	if opts.TransactionID != "" {
		batch.TransactionID = opts.TransactionID
	}
	if batch.TransactionID == "" {
		batch.TransactionID = correlate.UUIDv7Generator{}.Generate()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := openClient(ctx, cfg, opts.Logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConnect, "failed to connect", err)
	}
	defer c.Close()

	formatter.VerboseLog("submitting %s with %d mutation(s)", batch.TransactionID, len(batch.Mutations))
	tracker := txn.New(c.session, txn.WithLogger(opts.Logger))
	if err := tracker.Submit(ctx, batch); err != nil {
		return formatter.Fail(ExitFailure, errorCode(err), fmt.Sprintf("transaction %s failed", batch.TransactionID), err)
	}

	if opts.Format == "json" {
		return formatter.Success(SubmitResult{TransactionID: batch.TransactionID, Mutations: len(batch.Mutations)})
	}
	return formatter.Success(fmt.Sprintf("✓ transaction %s acknowledged (%d mutation(s))", batch.TransactionID, len(batch.Mutations)))
}

// loadBatch reads a batch file.
func loadBatch(path string) (txn.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return txn.Batch{}, err
	}
	var f batchFile
	if err := json.Unmarshal(data, &f); err != nil {
		return txn.Batch{}, fmt.Errorf("decode %s: %w", path, err)
	}

	muts := make([]envelope.Mutation, len(f.Mutations))
	for i, m := range f.Mutations {
		muts[i] = envelope.Mutation{Type: envelope.Op(m.Type), ID: m.ID, Data: m.Data}
	}
	return txn.NewBatch(f.TransactionID, muts...), nil
}
