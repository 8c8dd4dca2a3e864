package cli

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// CallResult is the output of a successful call.
type CallResult struct {
	Method string `json:"method"`
	Result any    `json:"result"`
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <method> [args...]",
		Short: "Send a request to the authority",
		Long: `Connect to the authority, send one request and print its result.

Each argument is decoded as JSON when it parses (numbers, booleans, objects,
quoted strings) and passed as a plain string otherwise.

Examples:
  tether call ping
  tether call get a
  tether call echo 1 '{"k":"v"}' word --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(rootOpts, args[0], args[1:], cmd)
		},
	}
	return cmd
}

func runCall(opts *RootOptions, method string, rawArgs []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.resolve(cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
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

	args := parseArgs(rawArgs)
	formatter.VerboseLog("calling %s with %d argument(s)", method, len(args))

	result, err := c.session.Request(ctx, method, args...)
	if err != nil {
		return formatter.Fail(ExitFailure, errorCode(err), "request failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(CallResult{Method: method, Result: result})
	}
	return formatter.Success(renderValue(result))
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

// renderValue prints strings bare and everything else as JSON.
func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	out, err := json.Marshal(v)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
