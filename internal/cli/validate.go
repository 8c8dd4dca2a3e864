package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/envelope"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Codec    string // overrides session.codec
	Contract string // path to a replacement CUE contract
}

// FrameResult is the validation outcome of one frame file.
type FrameResult struct {
	File  string                    `json:"file"`
	Valid bool                      `json:"valid"`
	Kind  string                    `json:"kind,omitempty"`
	Error *envelope.ValidationError `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Frames []FrameResult `json:"frames"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <frame-file>...",
		Short: "Validate frames against the wire contract",
		Long: `Decode each file as one inbound frame and check it against the CUE
contract, reporting the frame kind or the E2xx code of the first violation.

Exit codes:
  0 - Every frame is valid
  1 - One or more frames are invalid
  2 - Command error (unreadable file, bad contract)

Examples:
  tether validate request.json
  tether validate --contract strict.cue frames/*.json
  tether validate --codec msgpack frame.bin`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Codec, "codec", "", "frame codec (json|msgpack; default: session.codec)")
	cmd.Flags().StringVar(&opts.Contract, "contract", "", "CUE contract replacing the built-in one")

	return cmd
}

func runValidate(opts *ValidateOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.resolve(cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	codecName := opts.Codec
	if codecName == "" {
		codecName = cfg.Session.Codec
	}
	codec, err := envelope.CodecByName(codecName)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid codec", err)
	}

	vopts := []envelope.ValidatorOption{envelope.WithValidatorLogger(opts.Logger)}
	if opts.Contract != "" {
		source, err := os.ReadFile(opts.Contract)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to read contract", err)
		}
		formatter.VerboseLog("Using contract %s", opts.Contract)
		vopts = append(vopts, envelope.WithContract(string(source)))
	}
	validator, err := envelope.NewValidator(codec, vopts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), "invalid contract", err)
	}

	result := ValidationResult{Valid: true, Frames: make([]FrameResult, 0, len(files))}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to read frame", err)
		}
		formatter.VerboseLog("Validating %s (%d bytes)", file, len(raw))

		fr := FrameResult{File: file}
		msg, err := validator.Inbound(raw)
		if err != nil {
			var verr *envelope.ValidationError
			if !errors.As(err, &verr) {
				verr = &envelope.ValidationError{Direction: envelope.Inbound, Code: ErrCodeGeneric, Message: err.Error()}
			}
			fr.Error = verr
			result.Valid = false
		} else {
			fr.Valid = true
			fr.Kind = string(msg.Kind())
		}
		result.Frames = append(result.Frames, fr)
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, fr := range result.Frames {
			if fr.Valid {
				fmt.Fprintf(w, "✓ %s: %s\n", filepath.Base(fr.File), fr.Kind)
			} else {
				fmt.Fprintf(w, "✗ %s: %v\n", filepath.Base(fr.File), fr.Error)
			}
		}
		if result.Valid {
			fmt.Fprintln(w, "✓ All frames valid")
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "invalid frames")
	}
	return nil
}
