package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/envelope"
	"github.com/roach88/tether/internal/protoerr"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "pong"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("TIMEOUT", "request timed out", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TIMEOUT", resp.Error.Code)
	assert.Equal(t, "request timed out", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"file": "frame.json", "field": "type"}
	err := formatter.Error("E202", "unknown kind", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("pong")
	require.NoError(t, err)
	assert.Equal(t, "pong\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error("E001", "request failed", map[string]string{"hidden": "yes"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "request failed")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"file": "batch.json"}
	err := formatter.Error("E001", "request failed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	cause := protoerr.Timeout("req-1")
	err := formatter.Fail(ExitFailure, errorCode(cause), "request failed", cause)

	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, protoerr.ErrTimeout)
	assert.Contains(t, buf.String(), "Error [TIMEOUT]: request failed: ")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			errBuf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    buf,
				ErrWriter: errBuf,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Validating %s", "frame.json")

			assert.Empty(t, buf.String(), "diagnostics never corrupt stdout")
			if tt.wantLog {
				assert.Contains(t, errBuf.String(), "Validating frame.json")
			} else {
				assert.Empty(t, errBuf.String())
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	verr := &envelope.ValidationError{Direction: envelope.Outbound, Code: envelope.ErrUnknownKind, Message: "unknown kind"}

	assert.Equal(t, "E202", errorCode(verr))
	assert.Equal(t, "E202", errorCode(protoerr.Validation(verr)))
	assert.Equal(t, "REMOTE", errorCode(fmt.Errorf("call: %w", protoerr.Remote("req-1", "boom"))))
	assert.Equal(t, "NOT_CONNECTED", errorCode(protoerr.NotConnected("request")))
	assert.Equal(t, ErrCodeGeneric, errorCode(errors.New("plain")))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "missing")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitFailure, "failed", errors.New("x")))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "missing", NewExitError(ExitCommandError, "missing").Error())
	assert.Equal(t, "failed: x", WrapExitError(ExitFailure, "failed", errors.New("x")).Error())
}
