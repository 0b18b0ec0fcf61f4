package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError_Message(t *testing.T) {
	err := NewExitError(ExitCommandError, "bad input")
	assert.Equal(t, "bad input", err.Error())

	wrapped := WrapExitError(ExitFailure, "batch failed", errors.New("engine exited 255"))
	assert.Equal(t, "batch failed: engine exited 255", wrapped.Error())
	assert.Equal(t, "engine exited 255", wrapped.Unwrap().Error())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	// Wrapped ExitErrors are still found.
	inner := NewExitError(ExitCommandError, "inner")
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", inner)))
}

func TestOutputFormatter_SuccessJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Success(map[string]interface{}{"cracked": 3}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestOutputFormatter_ErrorJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Error("input_not_found", "no such path", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "input_not_found", resp.Error.Code)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errBuf, Verbose: true}

	f.VerboseLog("probing %s", "engine")
	assert.Empty(t, out.String(), "verbose output must not corrupt JSON stream")
	assert.Contains(t, errBuf.String(), "probing engine")

	f.Verbose = false
	errBuf.Reset()
	f.VerboseLog("hidden")
	assert.Empty(t, errBuf.String())
}
