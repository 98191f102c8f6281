package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(view{data: map[string]string{"result": "success"}, text: "success"})
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "success", resp.Data["result"])
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("UNKNOWN_POOL", "pool not found", nil)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNKNOWN_POOL", resp.Error.Code)
	assert.Equal(t, "pool not found", resp.Error.Message)
}

func TestOutputFormatter_JSONFailureCarriesData(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Failure("CAPACITY_EXCEEDED", "allocation denied", view{data: map[string]int{"remaining": 0}})
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 0, resp.Data["remaining"])
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CAPACITY_EXCEEDED", resp.Error.Code)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success(view{data: 1, text: "pool act-1 (membership): 1/30 allocated"})
	require.NoError(t, err)
	assert.Equal(t, "pool act-1 (membership): 1/30 allocated\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "text",
		Writer:    out,
		ErrWriter: errOut,
	}

	err := formatter.Error("VERSION_CONFLICT", "student/1 is at version 3", nil)
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [VERSION_CONFLICT]")
	assert.Contains(t, errOut.String(), "student/1 is at version 3")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error("INVALID_TRANSACTION", "bad plan", map[string]string{"field": "operations[0].id"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [INVALID_TRANSACTION]")
	assert.Contains(t, buf.String(), "Details:")
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
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Opening %s", "consistd.db")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Opening consistd.db")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")

	tests := []struct {
		name     string
		err      error
		wantMsg  string
		wantCode int
		wantKind string
	}{
		{
			name:     "message only",
			err:      NewExitError(ExitCommandError, "bad path"),
			wantMsg:  "bad path",
			wantCode: ExitCommandError,
			wantKind: "COMMAND_ERROR",
		},
		{
			name:     "wrapped",
			err:      WrapExitError(ExitCommandError, "failed to open engine", cause),
			wantMsg:  "failed to open engine: disk full",
			wantCode: ExitCommandError,
			wantKind: "COMMAND_ERROR",
		},
		{
			name:     "engine error",
			err:      engineError(fmt.Errorf("allocate: %w", allocator.ErrUnknownPool)),
			wantMsg:  "allocate: " + allocator.ErrUnknownPool.Error(),
			wantCode: ExitFailure,
			wantKind: "UNKNOWN_POOL",
		},
		{
			name:     "internal engine error",
			err:      engineError(cause),
			wantMsg:  "disk full",
			wantCode: ExitCommandError,
			wantKind: "INTERNAL",
		},
		{
			name:     "plain error",
			err:      cause,
			wantMsg:  "disk full",
			wantCode: ExitFailure,
			wantKind: "INTERNAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
			assert.Equal(t, tt.wantCode, GetExitCode(tt.err))
			assert.Equal(t, tt.wantKind, errorKind(tt.err))
		})
	}
}
