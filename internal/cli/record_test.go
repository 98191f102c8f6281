package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCommands_VersionedWrites(t *testing.T) {
	db := testDB(t)

	out, _, code := runCLI(t, db, "record", "write", "student/1", "0", `{"name":"Ana","class_id":"c-1"}`)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "committed student/1 at version 1\n", out)

	out, _, code = runCLI(t, db, "record", "write", "student/1", "1", `{"class_id":null,"grade":3}`)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "committed student/1 at version 2\n", out)

	out, _, code = runCLI(t, db, "record", "get", "student/1")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, `student/1 v2 {"grade":3,"name":"Ana"}`+"\n", out)

	// A stale writer gets the current state back.
	resp, code := runJSON(t, db, "record", "write", "student/1", "1", `{"name":"Bo"}`)
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "VERSION_CONFLICT", resp["error"].(map[string]any)["code"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["conflict"])
	assert.Equal(t, float64(2), data["current_version"])
	assert.Equal(t, "Ana", data["current_payload"].(map[string]any)["name"])

	out, _, code = runCLI(t, db, "record", "write", "student/1", "0", `{"name":"Bo"}`)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "conflict: student/1 is at version 2, not 0")
	assert.Contains(t, out, `current: {"grade":3,"name":"Ana"}`)

	resp, code = runJSON(t, db, "record", "patch", "student/1", `{"enrolled":true}`)
	require.Equal(t, ExitSuccess, code)
	data = resp["data"].(map[string]any)
	assert.Equal(t, float64(3), data["version"])
	assert.Equal(t, true, data["payload"].(map[string]any)["enrolled"])
}

func TestRecordCommands_Errors(t *testing.T) {
	db := testDB(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantKind string
	}{
		{"unknown record", []string{"record", "get", "student/404"}, ExitFailure, "UNKNOWN_ENTITY"},
		{"write to absent record", []string{"record", "write", "student/404", "3", `{"a":1}`}, ExitFailure, "UNKNOWN_ENTITY"},
		{"patch absent record", []string{"record", "patch", "student/404", `{"a":1}`}, ExitFailure, "UNKNOWN_ENTITY"},
		{"bad version", []string{"record", "write", "student/1", "v1", `{"a":1}`}, ExitCommandError, "INVALID_REQUEST"},
		{"not an object", []string{"record", "write", "student/1", "0", `[1,2]`}, ExitCommandError, "INVALID_REQUEST"},
		{"float rejected", []string{"record", "write", "student/1", "0", `{"gpa":3.5}`}, ExitCommandError, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, code := runJSON(t, db, tt.args...)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, "error", resp["status"])
			assert.Equal(t, tt.wantKind, resp["error"].(map[string]any)["code"])
		})
	}
}
