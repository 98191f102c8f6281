package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const enrollPlan = `transaction_id: tx-enroll-001
operations:
  - id: create_student
    type: create_record
    target: student/new-1
    payload:
      name: Ana
  - id: enroll
    type: allocate
    depends_on: [create_student]
    pool: act-1
    requester: student/new-1
    quantity: 1
  - id: mark_enrolled
    type: update_record
    depends_on: [enroll]
    target: student/new-1
    patch:
      seat: ${enroll.seat_number}
`

const orderPlan = `transaction_id: order-1
operations:
  - id: order
    type: create_record
    target: order/1
    payload:
      qty: 2
  - id: stock
    type: allocate
    depends_on: [order]
    pool: sold-out
    requester: order/1
    quantity: 2
`

const cyclePlan = `operations:
  - id: a
    type: delete_record
    target: x
    depends_on: [b]
  - id: b
    type: delete_record
    target: y
    depends_on: [a]
`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTxRun_Completed(t *testing.T) {
	db := testDB(t)
	_, _, code := runCLI(t, db, "pool", "register", "act-1", "30", "--kind", "membership")
	require.Equal(t, ExitSuccess, code)
	path := writePlan(t, "enroll.yaml", enrollPlan)

	out, _, code := runCLI(t, db, "tx", "run", path)
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "transaction tx-enroll-001: completed")
	assert.Contains(t, out, "mark_enrolled")
	assert.NotContains(t, out, "rollback:")

	out, _, code = runCLI(t, db, "record", "get", "student/new-1")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, `student/new-1 v2 {"name":"Ana","seat":"1"}`+"\n", out)

	// The journal rejects a second run under the same id.
	resp, code := runJSON(t, db, "tx", "run", path)
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "INVALID_TRANSACTION", resp["error"].(map[string]any)["code"])
}

func TestTxRun_IDOverride(t *testing.T) {
	db := testDB(t)
	_, _, code := runCLI(t, db, "pool", "register", "act-1", "30", "--kind", "membership")
	require.Equal(t, ExitSuccess, code)
	path := writePlan(t, "enroll.yaml", enrollPlan)

	resp, code := runJSON(t, db, "tx", "run", path, "--id", "tx-enroll-002")
	require.Equal(t, ExitSuccess, code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "tx-enroll-002", data["transaction_id"])
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, []any{"create_student", "enroll", "mark_enrolled"}, data["completed_operations"])
}

func TestTxRun_RollsBackAndVerifies(t *testing.T) {
	db := testDB(t)
	_, _, code := runCLI(t, db, "pool", "register", "sold-out", "0")
	require.Equal(t, ExitSuccess, code)
	path := writePlan(t, "order.yaml", orderPlan)

	resp, code := runJSON(t, db, "tx", "run", path)
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "OPERATION_FAILED", resp["error"].(map[string]any)["code"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, "rolled_back", data["status"])
	assert.Equal(t, "stock", data["failed_operation"])
	rollbacks := data["rollback_log"].([]any)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "order", rollbacks[0].(map[string]any)["operation_id"])

	_, errOut, code := runCLI(t, db, "record", "get", "order/1")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, errOut, "UNKNOWN_ENTITY")

	out, _, code := runCLI(t, db, "tx", "verify", "order-1")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "✓ rollback log matches compensated operations")
	assert.Contains(t, out, "✓ no orphaned records")

	out, _, code = runCLI(t, db, "tx", "show", "order-1")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "transaction order-1: rolled_back")
	assert.Contains(t, out, "failed: stock:")
	assert.Contains(t, out, "rollback:\n  order")

	resp, code = runJSON(t, db, "tx", "show", "order-1")
	require.Equal(t, ExitSuccess, code)
	data = resp["data"].(map[string]any)
	assert.Len(t, data["operations"], 2)
	assert.Equal(t, "rolled_back", data["transaction"].(map[string]any)["status"])
}

func TestTxRun_TextRollback(t *testing.T) {
	db := testDB(t)
	_, _, code := runCLI(t, db, "pool", "register", "sold-out", "0")
	require.Equal(t, ExitSuccess, code)

	out, _, code := runCLI(t, db, "tx", "run", writePlan(t, "order.yaml", orderPlan))
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "transaction order-1: rolled_back")
	assert.Contains(t, out, "failed: stock:")
	assert.Contains(t, out, "rollback:")
}

func TestTxValidate(t *testing.T) {
	db := testDB(t)

	good := writePlan(t, "enroll.yaml", enrollPlan)
	out, _, code := runCLI(t, db, "tx", "validate", good)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "✓ "+good+": 3 operations\n", out)

	// Validation runs nothing.
	_, _, code = runCLI(t, db, "record", "get", "student/new-1")
	assert.Equal(t, ExitFailure, code)

	resp, code := runJSON(t, db, "tx", "validate", writePlan(t, "cycle.yaml", cyclePlan))
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "DEPENDENCY_CYCLE", resp["error"].(map[string]any)["code"])

	resp, code = runJSON(t, db, "tx", "validate", writePlan(t, "empty.yaml", "operations: []\n"))
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "INVALID_TRANSACTION", resp["error"].(map[string]any)["code"])

	_, errOut, code := runCLI(t, db, "tx", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "failed to load plan")
}

func TestTxLookupErrors(t *testing.T) {
	db := testDB(t)

	for _, sub := range []string{"verify", "show"} {
		t.Run(sub, func(t *testing.T) {
			resp, code := runJSON(t, db, "tx", sub, "tx-404")
			assert.Equal(t, ExitFailure, code)
			assert.Equal(t, "UNKNOWN_TRANSACTION", resp["error"].(map[string]any)["code"])
		})
	}
}
