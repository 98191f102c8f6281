package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace("pool.register", model.Object{"pool_id": model.String("p")}, 1)
	r.AddCompletionTrace(CaseOK, nil, 2)
	r.AddInvocationTrace("pool.allocate", model.Object{"pool_id": model.String("p"), "requester_id": model.String("a")}, 3)
	r.AddCompletionTrace(CaseOK, nil, 4)
	r.AddInvocationTrace("pool.allocate", model.Object{"pool_id": model.String("p"), "requester_id": model.String("b")}, 5)
	r.AddCompletionTrace(CaseOK, nil, 6)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "pool.allocate"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "pool.allocate", Args: map[string]any{"requester_id": "b"}}))

	err := assertTraceContains(trace, Assertion{Action: "pool.allocate", Args: map[string]any{"requester_id": "c"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "not found in trace")
	assert.Contains(t, err.Error(), `[1] pool.register {"pool_id":"p"}`)
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"pool.register", "pool.allocate"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"pool.allocate", "pool.register"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.allocate (pos 3) should be before pool.register (pos 1)")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"pool.register", "pool.release"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: pool.release")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "pool.allocate", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "pool.release", Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: "pool.allocate", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func newAssertionStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "assert.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	ok, _, err := st.CompareAndSet(ctx, "r1", 0, []byte(`{"name":"Ana","tags":["a"]}`))
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, err = st.CompareAndSet(ctx, "r2", 0, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, ok)
	return st
}

func TestAssertFinalState(t *testing.T) {
	st := newAssertionStore(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{
			name: "matching row",
			assertion: Assertion{Table: "records", Where: map[string]any{"id": "r1"},
				Expect: map[string]any{"version": 1, "payload": map[string]any{"tags": []any{"a"}, "name": "Ana"}}},
		},
		{
			name: "value mismatch",
			assertion: Assertion{Table: "records", Where: map[string]any{"id": "r1"},
				Expect: map[string]any{"version": 2}},
			wantErr: `field "version" = 1`,
		},
		{
			name: "missing column",
			assertion: Assertion{Table: "records", Where: map[string]any{"id": "r1"},
				Expect: map[string]any{"colour": "red"}},
			wantErr: `field "colour" not present`,
		},
		{
			name: "no row",
			assertion: Assertion{Table: "records", Where: map[string]any{"id": "r9"},
				Expect: map[string]any{"version": 1}},
			wantErr: "row not found",
		},
		{
			name:      "ambiguous",
			assertion: Assertion{Table: "records", Expect: map[string]any{"version": 1}},
			wantErr:   "multiple rows matched",
		},
		{
			name:      "invalid table",
			assertion: Assertion{Table: "records; DROP TABLE records", Expect: map[string]any{"version": 1}},
			wantErr:   "invalid table name",
		},
		{
			name: "invalid column",
			assertion: Assertion{Table: "records", Where: map[string]any{"id = id OR 1": 1},
				Expect: map[string]any{"version": 1}},
			wantErr: "invalid column name",
		},
		{
			name:      "unknown table",
			assertion: Assertion{Table: "carts", Expect: map[string]any{"version": 1}},
			wantErr:   "query error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, st, tt.assertion)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual("a", []byte("a")))
	assert.True(t, stateValuesEqual(3, int64(3)))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.False(t, stateValuesEqual(false, int64(1)))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual(nil, "x"))
	assert.True(t, stateValuesEqual(map[string]any{"a": 1}, `{"a":1}`))
	assert.False(t, stateValuesEqual(map[string]any{"a": 1}, `{"a":2}`))
	assert.False(t, stateValuesEqual(map[string]any{"a": 1}, int64(1)))
}

func TestEvaluateAssertions(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Action: "pool.allocate", Count: 2},
		{Type: AssertTraceCount, Action: "pool.allocate", Count: 5},
		{Type: AssertFinalState, Table: "records", Expect: map[string]any{"version": 1}},
		{Type: AssertConsistent, Entity: "e"},
		{Type: "vibes"},
	}, nil)

	require.Len(t, errs, 4)
	assert.Contains(t, errs[0], "5 occurrences of pool.allocate")
	assert.Contains(t, errs[1], "final_state requires database context")
	assert.Contains(t, errs[2], "consistent requires an engine")
	assert.Contains(t, errs[3], `unknown assertion type "vibes"`)
}

func TestAssertRollbackClean_UnknownTransaction(t *testing.T) {
	scenario := &Scenario{
		Name:        "verify_missing",
		Description: "rollback_clean on a transaction that never ran",
		Flow:        []FlowStep{{Invoke: "record.read", Args: map[string]any{"id": "x"}, Expect: &ExpectClause{Case: "UNKNOWN_ENTITY"}}},
		Assertions:  []Assertion{{Type: AssertRollbackClean, Transaction: "never"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "verify transaction never")
}
