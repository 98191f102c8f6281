package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

func TestRunWithGolden_SeatEnrollment(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/seat_enrollment.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/enrollment_rollback.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace}).MarshalCanonical()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace}).MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestTraceSnapshot_MarshalCanonical(t *testing.T) {
	snapshot := TraceSnapshot{
		ScenarioName: "tiny",
		Trace: []TraceEvent{
			{Type: "invocation", ActionURI: "record.read", Args: model.Object{"id": model.String("x")}, Seq: 1},
			{Type: "completion", OutputCase: "UNKNOWN_ENTITY", Seq: 2},
		},
	}

	data, err := snapshot.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"tiny","trace":[`+
			`{"action_uri":"record.read","args":{"id":"x"},"seq":1,"type":"invocation"},`+
			`{"output_case":"UNKNOWN_ENTITY","seq":2,"type":"completion"}]}`,
		string(data))
}
