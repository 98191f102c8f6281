package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// TraceSnapshot captures the complete trace of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonical converts a TraceSnapshot to an Object for canonical JSON
// serialization. Empty fields are omitted.
func (s *TraceSnapshot) toCanonical() model.Object {
	trace := make(model.Array, len(s.Trace))
	for i, event := range s.Trace {
		obj := model.Object{
			"type": model.String(event.Type),
			"seq":  model.Int(event.Seq),
		}
		if event.ActionURI != "" {
			obj["action_uri"] = model.String(event.ActionURI)
		}
		if event.Args != nil {
			obj["args"] = event.Args
		}
		if event.OutputCase != "" {
			obj["output_case"] = model.String(event.OutputCase)
		}
		if event.Result != nil {
			obj["result"] = event.Result
		}
		trace[i] = obj
	}

	return model.Object{
		"scenario_name": model.String(s.ScenarioName),
		"trace":         trace,
	}
}

// MarshalCanonical returns the canonical JSON of the snapshot.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return model.MarshalCanonical(s.toCanonical())
}

// RunWithGolden executes a scenario and compares the trace against a
// golden file in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	traceJSON, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
