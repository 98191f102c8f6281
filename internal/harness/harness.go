package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator"
	"github.com/yyupcompany/kyyupgame-sub087/internal/clock"
	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/reconcile"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
	"github.com/yyupcompany/kyyupgame-sub087/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios against a real engine with a deterministic clock and
// sequential ids, so traces are reproducible.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	seq    *clock.Logical
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and engine
// 2. Execute setup steps (must succeed)
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Store:  st,
		Engine: h.engine,
		Ctx:    ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	slog.Debug("scenario finished",
		"scenario", scenario.Name,
		"pass", result.Pass,
		"errors", len(result.Errors),
	)
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	pools := allocator.New(
		allocator.WithLedger(st),
		allocator.WithIDGenerator(idgen.NewSequenceGenerator("alloc")),
	)

	replicas := make([]reconcile.Replica, len(scenario.Subsystems))
	for i, name := range scenario.Subsystems {
		replicas[i] = st.Replica(name)
	}
	master := scenario.Master
	if master == "" && len(scenario.Subsystems) > 0 {
		master = scenario.Subsystems[0]
	}

	eng, err := engine.New(engine.Components{
		Records:   st,
		Pools:     engine.LocalPools(pools),
		Journal:   st,
		Conflicts: st,
		Replicas:  replicas,
		Master:    master,
	},
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithIDGenerator(idgen.NewSequenceGenerator("tx")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &Harness{
		store:  st,
		engine: eng,
		seq:    clock.NewLogical(),
	}, nil
}

// call runs one action and records it in the trace.
func (h *Harness) call(ctx context.Context, name string, args map[string]any, result *Result) (string, model.Value, error) {
	argsValue, err := model.ObjectFromGo(args)
	if err != nil {
		return "", nil, fmt.Errorf("failed to convert args: %w", err)
	}
	result.AddInvocationTrace(name, argsValue, h.seq.Next())

	resp, callErr := actions[name](ctx, h.engine, args)

	outputCase := CaseOK
	var value model.Value
	if callErr != nil {
		outputCase = string(engine.CodeOf(callErr))
	} else if value, err = toValue(resp); err != nil {
		return "", nil, fmt.Errorf("failed to convert response: %w", err)
	}
	result.AddCompletionTrace(outputCase, value, h.seq.Next())
	return outputCase, value, callErr
}

// executeSetup runs all setup steps. Any failure aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		_, _, err := h.call(ctx, step.Action, step.Args, result)
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		slog.Debug("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs all flow steps and validates their expect clauses.
// A failed call is an outcome to compare, not an error.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		outputCase, value, err := h.call(ctx, step.Invoke, step.Args, result)
		if outputCase == "" {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}

		expect := step.Expect
		if expect == nil {
			expect = &ExpectClause{Case: CaseOK}
		}
		if outputCase != expect.Case {
			msg := fmt.Sprintf("flow[%d] %s: expected case %s, got %s", i, step.Invoke, expect.Case, outputCase)
			if err != nil {
				msg += fmt.Sprintf(" (%v)", err)
			}
			result.AddError(msg)
			continue
		}
		if expect.Result != nil {
			if msg := matchResult(value, expect.Result); msg != "" {
				result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Invoke, msg))
			}
		}

		slog.Debug("flow step completed",
			"step", i,
			"action", step.Invoke,
			"output_case", outputCase,
		)
	}
	return nil
}

// matchResult checks that actual contains every expected field. It returns
// a description of the first mismatch, or "" if all fields match.
func matchResult(actual model.Value, expected map[string]any) string {
	want, err := model.ObjectFromGo(expected)
	if err != nil {
		return fmt.Sprintf("invalid expected result: %v", err)
	}
	got, ok := actual.(model.Object)
	if !ok {
		return fmt.Sprintf("expected an object result, got %T", actual)
	}
	for _, key := range want.SortedKeys() {
		gv, exists := got[key]
		if !exists {
			return fmt.Sprintf("result field %q missing", key)
		}
		if !model.Equal(gv, want[key]) {
			return fmt.Sprintf("result field %q = %s, expected %s", key, render(gv), render(want[key]))
		}
	}
	return ""
}

func render(v model.Value) string {
	data, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
