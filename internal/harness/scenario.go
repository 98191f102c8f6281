package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario.
// Scenarios drive the engine through a flow of calls and assert on the
// resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Subsystems are the replicas kept consistent by conflict resolution,
	// in priority order. Without subsystems conflict calls fail with
	// UNKNOWN_SYSTEM.
	Subsystems []string `yaml:"subsystems,omitempty"`

	// Master names the authoritative subsystem. Defaults to the first one.
	Master string `yaml:"master,omitempty"`

	// Setup contains calls that establish initial state (pools, records).
	// Setup calls must succeed.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow contains the calls under test with their expected outcomes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ActionStep is a single engine call, e.g. pool.register.
type ActionStep struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

// FlowStep is a call in the main flow.
type FlowStep struct {
	// Invoke is the action name.
	Invoke string `yaml:"invoke"`

	// Args are decoded into the action's request.
	Args map[string]any `yaml:"args"`

	// Expect specifies the expected outcome. If nil, the call must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies an expected outcome.
type ExpectClause struct {
	// Case is "ok" or the error code of a failed call, e.g. UNKNOWN_POOL.
	Case string `yaml:"case"`

	// Result is a subset match against the call's response. If nil, only
	// the case is validated.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	//   - "trace_contains": an action appears in the trace with args
	//   - "trace_order": actions appear in order
	//   - "trace_count": an action appears exactly Count times
	//   - "final_state": one row of a store table matches Expect
	//   - "consistent": all subsystems agree on Entity
	//   - "rollback_clean": Transaction left nothing behind
	Type string `yaml:"type"`

	Action  string         `yaml:"action,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
	Count   int            `yaml:"count,omitempty"`
	Actions []string       `yaml:"actions,omitempty"`

	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	Entity      string `yaml:"entity,omitempty"`
	Transaction string `yaml:"transaction,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertConsistent    = "consistent"
	AssertRollbackClean = "rollback_clean"
)

// CaseOK is the outcome case of a successful call.
const CaseOK = "ok"

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so that
// typos like "assertion:" fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Master == "" && len(scenario.Subsystems) > 0 {
		scenario.Master = scenario.Subsystems[0]
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Master != "" && !slices.Contains(s.Subsystems, s.Master) {
		return fmt.Errorf("master %q is not a listed subsystem", s.Master)
	}

	for i, step := range s.Setup {
		if _, ok := actions[step.Action]; !ok {
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, step := range s.Flow {
		if _, ok := actions[step.Invoke]; !ok {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: trace_contains requires action", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order requires at least 2 actions", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: trace_count requires action", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: trace_count count must be >= 0", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: final_state requires table", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: final_state requires expect", index)
		}
	case AssertConsistent:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: consistent requires entity", index)
		}
	case AssertRollbackClean:
		if a.Transaction == "" {
			return fmt.Errorf("assertions[%d]: rollback_clean requires transaction", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
