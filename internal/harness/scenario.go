package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines an allocation flow test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the golden
	// file name when the scenario runs under RunWithGolden.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is the directory holding the CUE reference catalog.
	// Relative paths resolve against the scenario file's directory.
	Catalog string `yaml:"catalog"`

	// Setup contains steps that establish initial state. Setup steps
	// must succeed; a failing setup step aborts the run.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the main steps, each optionally validated against
	// an expect clause.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and equipment state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step invokes one engine operation.
type Step struct {
	// Op is the operation name: provision, allocate, return,
	// return-all, set-status, rename, set-online, drain, resolve.
	Op string `yaml:"op"`

	// Args carries the operation arguments. Units are referenced by
	// equipment code.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect validates the step outcome. Nil means the step result is
	// not checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected step outcome.
type ExpectClause struct {
	// Outcome is "ok" or an error code such as ALREADY_ALLOCATED.
	Outcome string `yaml:"outcome"`

	// Result contains expected result fields. Subset match; only the
	// listed fields are compared.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final equipment state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// final_state.
	Type string `yaml:"type"`

	// Action names an op or a bus topic (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are expected trace fields, subset match (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Actions is the expected order of ops or topics (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the state table, currently only "equipment"
	// (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects the row; equipment rows are selected by code
	// (final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values, subset match
	// (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type names.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

var knownOps = map[string]bool{
	"provision":  true,
	"allocate":   true,
	"return":     true,
	"return-all": true,
	"set-status": true,
	"rename":     true,
	"set-online": true,
	"drain":      true,
	"resolve":    true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly. The catalog path is resolved
// relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) {
		scenario.Catalog = filepath.Join(filepath.Dir(path), scenario.Catalog)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if info, err := os.Stat(s.Catalog); err != nil || !info.IsDir() {
		return fmt.Errorf("catalog directory not found: %s", s.Catalog)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect clauses belong in flow steps", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("flow[%d].expect: outcome is required", i)
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(&assertion); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Step) error {
	if s.Op == "" {
		return fmt.Errorf("op is required")
	}
	if !knownOps[s.Op] {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("trace_order needs at least two actions")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertFinalState:
		if a.Table != "equipment" {
			return fmt.Errorf("final_state supports table \"equipment\", got %q", a.Table)
		}
		if _, ok := a.Where["code"]; !ok {
			return fmt.Errorf("final_state selects rows by code")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for final_state")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
