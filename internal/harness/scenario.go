package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a rule engine test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules is the CUE definition directory. LoadScenario resolves it
	// relative to the scenario file.
	Rules string `yaml:"rules"`

	// StartResumed starts the host so scheduled passes run. When false the
	// scenario must resume explicitly.
	StartResumed bool `yaml:"start_resumed"`

	// MaxSteps overrides the engine's per-pass firing ceiling. Zero keeps
	// the default.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// Persisted seeds the durable store by fact name before creation.
	Persisted map[string]bool `yaml:"persisted,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the complete run.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step performs exactly one action.
type Step struct {
	// Set makes the named facts true.
	Set []string `yaml:"set,omitempty"`

	// Clear makes the named facts false.
	Clear []string `yaml:"clear,omitempty"`

	// Pause stops the host; scheduled passes wait.
	Pause bool `yaml:"pause,omitempty"`

	// Resume starts the host again.
	Resume bool `yaml:"resume,omitempty"`

	// Run only drains pending tasks.
	Run bool `yaml:"run,omitempty"`

	// Evaluate runs a synchronous pass.
	Evaluate bool `yaml:"evaluate,omitempty"`

	// Restart saves instance state, destroys the engine and creates a new
	// one from the saved state and the store.
	Restart bool `yaml:"restart,omitempty"`

	// Hold leaves posted tasks pending instead of draining them after the
	// action.
	Hold bool `yaml:"hold,omitempty"`

	// Expect checks the effects of this step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Action names the step's action.
func (s Step) Action() string {
	switch {
	case len(s.Set) > 0:
		return ActionSet
	case len(s.Clear) > 0:
		return ActionClear
	case s.Pause:
		return ActionPause
	case s.Resume:
		return ActionResume
	case s.Run:
		return ActionRun
	case s.Evaluate:
		return ActionEvaluate
	case s.Restart:
		return ActionRestart
	default:
		return ""
	}
}

func (s Step) actionCount() int {
	n := 0
	for _, on := range []bool{len(s.Set) > 0, len(s.Clear) > 0, s.Pause, s.Resume, s.Run, s.Evaluate, s.Restart} {
		if on {
			n++
		}
	}
	return n
}

// Step actions.
const (
	ActionSet      = "set"
	ActionClear    = "clear"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionRun      = "run"
	ActionEvaluate = "evaluate"
	ActionRestart  = "restart"
)

// Expect checks one step.
type Expect struct {
	// Fired is the exact sequence of rules fired during the step. An empty
	// list asserts nothing fired; omit the field to skip the check.
	Fired *[]string `yaml:"fired,omitempty"`

	// Facts are expected values after the step (subset match).
	Facts map[string]bool `yaml:"facts,omitempty"`

	// Posts is the number of tasks left pending after the step.
	Posts *int `yaml:"posts,omitempty"`

	// Error is the RuntimeError code the step's last pass ended with, or
	// "none".
	Error string `yaml:"error,omitempty"`
}

// Assertion validates a complete run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Rule is used by fired_count.
	Rule string `yaml:"rule,omitempty"`

	// Count is used by fired_count.
	Count int `yaml:"count,omitempty"`

	// Rules is used by fired_order.
	Rules []string `yaml:"rules,omitempty"`

	// Facts is used by final_facts and stored_facts.
	Facts map[string]bool `yaml:"facts,omitempty"`
}

// Assertion type constants.
const (
	AssertFiredOrder  = "fired_order"
	AssertFiredCount  = "fired_count"
	AssertFinalFacts  = "final_facts"
	AssertStoredFacts = "stored_facts"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Rules != "" && !filepath.IsAbs(scenario.Rules) {
		scenario.Rules = filepath.Join(filepath.Dir(path), scenario.Rules)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
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
	if s.Rules == "" {
		return fmt.Errorf("rules directory is required")
	}
	if _, err := os.Stat(s.Rules); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rules directory not found: %s", s.Rules)
	}
	if s.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		switch step.actionCount() {
		case 0:
			return fmt.Errorf("steps[%d]: one action is required", i)
		case 1:
		default:
			return fmt.Errorf("steps[%d]: only one action per step", i)
		}
		if step.Hold && step.Run {
			return fmt.Errorf("steps[%d]: hold cannot be combined with run", i)
		}
		if step.Expect != nil && step.Expect.Posts != nil && *step.Expect.Posts < 0 {
			return fmt.Errorf("steps[%d].expect: posts must be non-negative", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFiredOrder:
		if len(a.Rules) == 0 {
			return fmt.Errorf("assertions[%d]: rules list is required for fired_order", index)
		}
	case AssertFiredCount:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for fired_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for fired_count", index)
		}
	case AssertFinalFacts, AssertStoredFacts:
		if len(a.Facts) == 0 {
			return fmt.Errorf("assertions[%d]: facts is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// FindScenarios expands paths into scenario files. Files are kept as given;
// directories contribute their *.yaml and *.yml files, sorted.
func FindScenarios(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ScenarioNotFoundError{Path: p}
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		slices.Sort(found)
		out = append(out, found...)
	}
	return out, nil
}
