package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convo/internal/ir"
)

// Scenario is a scripted sequence of session operations with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Project is the project directory sessions are created under.
	// Defaults to "/scenario".
	Project string `yaml:"project,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after every step has run.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one session operation.
type Step struct {
	Op      string `yaml:"op"`
	Session string `yaml:"session,omitempty"`
	Source  string `yaml:"source,omitempty"`
	As      string `yaml:"as,omitempty"`
	Name    string `yaml:"name,omitempty"`
	Role    string `yaml:"role,omitempty"`
	Content string `yaml:"content,omitempty"`
	// Count repeats an append; contents are suffixed " #i" when Count > 1.
	Count   int    `yaml:"count,omitempty"`
	At      int    `yaml:"at,omitempty"`
	Index   int    `yaml:"index,omitempty"`
	Context int    `yaml:"context,omitempty"`
	Indices []int  `yaml:"indices,omitempty"`
	Summary string `yaml:"summary,omitempty"`
	Before  int    `yaml:"before,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect lists the values a step must produce. Nil fields are not checked.
type Expect struct {
	Len        *int   `yaml:"len,omitempty"`
	ContextLen *int   `yaml:"context_len,omitempty"`
	Error      string `yaml:"error,omitempty"`
	Removed    *int   `yaml:"removed,omitempty"`
	Messages   *int   `yaml:"messages,omitempty"`
}

// Assertion validates the trace or final database state.
type Assertion struct {
	// Type is one of op_count, op_order or final_state.
	Type string `yaml:"type"`

	// Op and Count are used by op_count.
	Op    string `yaml:"op,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Ops is the expected order for op_order.
	Ops []string `yaml:"ops,omitempty"`

	// Table, Session, Where and Expect are used by final_state. Session
	// adds an id (or session_id for session_messages and merges) condition
	// for the aliased session.
	Table   string         `yaml:"table,omitempty"`
	Session string         `yaml:"session,omitempty"`
	Where   map[string]any `yaml:"where,omitempty"`
	Expect  map[string]any `yaml:"expect,omitempty"`
}

// Step ops.
const (
	OpCreate          = "create"
	OpAppend          = "append"
	OpFork            = "fork"
	OpMerge           = "merge"
	OpCherryPick      = "cherry_pick"
	OpCompact         = "compact"
	OpClearCompaction = "clear_compaction"
	OpRename          = "rename"
	OpDelete          = "delete"
	OpCleanup         = "cleanup"
	OpLoad            = "load"
)

// Assertion types.
const (
	AssertOpCount    = "op_count"
	AssertOpOrder    = "op_order"
	AssertFinalState = "final_state"
)

// DefaultProject is used when a scenario names no project.
const DefaultProject = "/scenario"

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Project == "" {
		scenario.Project = DefaultProject
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
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st Step) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", i, field, st.Op)
		}
		return nil
	}

	var err error
	switch st.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	case OpCreate, OpDelete, OpLoad, OpClearCompaction, OpFork:
		err = need("session", st.Session)
	case OpAppend:
		if err = need("session", st.Session); err == nil {
			err = need("content", st.Content)
		}
		if st.Role != "" && !ir.Role(st.Role).Valid() {
			return fmt.Errorf("steps[%d]: invalid role %q", i, st.Role)
		}
		if st.Count < 0 {
			return fmt.Errorf("steps[%d]: count must be non-negative", i)
		}
	case OpMerge, OpCherryPick:
		if err = need("session", st.Session); err == nil {
			err = need("source", st.Source)
		}
	case OpCompact:
		err = need("session", st.Session)
	case OpRename:
		if err = need("session", st.Session); err == nil {
			err = need("name", st.Name)
		}
	case OpCleanup:
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
	}
	if err != nil {
		return err
	}

	if st.Expect != nil && st.Expect.Error != "" {
		switch ir.ErrorCode(st.Expect.Error) {
		case ir.ErrCodeNotFound, ir.ErrCodeInvalidRange, ir.ErrCodeConflict,
			ir.ErrCodeEmptyMessage, ir.ErrCodeParentGone:
		default:
			return fmt.Errorf("steps[%d].expect: unknown error code %q", i, st.Expect.Error)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertOpCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for op_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for op_count", index)
		}
	case AssertOpOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for op_order", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
