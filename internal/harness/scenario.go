package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one multi-client conformance scenario: a set of clients
// sharing a note over the in-memory hub, a step sequence driven by a
// manual clock, and assertions on the converged result.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Clients lists the participating user ids. Each gets its own session
	// and in-memory store; all share one transport hub and one clock.
	Clients []string `yaml:"clients"`

	// Steps is the ordered action sequence.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state after the settle advance.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one action field may be set, plus
// Client for the ones that target a session.
type Step struct {
	// Client names the acting session. Required for element, tool, and
	// connection actions; ignored for clock and hub actions.
	Client string `yaml:"client,omitempty"`

	// Add creates a new element from the spec.
	Add *ElementSpec `yaml:"add,omitempty"`

	// Update mutates an existing element. Only the fields present in the
	// spec change; the version bumps automatically unless given.
	Update *ElementSpec `yaml:"update,omitempty"`

	// Delete removes the element with this id.
	Delete string `yaml:"delete,omitempty"`

	// Tool switches the client's local tool selection.
	Tool string `yaml:"tool,omitempty"`

	// ForceSync flushes the client's tracker and queue immediately.
	ForceSync bool `yaml:"force_sync,omitempty"`

	// Disconnect and Connect drive the client's channel explicitly.
	Disconnect bool `yaml:"disconnect,omitempty"`
	Connect    bool `yaml:"connect,omitempty"`

	// AdvanceMS moves the shared clock forward, firing due debounce,
	// heartbeat, and retry timers in deadline order.
	AdvanceMS int64 `yaml:"advance_ms,omitempty"`

	// FailPublishes makes the next N hub publishes fail, exercising the
	// queue's retry backoff.
	FailPublishes int `yaml:"fail_publishes,omitempty"`

	// BreakConnection pushes a transport error to every subscriber of the
	// note topic, the way a dropped socket would.
	BreakConnection bool `yaml:"break_connection,omitempty"`
}

// ElementSpec describes an element mutation. Pointer fields distinguish
// "not specified" from zero values so updates touch only what they name.
type ElementSpec struct {
	ID              string   `yaml:"id"`
	Type            string   `yaml:"type,omitempty"`
	X               *float64 `yaml:"x,omitempty"`
	Y               *float64 `yaml:"y,omitempty"`
	Width           *float64 `yaml:"width,omitempty"`
	Height          *float64 `yaml:"height,omitempty"`
	StrokeColor     string   `yaml:"stroke_color,omitempty"`
	BackgroundColor string   `yaml:"background_color,omitempty"`
	ZIndex          *int     `yaml:"z_index,omitempty"`
	Version         int64    `yaml:"version,omitempty"`
}

// Assertion validates one property of the final state.
type Assertion struct {
	// Type selects the assertion:
	//   - "convergence": every client holds the same visible element set
	//   - "element_state": a client's element matches the expected fields
	//   - "deleted": the element is not visible on the client
	//   - "conflict_count": the client recorded exactly Count conflicts
	//   - "visible_count": the client shows exactly Count elements
	//   - "presence": the client sees exactly Peers
	//   - "connection": the client's channel is in State
	//   - "sync_failed": the client's queue gave up on its last batch
	//   - "tool": the client's selected tool matches Expect["selectedTool"]
	Type string `yaml:"type"`

	// Client scopes the assertion; every type except convergence needs it.
	Client string `yaml:"client,omitempty"`

	// Element is the target element id (element_state, deleted).
	Element string `yaml:"element,omitempty"`

	// Expect holds expected field values, subset-matched (element_state,
	// tool).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected cardinality (conflict_count, visible_count).
	Count int `yaml:"count,omitempty"`

	// Peers is the expected peer user-id set, order-insensitive (presence).
	Peers []string `yaml:"peers,omitempty"`

	// State is the expected connection state name (connection).
	State string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertConvergence   = "convergence"
	AssertElementState  = "element_state"
	AssertDeleted       = "deleted"
	AssertConflictCount = "conflict_count"
	AssertVisibleCount  = "visible_count"
	AssertPresence      = "presence"
	AssertConnection    = "connection"
	AssertSyncFailed    = "sync_failed"
	AssertTool          = "tool"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo fails loudly instead of silently skipping a step.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

func validateScenario(sc *Scenario) error {
	if sc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if sc.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(sc.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	known := make(map[string]bool, len(sc.Clients))
	for _, c := range sc.Clients {
		if c == "" {
			return fmt.Errorf("client names must be non-empty")
		}
		if known[c] {
			return fmt.Errorf("duplicate client %q", c)
		}
		known[c] = true
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(sc.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range sc.Steps {
		if err := validateStep(i, &step, known); err != nil {
			return err
		}
	}
	for i, a := range sc.Assertions {
		if err := validateAssertion(i, &a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s *Step, clients map[string]bool) error {
	actions := 0
	needsClient := false
	if s.Add != nil {
		actions++
		needsClient = true
		if s.Add.ID == "" {
			return fmt.Errorf("steps[%d].add: id is required", i)
		}
	}
	if s.Update != nil {
		actions++
		needsClient = true
		if s.Update.ID == "" {
			return fmt.Errorf("steps[%d].update: id is required", i)
		}
	}
	if s.Delete != "" {
		actions++
		needsClient = true
	}
	if s.Tool != "" {
		actions++
		needsClient = true
	}
	if s.ForceSync {
		actions++
		needsClient = true
	}
	if s.Disconnect {
		actions++
		needsClient = true
	}
	if s.Connect {
		actions++
		needsClient = true
	}
	if s.AdvanceMS != 0 {
		actions++
		if s.AdvanceMS < 0 {
			return fmt.Errorf("steps[%d]: advance_ms must be positive", i)
		}
	}
	if s.FailPublishes != 0 {
		actions++
		if s.FailPublishes < 0 {
			return fmt.Errorf("steps[%d]: fail_publishes must be positive", i)
		}
	}
	if s.BreakConnection {
		actions++
	}

	if actions == 0 {
		return fmt.Errorf("steps[%d]: no action specified", i)
	}
	if actions > 1 {
		return fmt.Errorf("steps[%d]: exactly one action per step", i)
	}
	if needsClient {
		if s.Client == "" {
			return fmt.Errorf("steps[%d]: client is required for this action", i)
		}
		if !clients[s.Client] {
			return fmt.Errorf("steps[%d]: unknown client %q", i, s.Client)
		}
	}
	return nil
}

func validateAssertion(i int, a *Assertion, clients map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	case AssertConvergence:
		return nil
	case AssertElementState:
		if a.Element == "" {
			return fmt.Errorf("assertions[%d]: element is required for element_state", i)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for element_state", i)
		}
	case AssertDeleted:
		if a.Element == "" {
			return fmt.Errorf("assertions[%d]: element is required for deleted", i)
		}
	case AssertConflictCount, AssertVisibleCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", i)
		}
	case AssertPresence:
		// An empty peers list asserts solitude, which is valid.
	case AssertConnection:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for connection", i)
		}
	case AssertSyncFailed:
		return validateClient(i, a, clients)
	case AssertTool:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for tool", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return validateClient(i, a, clients)
}

func validateClient(i int, a *Assertion, clients map[string]bool) error {
	if a.Type == AssertConvergence {
		return nil
	}
	if a.Client == "" {
		return fmt.Errorf("assertions[%d]: client is required for %s", i, a.Type)
	}
	if !clients[a.Client] {
		return fmt.Errorf("assertions[%d]: unknown client %q", i, a.Client)
	}
	return nil
}
