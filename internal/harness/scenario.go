package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one coordination scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Catalog is a directory of CUE policy files applied before the first
	// step. Relative paths resolve against the scenario file.
	Catalog string `yaml:"catalog,omitempty"`

	Settings Settings `yaml:"settings,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Settings configure the dispatcher the scenario runs against.
type Settings struct {
	Maintenance       bool     `yaml:"maintenance,omitempty"`
	MaxInFlight       int64    `yaml:"max_in_flight,omitempty"`
	SyncBudget        Duration `yaml:"sync_budget,omitempty"`
	LockMaxTTL        Duration `yaml:"lock_max_ttl,omitempty"`
	ReplayMaxAttempts int      `yaml:"replay_max_attempts,omitempty"`
	PrivilegedCallers []string `yaml:"privileged_callers,omitempty"`
	PollURL           string   `yaml:"poll_url,omitempty"`
}

// Step does exactly one thing: call a function, move the clock, drain the
// replay queue, toggle maintenance or wait for background executions.
type Step struct {
	Call        *CallStep `yaml:"call,omitempty"`
	Advance     Duration  `yaml:"advance,omitempty"`
	Drain       bool      `yaml:"drain,omitempty"`
	Maintenance *bool     `yaml:"maintenance,omitempty"`
	Wait        bool      `yaml:"wait,omitempty"`

	// Expect checks the response of a call step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Kind names what the step does.
func (s Step) Kind() string {
	switch {
	case s.Call != nil:
		return StepCall
	case s.Advance > 0:
		return StepAdvance
	case s.Drain:
		return StepDrain
	case s.Maintenance != nil:
		return StepMaintenance
	case s.Wait:
		return StepWait
	}
	return ""
}

// Step kinds.
const (
	StepCall        = "call"
	StepAdvance     = "advance"
	StepDrain       = "drain"
	StepMaintenance = "maintenance"
	StepWait        = "wait"
)

// CallStep builds a request envelope.
type CallStep struct {
	Function string         `yaml:"function"`
	Version  string         `yaml:"version,omitempty"`
	Caller   string         `yaml:"caller,omitempty"`
	Args     map[string]any `yaml:"args,omitempty"`

	Lock        map[string]any `yaml:"lock,omitempty"`
	Idempotency map[string]any `yaml:"idempotency,omitempty"`
	Async       map[string]any `yaml:"async,omitempty"`
	Replay      map[string]any `yaml:"replay,omitempty"`
}

// Expect is a subset match against a response.
type Expect struct {
	// Status is "ok" or "error".
	Status string `yaml:"status"`

	// Code is the first error code, for error responses.
	Code string `yaml:"code,omitempty"`

	// Result holds expected result fields.
	Result map[string]any `yaml:"result,omitempty"`

	// Extensions holds expected fragment fields keyed by short name
	// (lock, idempotency, async, replay).
	Extensions map[string]map[string]any `yaml:"extensions,omitempty"`
}

// Expected statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Assertion checks the final state of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	Function string `yaml:"function,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Scope    string `yaml:"scope,omitempty"`
	ID       string `yaml:"id,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Held     *bool  `yaml:"held,omitempty"`
	Count    *int   `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertExecutions      = "executions"
	AssertReplayCount     = "replay_count"
	AssertOperationStatus = "operation_status"
	AssertLockHeld        = "lock_held"
	AssertCallbacks       = "callbacks"
)

// Duration is a time.Duration written as "30s" or "1m30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Catalog != "" && !filepath.IsAbs(s.Catalog) {
		s.Catalog = filepath.Join(filepath.Dir(path), s.Catalog)
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks the required fields and that every step does exactly one
// thing.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Description == "" {
		errs = append(errs, errors.New("description is required"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("steps must not be empty"))
	}
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			errs = append(errs, fmt.Errorf("steps[%d]: want exactly one action, got %d", i, n))
			continue
		}
		if step.Call != nil && step.Call.Function == "" {
			errs = append(errs, fmt.Errorf("steps[%d]: call.function is required", i))
		}
		if step.Expect != nil {
			if step.Call == nil {
				errs = append(errs, fmt.Errorf("steps[%d]: expect is only valid on call steps", i))
			}
			if step.Expect.Status != StatusOK && step.Expect.Status != StatusError {
				errs = append(errs, fmt.Errorf("steps[%d]: expect.status must be ok or error", i))
			}
		}
	}
	for i, a := range s.Assertions {
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Call != nil, s.Advance > 0, s.Drain, s.Maintenance != nil, s.Wait} {
		if set {
			n++
		}
	}
	return n
}

func (a Assertion) validate() error {
	switch a.Type {
	case AssertExecutions:
		if a.Function == "" || a.Count == nil {
			return errors.New("executions needs function and count")
		}
	case AssertReplayCount:
		if a.Status == "" || a.Count == nil {
			return errors.New("replay_count needs status and count")
		}
	case AssertOperationStatus:
		if a.ID == "" || a.Status == "" {
			return errors.New("operation_status needs id and status")
		}
	case AssertLockHeld:
		if a.Key == "" || a.Held == nil {
			return errors.New("lock_held needs key and held")
		}
		if a.Scope != "global" && a.Function == "" {
			return errors.New("lock_held needs function unless scope is global")
		}
	case AssertCallbacks:
		if a.Count == nil {
			return errors.New("callbacks needs count")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}
