package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// A scenario drives an origin session against an authority over an
// in-process pipe and asserts on the frames exchanged and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Codec is the wire codec ("json" or "msgpack"). Defaults to json.
	Codec string `yaml:"codec,omitempty"`

	// Authority configures the remote peer.
	Authority AuthoritySpec `yaml:"authority,omitempty"`

	// Steps run in order. Each step names exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// AuthoritySpec configures the authority peer.
type AuthoritySpec struct {
	// Silent replaces the authority with a peer that reads every frame and
	// never answers. Used to exercise timeouts.
	Silent bool `yaml:"silent,omitempty"`

	// Records seed the authority's replica.
	Records []any `yaml:"records,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Submit sends a transaction from the origin.
	Submit *SubmitStep `yaml:"submit,omitempty"`

	// Request sends an RPC request from the origin.
	Request *RequestStep `yaml:"request,omitempty"`

	// Push sends an unwrapped insert/update/delete from the authority.
	Push *PushStep `yaml:"push,omitempty"`

	// Sync sends a snapshot from the authority.
	Sync *SyncStep `yaml:"sync,omitempty"`

	// Snapshot sends the authority's own replica as a snapshot, as a
	// newly connecting origin would receive it.
	Snapshot bool `yaml:"snapshot,omitempty"`

	// Raw sends frame bytes from the authority without validation.
	Raw *RawStep `yaml:"raw,omitempty"`

	// Await waits for an earlier submit or request to settle.
	Await *AwaitStep `yaml:"await,omitempty"`

	// Advance moves the fake clock forward (a Go duration, e.g. "10s").
	Advance string `yaml:"advance,omitempty"`

	// Drop severs the pipe with a transport fault.
	Drop bool `yaml:"drop,omitempty"`

	// Close closes the origin session.
	Close bool `yaml:"close,omitempty"`

	// WaitState blocks until the origin reaches the named state.
	WaitState string `yaml:"wait_state,omitempty"`
}

// SubmitStep describes an outbound transaction. Its handle is ID.
type SubmitStep struct {
	ID        string         `yaml:"id"`
	Mutations []MutationSpec `yaml:"mutations"`
	Expect    *Expect        `yaml:"expect,omitempty"`
}

// MutationSpec is one mutation inside a submitted transaction.
type MutationSpec struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id,omitempty"`
	Data any    `yaml:"data,omitempty"`
}

// RequestStep describes an outbound request. Its handle is As.
type RequestStep struct {
	As     string  `yaml:"as"`
	Method string  `yaml:"method"`
	Args   []any   `yaml:"args,omitempty"`
	Expect *Expect `yaml:"expect,omitempty"`
}

// PushStep is an unwrapped mutation sent by the authority.
type PushStep struct {
	Op   string `yaml:"op"`
	Data any    `yaml:"data"`
}

// SyncStep is a snapshot sent by the authority.
type SyncStep struct {
	Rows []any `yaml:"rows"`
}

// RawStep sends literal bytes. Invalid marks a frame the origin must reject.
type RawStep struct {
	Frame   string `yaml:"frame"`
	Invalid bool   `yaml:"invalid,omitempty"`
}

// AwaitStep waits on the handle Name.
type AwaitStep struct {
	Name   string `yaml:"name"`
	Expect Expect `yaml:"expect"`
}

// Expect describes how a submit or request settles. An empty Error means
// success.
type Expect struct {
	// Error is the expected protoerr code (TIMEOUT, REMOTE, CLOSED, ...).
	Error string `yaml:"error,omitempty"`

	// ID is the expected correlation id carried by the error.
	ID string `yaml:"id,omitempty"`

	// Result is the expected request result (requests only).
	Result any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "frame_count": frames of Kind (optionally in Dir) appear Count times
	// - "frame_order": frame kinds appear in order (not necessarily adjacent)
	// - "replica": the origin (or authority) replica holds exactly Records
	// - "ready": the origin replica's readiness equals Ready
	// - "validation_errors": the origin reported Count inbound validation failures
	// - "state": the origin ends in State
	// - "pending": Count requests are still pending on the origin
	Type string `yaml:"type"`

	// Kind is the frame kind (frame_count).
	Kind string `yaml:"kind,omitempty"`

	// Dir restricts frame_count to "out" or "in".
	Dir string `yaml:"dir,omitempty"`

	// Kinds is the expected order (frame_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Peer selects "origin" (default) or "authority" (replica).
	Peer string `yaml:"peer,omitempty"`

	// Records maps each expected record id to a subset of its fields
	// (replica).
	Records map[string]map[string]any `yaml:"records,omitempty"`

	// Ready is the expected readiness (ready).
	Ready *bool `yaml:"ready,omitempty"`

	// State is the expected session state (state).
	State string `yaml:"state,omitempty"`

	// Count is the expected number (frame_count, validation_errors, pending).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFrameCount       = "frame_count"
	AssertFrameOrder       = "frame_order"
	AssertReplica          = "replica"
	AssertReady            = "ready"
	AssertValidationErrors = "validation_errors"
	AssertState            = "state"
	AssertPending          = "pending"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
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
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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
	switch s.Codec {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("unknown codec %q", s.Codec)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	handles := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, step, handles); err != nil {
			return err
		}
		if step.Snapshot && s.Authority.Silent {
			return fmt.Errorf("steps[%d].snapshot: a silent authority has no replica", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, handles map[string]bool) error {
	actions := 0
	count := func(set bool) {
		if set {
			actions++
		}
	}
	count(step.Submit != nil)
	count(step.Request != nil)
	count(step.Push != nil)
	count(step.Sync != nil)
	count(step.Snapshot)
	count(step.Raw != nil)
	count(step.Await != nil)
	count(step.Advance != "")
	count(step.Drop)
	count(step.Close)
	count(step.WaitState != "")
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, actions)
	}

	switch {
	case step.Submit != nil:
		if step.Submit.ID == "" {
			return fmt.Errorf("steps[%d].submit: id is required", i)
		}
		if handles[step.Submit.ID] {
			return fmt.Errorf("steps[%d].submit: handle %q reused", i, step.Submit.ID)
		}
		handles[step.Submit.ID] = true
	case step.Request != nil:
		if step.Request.As == "" || step.Request.Method == "" {
			return fmt.Errorf("steps[%d].request: as and method are required", i)
		}
		if handles[step.Request.As] {
			return fmt.Errorf("steps[%d].request: handle %q reused", i, step.Request.As)
		}
		handles[step.Request.As] = true
	case step.Push != nil:
		switch step.Push.Op {
		case "insert", "update", "delete":
		default:
			return fmt.Errorf("steps[%d].push: unknown op %q", i, step.Push.Op)
		}
	case step.Raw != nil:
		if step.Raw.Frame == "" {
			return fmt.Errorf("steps[%d].raw: frame is required", i)
		}
	case step.Await != nil:
		if !handles[step.Await.Name] {
			return fmt.Errorf("steps[%d].await: unknown handle %q", i, step.Await.Name)
		}
	case step.Advance != "":
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", i, err)
		}
	case step.WaitState != "":
		switch step.WaitState {
		case "disconnected", "connecting", "connected":
		default:
			return fmt.Errorf("steps[%d].wait_state: unknown state %q", i, step.WaitState)
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
	case AssertFrameCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for frame_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for frame_count", index)
		}
	case AssertFrameOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for frame_order", index)
		}
	case AssertReplica:
		switch a.Peer {
		case "", "origin", "authority":
		default:
			return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
		}
	case AssertReady:
		if a.Ready == nil {
			return fmt.Errorf("assertions[%d]: ready is required for ready", index)
		}
	case AssertState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for state", index)
		}
	case AssertValidationErrors, AssertPending:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
