package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Minimal valid scenario"
steps:
  - advance: 1s
assertions:
  - {type: pending, count: 0}
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, "1s", scenario.Steps[0].Advance)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_FullStepSet(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: everything
description: "Uses every step"
codec: msgpack
authority:
  records: [{id: a}]
steps:
  - submit: {id: t1, mutations: [{type: delete, id: a}]}
  - request: {as: r1, method: echo, args: [1, two]}
  - await: {name: r1, expect: {result: [1, two]}}
  - push: {op: update, data: {id: a, n: 2}}
  - sync: {rows: []}
  - snapshot: true
  - raw: {frame: "{}", invalid: true}
  - advance: 250ms
  - drop: true
  - wait_state: connected
  - close: true
assertions:
  - {type: frame_order, kinds: [transaction, request]}
  - {type: ready, ready: true}
`))
	require.NoError(t, err)
	assert.Equal(t, "msgpack", scenario.Codec)
	assert.Len(t, scenario.Steps, 11)
	assert.True(t, scenario.Steps[5].Snapshot)
	assert.Equal(t, "a", scenario.Steps[0].Submit.Mutations[0].ID)
	assert.Equal(t, []any{1, "two"}, scenario.Steps[1].Request.Args)
	assert.True(t, *scenario.Assertions[1].Ready)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]\nflow: []\n", "field flow not found"},
		{"snapshot from silent authority", "name: x\ndescription: y\nauthority: {silent: true}\nsteps: [{snapshot: true}]\nassertions: [{type: pending}]\n", "a silent authority has no replica"},
		{"missing name", "description: y\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]\n", "name is required"},
		{"missing description", "name: x\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]\n", "description is required"},
		{"bad codec", "name: x\ndescription: y\ncodec: xml\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]\n", `unknown codec "xml"`},
		{"no steps", "name: x\ndescription: y\nassertions: [{type: pending}]\n", "steps list is required"},
		{"no assertions", "name: x\ndescription: y\nsteps: [{advance: 1s}]\n", "assertions list is required"},
		{"two actions", "name: x\ndescription: y\nsteps: [{advance: 1s, drop: true}]\nassertions: [{type: pending}]\n", "exactly one action is required, got 2"},
		{"no action", "name: x\ndescription: y\nsteps: [{}]\nassertions: [{type: pending}]\n", "exactly one action is required, got 0"},
		{"submit without id", "name: x\ndescription: y\nsteps: [{submit: {mutations: []}}]\nassertions: [{type: pending}]\n", "steps[0].submit: id is required"},
		{"reused handle", "name: x\ndescription: y\nsteps: [{submit: {id: a}}, {request: {as: a, method: m}}]\nassertions: [{type: pending}]\n", `handle "a" reused`},
		{"unknown await", "name: x\ndescription: y\nsteps: [{await: {name: r9}}]\nassertions: [{type: pending}]\n", `unknown handle "r9"`},
		{"bad push op", "name: x\ndescription: y\nsteps: [{push: {op: upsert, data: {}}}]\nassertions: [{type: pending}]\n", `unknown op "upsert"`},
		{"bad duration", "name: x\ndescription: y\nsteps: [{advance: soon}]\nassertions: [{type: pending}]\n", "steps[0].advance"},
		{"bad state", "name: x\ndescription: y\nsteps: [{wait_state: asleep}]\nassertions: [{type: pending}]\n", `unknown state "asleep"`},
		{"empty raw", "name: x\ndescription: y\nsteps: [{raw: {invalid: true}}]\nassertions: [{type: pending}]\n", "frame is required"},
		{"assertion type", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: vibes}]\n", `unknown assertion type "vibes"`},
		{"frame_count kind", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: frame_count}]\n", "kind is required"},
		{"frame_order kinds", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: frame_order}]\n", "kinds list is required"},
		{"replica peer", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: replica, peer: mars}]\n", `unknown peer "mars"`},
		{"ready value", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: ready}]\n", "ready is required"},
		{"state value", "name: x\ndescription: y\nsteps: [{advance: 1s}]\nassertions: [{type: state}]\n", "state is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
