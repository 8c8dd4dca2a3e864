package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "file name matches scenario name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectations
description: "Every expectation here is wrong"
steps:
  - request: {as: r1, method: ping, expect: {result: pang}}
  - submit:
      id: t1
      mutations:
        - {type: insert, data: {id: a}}
      expect: {error: TIMEOUT}
assertions:
  - {type: frame_count, kind: ack, count: 2}
  - {type: replica, peer: authority, records: {z: {}}}
  - {type: state, state: disconnected}
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "expected result pang, got pong")
	assert.Contains(t, result.Errors[1], "expected TIMEOUT error, got success")
	assert.Contains(t, result.Errors[2], "frame_count")
	assert.Contains(t, result.Errors[3], "records [z]")
	assert.Contains(t, result.Errors[4], "Expected: disconnected")
}

func TestRun_WrongErrorCode(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_code
description: "A remote error is not a timeout"
steps:
  - request: {as: r1, method: nope, expect: {error: TIMEOUT, id: other}}
assertions:
  - {type: pending, count: 0}
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `expected TIMEOUT error, got "REMOTE"`)
	assert.Contains(t, result.Errors[1], `expected error id other, got "req-1"`)
}

func TestRun_SilentAuthorityHasNoReplica(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: silent_replica
description: "Authority replica assertions need a live authority"
authority:
  silent: true
steps:
  - advance: 1s
assertions:
  - {type: replica, peer: authority, records: {}}
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no authority replica")
}

func TestRun_StepFailureAbortsScenario(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: frame_not_rejected
description: "A valid raw frame marked invalid never reports a validation failure"
steps:
  - raw: {frame: '{"type":"insert","data":{"id":"a"}}', invalid: true}
assertions:
  - {type: validation_errors, count: 1}
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0: timed out waiting for validation failure")
}
