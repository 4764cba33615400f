package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionReport_EmptyIsValid(t *testing.T) {
	r := &DefinitionReport{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.Err())
}

func TestDefinitionReport_Add(t *testing.T) {
	r := &DefinitionReport{GraphID: "g1"}
	r.Add("/nodes/0/type", "unknown type %q", "SHELL")

	assert.False(t, r.Valid())
	require.Len(t, r.Issues, 1)
	assert.Equal(t, "/nodes/0/type", r.Issues[0].Path)
	assert.Equal(t, `unknown type "SHELL"`, r.Issues[0].Message)
}

func TestDefinitionReport_MergePrefixesPaths(t *testing.T) {
	child := &DefinitionReport{}
	child.Add("/nodes/1", "missing name")

	r := &DefinitionReport{}
	r.Merge("/child_graphs/sub", child)
	r.Merge("/ignored", nil)

	require.Len(t, r.Issues, 1)
	assert.Equal(t, "/child_graphs/sub/nodes/1", r.Issues[0].Path)
}

func TestDefinitionReport_Err(t *testing.T) {
	r := &DefinitionReport{GraphID: "g1"}
	r.Add("/edges/0", "bad kind")
	r.Add("/edges/1", "bad kind")

	err := r.Err()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeGraphBuild))
	assert.Equal(t, ReasonInvalidDefinition, BuildReasonOf(err))
	assert.Contains(t, err.Error(), "2 issues")
}

func TestErrorBuilders(t *testing.T) {
	cause := NewError(ErrCodeStore, "disk full")
	err := NewErrorf(ErrCodeStepExecution, "step %s blew up", "deploy").
		WithStep("deploy").
		WithCause(cause).
		WithDetails(map[string]any{"attempt": 2}).
		WithDetails(map[string]any{"instance_id": "i-1"})

	assert.Equal(t, "[STEP_EXECUTION_ERROR] step deploy: step deploy blew up", err.Error())
	assert.Equal(t, 2, err.Details["attempt"])
	assert.Equal(t, "i-1", err.Details["instance_id"])
	assert.True(t, IsCode(err, ErrCodeStepExecution))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsCode(nil, ErrCodeStore))
	assert.Equal(t, BuildReason(""), BuildReasonOf(err))
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusSuccess.IsPositive())
	assert.True(t, StatusSkipped.IsPositive())
	assert.True(t, StatusFailed.IsBroken())
	assert.True(t, StatusError.IsBroken())
	assert.True(t, StatusAborted.IsDiscontinue())
	assert.True(t, StatusExpired.IsDiscontinue())
	for _, s := range ActiveStatuses {
		assert.False(t, s.IsFinal(), s)
	}
	for _, s := range FinalStatuses {
		assert.True(t, s.IsFinal(), s)
	}
}

func TestInterruptScope(t *testing.T) {
	assert.True(t, InterruptRetry.IsInstanceScoped())
	assert.True(t, InterruptAbort.IsInstanceScoped())
	assert.False(t, InterruptAbortAll.IsInstanceScoped())
	assert.False(t, InterruptPauseAll.IsInstanceScoped())
}
