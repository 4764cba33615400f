package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/pkg/schema"
)

func TestService_StartExecutionRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)
	h.put(linearGraph("dup-id", "A"))
	ctx := context.Background()

	_, err := h.svc.StartExecution(ctx, StartRequest{GraphID: "dup-id", ExecutionID: "exec-1"})
	require.NoError(t, err)
	h.awaitResult()

	_, err = h.svc.StartExecution(ctx, StartRequest{GraphID: "dup-id", ExecutionID: "exec-1"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestService_ResumeQueuedExecution(t *testing.T) {
	h := newHarness(t)
	h.put(linearGraph("queued", "A", "B"))
	ctx := context.Background()

	_, err := h.svc.ResumeQueuedExecution(ctx, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = h.svc.ResumeQueuedExecution(ctx, "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	root, err := h.svc.QueueExecution(ctx, StartRequest{GraphID: "queued", AccountID: "acct-7"})
	require.NoError(t, err)
	assert.Empty(t, h.executedSteps())

	started, err := h.svc.ResumeQueuedExecution(ctx, root.ExecutionID)
	require.NoError(t, err)
	assert.True(t, started)
	res := h.awaitResult()
	assert.Equal(t, schema.StatusSuccess, res.Status)

	started, err = h.svc.ResumeQueuedExecution(ctx, root.ExecutionID)
	require.NoError(t, err)
	assert.False(t, started, "execution already moved on")

	insts, err := h.svc.Instances(ctx, root.ExecutionID)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	for _, inst := range insts {
		assert.Equal(t, "acct-7", inst.AccountID)
	}
}

func TestService_GetExecutionContext(t *testing.T) {
	h := newHarness(t)
	h.put(linearGraph("ctx", "A", "B"))
	h.behave("A", func(ctx context.Context, ec graph.ExecutionContext) (*graph.Response, error) {
		return &graph.Response{Status: schema.StatusSuccess, Data: map[string]any{"greeting": "hi"}}, nil
	})
	ctx := context.Background()

	root := h.start("ctx")
	res := h.awaitResult()

	ec, err := h.svc.GetExecutionContext(ctx, root.ExecutionID, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "ctx", ec.Graph().ID)
	v, err := ec.QueryStateData(".A.data.greeting")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	_, err = h.svc.GetExecutionContext(ctx, "other-execution", res.InstanceID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = h.svc.GetExecutionContext(ctx, root.ExecutionID, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestService_CompleteTask(t *testing.T) {
	h := newHarness(t)
	h.put(linearGraph("task", "A"))
	h.behave("A", suspendOn("job-"))

	root := h.start("task")
	h.awaitStatus(root.ID, schema.StatusRunning)

	assert.True(t, schema.IsCode(h.svc.CompleteTask(context.Background(), "", graph.Result{}), schema.ErrCodeValidation))
	require.NoError(t, h.svc.CompleteTask(context.Background(), "job-"+root.ID,
		graph.Result{Status: schema.StatusFailed, ErrorMessage: "remote failure"}))

	res := h.awaitResult()
	assert.Equal(t, schema.StatusFailed, res.Status)
	assert.Equal(t, "remote failure", res.ErrorMessage)
}
