package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/internal/expressions"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

func testContext(inst *store.ExecutionInstance) *ExecutionContext {
	return newExecutionContext(context.Background(), inst, nil,
		expressions.NewRenderer(expressions.NewExprEngine()), expressions.NewGoJQEngine())
}

func TestExecutionContext_RenderAndQuery(t *testing.T) {
	inst := &store.ExecutionInstance{
		ID:          "i-1",
		ExecutionID: "e-1",
		StepName:    "notify",
		DisplayName: "notify",
		StateData: map[string]store.StepExecutionData{
			"build": {StepName: "build", Status: schema.StatusSuccess, Data: map[string]any{"image": "api:1.2"}},
		},
		ContextElements: []store.ContextElement{{Type: "env", UUID: "env-1", Name: "staging"}},
	}
	ec := testContext(inst)

	assert.Equal(t, "e-1", ec.ExecutionID())
	assert.Equal(t, "i-1", ec.InstanceID())

	out, err := ec.RenderExpression("deploying ${state.build.data.image} to ${context.env.name}")
	require.NoError(t, err)
	assert.Equal(t, "deploying api:1.2 to staging", out)

	v, err := ec.QueryStateData(".build.data.image")
	require.NoError(t, err)
	assert.Equal(t, "api:1.2", v)

	el, ok := ec.ContextElement("env")
	require.True(t, ok)
	assert.Equal(t, "env-1", el.UUID)
	_, ok = ec.ContextElement("host")
	assert.False(t, ok)
}

func TestExecutionContext_ContextElements(t *testing.T) {
	inst := &store.ExecutionInstance{
		ContextElements: []store.ContextElement{
			{Type: "host", UUID: "h-1"},
			{Type: "env", UUID: "e-1"},
		},
		StateData: map[string]store.StepExecutionData{
			"discover-b": {Data: map[string]any{
				ContextElementsKey: []any{
					map[string]any{"type": "host", "uuid": "h-3"},
					map[string]any{"type": "host", "uuid": "h-1"},
				},
			}},
			"discover-a": {Data: map[string]any{
				ContextElementsKey: []store.ContextElement{{Type: "host", UUID: "h-2"}},
			}},
			"noise": {Data: map[string]any{ContextElementsKey: "not a list"}},
		},
	}
	ec := testContext(inst)

	var uuids []string
	for _, el := range ec.ContextElements("host") {
		uuids = append(uuids, el.UUID)
	}
	assert.Equal(t, []string{"h-1", "h-2", "h-3"}, uuids)
	assert.Len(t, ec.ContextElements("env"), 1)
	assert.Empty(t, ec.ContextElements("region"))
}
