package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/pkg/schema"
)

func TestClone_ResetsIdentityAndHistory(t *testing.T) {
	orig := newInstance("exec-1", schema.StatusSuccess)
	orig.RetryCount = 3
	orig.Retry = true
	orig.StartTs = 100
	orig.EndTs = 200
	orig.ExpiryTs = 300
	orig.NotifyID = "notify-1"
	orig.ParentInstanceID = "parent-1"
	orig.InterruptHistory = []InterruptEffect{{InterruptID: "int-1", InterruptType: schema.InterruptRetry, Timestamp: 150}}
	orig.StateParams = map[string]any{"timeout": 10}

	clone, err := Clone(orig)
	require.NoError(t, err)

	assert.NotEqual(t, orig.ID, clone.ID)
	assert.Equal(t, orig.ID, clone.PrevInstanceID)
	assert.Equal(t, schema.StatusNew, clone.Status)
	assert.Zero(t, clone.RetryCount)
	assert.False(t, clone.Retry)
	assert.Empty(t, clone.InterruptHistory)
	assert.Nil(t, clone.StateParams)
	assert.Zero(t, clone.StartTs)
	assert.Zero(t, clone.EndTs)
	assert.True(t, clone.IsInfiniteExpiry())
	assert.Equal(t, orig.ContextElements, clone.ContextElements)
	assert.Equal(t, "notify-1", clone.NotifyID)
	assert.Equal(t, "parent-1", clone.ParentInstanceID)
	assert.Equal(t, orig.StateData["build"].Status, clone.StateData["build"].Status)
}

func TestClone_IsIsolatedFromOriginal(t *testing.T) {
	orig := newInstance("exec-1", schema.StatusSuccess)
	clone, err := Clone(orig)
	require.NoError(t, err)

	clone.ContextElements[0].Name = "changed"
	clone.PushContextElement(ContextElement{Type: "ENV", UUID: "e-1"})
	clone.StateData["deploy"] = StepExecutionData{StepName: "deploy"}

	assert.Equal(t, "web-1", orig.ContextElements[0].Name)
	assert.Len(t, orig.ContextElements, 1)
	_, ok := orig.StateData["deploy"]
	assert.False(t, ok)
}

func TestContextElementLookup(t *testing.T) {
	inst := newInstance("exec-1", schema.StatusNew)
	inst.PushContextElement(ContextElement{Type: "HOST", UUID: "h-2", Name: "web-2"})

	el, ok := inst.ContextElement("HOST")
	require.True(t, ok)
	assert.Equal(t, "web-2", el.Name, "top of stack wins")

	_, ok = inst.ContextElement("ENV")
	assert.False(t, ok)
}

func TestDeepCopyNil(t *testing.T) {
	cp, err := DeepCopy(nil)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only comment\n;CREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
}
