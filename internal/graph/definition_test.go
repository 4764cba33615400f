package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/pkg/schema"
)

const yamlDefinition = `
id: deploy
name: Deploy service
nodes:
  - name: Build
    type: NOOP
    origin: true
  - name: Rollout
    type: EXTERNAL
    timeout_millis: 60000
    properties:
      correlation_id: "rollout-${execution_id}"
edges:
  - from: Build
    to: Rollout
    kind: SUCCESS
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(yamlDefinition), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "deploy", def.ID)
	require.Len(t, def.Nodes, 2)
	assert.True(t, def.Nodes[0].Origin)
	require.NotNil(t, def.Nodes[1].TimeoutMillis)
	assert.Equal(t, int64(60000), *def.Nodes[1].TimeoutMillis)
	assert.Equal(t, "rollout-${execution_id}", def.Nodes[1].Properties["correlation_id"])

	g, err := Build(def, NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, "Rollout", g.GetNextStep("", StepKey{Name: "Build"}, schema.TransitionSuccess).Name())
}

func TestParseDefinition_SchemaViolations(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id":"x","nodes":[{"name":"A"}],"edges":[{"from":"A","to":"B","kind":"SIDEWAYS"}]}`), "json")
	require.Error(t, err)
	assert.Equal(t, schema.ReasonInvalidDefinition, schema.BuildReasonOf(err))

	report := ValidateDefinition([]byte(`{"id":"x","nodes":[{"name":"A"}],"edges":[{"from":"A","to":"B","kind":"SIDEWAYS"}]}`))
	assert.False(t, report.Valid())
	assert.Equal(t, "x", report.GraphID)
	assert.GreaterOrEqual(t, len(report.Issues), 2)
}

func TestParseDefinition_BadInput(t *testing.T) {
	_, err := ParseDefinition([]byte("nodes: ["), "yml")
	assert.Equal(t, schema.ReasonInvalidDefinition, schema.BuildReasonOf(err))

	_, err = ParseDefinition([]byte(`{}`), "toml")
	assert.Equal(t, schema.ReasonInvalidDefinition, schema.BuildReasonOf(err))

	report := ValidateDefinition([]byte(`not json`))
	assert.False(t, report.Valid())
}

func TestLoadDefinitionFile_DefaultsIDToBaseName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodes":[{"name":"A","type":"NOOP","origin":true}]}`), 0o644))

	def, err := LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", def.ID)

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRepository_LoadsCachesAndPins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.yaml"), []byte(yamlDefinition), 0o644))

	repo, err := NewRepository(DirSource{Dir: dir}, nil, 2, WithAutomaticRepeaters())
	require.NoError(t, err)
	ctx := context.Background()

	g1, err := repo.Get(ctx, "deploy")
	require.NoError(t, err)
	g2, err := repo.Get(ctx, "deploy")
	require.NoError(t, err)
	assert.Same(t, g1, g2, "second lookup is served from the cache")

	_, err = repo.Get(ctx, "unknown")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	pinned, err := repo.PutDefinition(&schema.GraphDefinition{
		ID:    "inline",
		Nodes: []schema.NodeDefinition{origin("A", TypeNoop)},
	})
	require.NoError(t, err)
	got, err := repo.Get(ctx, "inline")
	require.NoError(t, err)
	assert.Same(t, pinned, got)

	repo.Purge()
	g3, err := repo.Get(ctx, "deploy")
	require.NoError(t, err)
	assert.NotSame(t, g1, g3, "purge forces a rebuild from the source")
	got, err = repo.Get(ctx, "inline")
	require.NoError(t, err)
	assert.Same(t, pinned, got, "pinned graphs survive a purge")
}

func TestRepository_WithoutSource(t *testing.T) {
	repo, err := NewRepository(nil, NewRegistry(), 0)
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.NotNil(t, repo.Registry())
}
