package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbound/agentflow/common/models"
)

func nodes(specs ...models.WorkflowNode) []models.WorkflowNode {
	return specs
}

func node(id string, deps ...string) models.WorkflowNode {
	return models.WorkflowNode{NodeID: id, DependsOn: deps}
}

func TestBuildGraph_Valid(t *testing.T) {
	g, err := BuildGraph(nodes(node("scan"), node("notify", "scan")))
	require.NoError(t, err)
	assert.Equal(t, []string{"notify", "scan"}, g.NodeIDs())
}

func TestBuildGraph_RejectsCycle(t *testing.T) {
	_, err := BuildGraph(nodes(node("a", "b"), node("b", "a")))
	require.ErrorIs(t, err, ErrCyclicGraph)
}

func TestBuildGraph_RejectsSelfLoop(t *testing.T) {
	_, err := BuildGraph(nodes(node("a", "a")))
	require.ErrorIs(t, err, ErrCyclicGraph)
}

func TestBuildGraph_RejectsUnknownDependency(t *testing.T) {
	_, err := BuildGraph(nodes(node("a"), node("b", "ghost")))
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestBuildGraph_RejectsDuplicateNodeID(t *testing.T) {
	_, err := BuildGraph(nodes(node("a"), node("a")))
	require.Error(t, err)
}

func TestReady_LexicographicOrder(t *testing.T) {
	g, err := BuildGraph(nodes(node("zeta"), node("alpha"), node("mid")))
	require.NoError(t, err)

	st := newRunState(nil)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, g.Ready(st))
}

func TestReady_RequiresAllPrerequisites(t *testing.T) {
	g, err := BuildGraph(nodes(
		node("scan"),
		node("compliance", "scan"),
		node("review", "scan"),
		node("notify", "compliance", "review"),
	))
	require.NoError(t, err)

	st := newRunState(nil)
	assert.Equal(t, []string{"scan"}, g.Ready(st))

	st.completed["scan"] = map[string]any{}
	assert.Equal(t, []string{"compliance", "review"}, g.Ready(st))

	st.completed["compliance"] = map[string]any{}
	assert.Equal(t, []string{"review"}, g.Ready(st))

	st.completed["review"] = map[string]any{}
	assert.Equal(t, []string{"notify"}, g.Ready(st))
}

func TestReady_SkipsNodesInOtherSets(t *testing.T) {
	g, err := BuildGraph(nodes(node("a"), node("b"), node("c")))
	require.NoError(t, err)

	st := newRunState(nil)
	st.running["a"] = true
	st.awaiting["b"] = true
	assert.Equal(t, []string{"c"}, g.Ready(st))

	st.failed["c"] = &models.AgentError{Kind: models.FailureNonZeroExit}
	assert.Empty(t, g.Ready(st))
}

func TestDescendants_Transitive(t *testing.T) {
	g, err := BuildGraph(nodes(
		node("a"),
		node("b", "a"),
		node("c", "b"),
		node("d"),
	))
	require.NoError(t, err)

	out := g.Descendants(map[string]bool{"a": true})
	assert.Equal(t, map[string]bool{"b": true, "c": true}, out)
}

func TestAncestors_TransitiveDependenciesOnly(t *testing.T) {
	g, err := BuildGraph(nodes(
		node("a"),
		node("b", "a"),
		node("c", "d"),
		node("d", "a"),
	))
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"a": true, "d": true}, g.Ancestors("c"))
	assert.Equal(t, map[string]bool{"a": true}, g.Ancestors("b"))
	assert.Empty(t, g.Ancestors("a"))
}
