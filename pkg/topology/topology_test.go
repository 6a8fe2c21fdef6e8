package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/model"
)

func buildFixtureGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	require.NoError(t, g.AddRoot(1, "coordinator", 0, 0))
	require.NoError(t, g.AddNode(2, "h2", 0, 4, 1))
	require.NoError(t, g.AddNode(3, "h3", 0, 4, 1))
	require.NoError(t, g.AddNode(4, "h4", 0, 4, 2))
	require.NoError(t, g.AddNode(5, "h5", 0, 4, 3))
	require.NoError(t, g.AddNode(6, "h6", 0, 4, 4))
	return g
}

func TestFindPathBetween(t *testing.T) {
	g := buildFixtureGraph(t)
	path := g.FindPathBetween(1, 5)
	assert.Equal(t, []model.WorkerNodeID{1, 3, 5}, path)
}

func TestFindAllPathBetweenExcludesNodes(t *testing.T) {
	g := buildFixtureGraph(t)
	require.NoError(t, g.AddLink(4, 5))

	all := g.FindAllPathBetween(1, 5, nil)
	assert.Len(t, all, 2)

	excluded := map[model.WorkerNodeID]bool{3: true}
	filtered := g.FindAllPathBetween(1, 5, excluded)
	require.Len(t, filtered, 1)
	assert.NotContains(t, filtered[0], model.WorkerNodeID(3))
}

func TestRemoveNodeOrphaningSourceFails(t *testing.T) {
	g := buildFixtureGraph(t)
	hostsSource := func(id model.WorkerNodeID) bool { return id == 5 }

	err := g.RemoveNode(3, hostsSource)
	assert.Error(t, err)
}

func TestRemoveNodeWithoutSourceSucceeds(t *testing.T) {
	g := buildFixtureGraph(t)
	hostsSource := func(model.WorkerNodeID) bool { return false }

	require.NoError(t, g.RemoveNode(6, hostsSource))
	_, ok := g.Node(6)
	assert.False(t, ok)
}

func TestDecrementAndReleaseSlots(t *testing.T) {
	g := buildFixtureGraph(t)
	require.NoError(t, g.DecrementSlots(5, 3))
	n, ok := g.Node(5)
	require.True(t, ok)
	assert.Equal(t, 1, n.Slots)

	assert.Error(t, g.DecrementSlots(5, 5))

	g.ReleaseSlots(5, 3)
	n, _ = g.Node(5)
	assert.Equal(t, 4, n.Slots)
}

func TestGetParentTopologyNodeIds(t *testing.T) {
	g := buildFixtureGraph(t)
	parents := g.GetParentTopologyNodeIds(3)
	assert.Equal(t, []model.WorkerNodeID{1}, parents)
}

func TestFindAllClosestCommonAncestors(t *testing.T) {
	g := buildFixtureGraph(t)
	ancestors := g.FindAllClosestCommonAncestors([]model.WorkerNodeID{5, 6})
	assert.Equal(t, []model.WorkerNodeID{1}, ancestors)
}
