package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
	"github.com/streamplane/coordinator/pkg/topology"
)

func buildGraph(t *testing.T) *topology.Graph {
	t.Helper()
	g := topology.NewGraph()
	require.NoError(t, g.AddRoot(1, "coord", 0, 0))
	require.NoError(t, g.AddNode(2, "h2", 0, 2, 1))
	require.NoError(t, g.AddNode(3, "h3", 0, 2, 2))
	return g
}

func TestBottomUpPlacesOnNearestCapableNode(t *testing.T) {
	g := buildGraph(t)
	d := operator.NewDAG()
	op := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})

	strat, err := NewStrategy(model.PlacementBottomUp)
	require.NoError(t, err)

	result, err := strat.Place(Context{
		DAG:      d,
		Topology: g,
		Candidates: map[model.OperatorID][]model.WorkerNodeID{
			op: {2, 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkerNodeID(2), result.Placements[op])
}

func TestBottomUpCrossesLinkWhenCapacityExhausted(t *testing.T) {
	g := buildGraph(t)
	d := operator.NewDAG()
	opA := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})
	opB := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})
	opC := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})

	strat, err := NewStrategy(model.PlacementBottomUp)
	require.NoError(t, err)

	result, err := strat.Place(Context{
		DAG:      d,
		Topology: g,
		Cost:     map[model.OperatorID]int{opA: 1, opB: 1, opC: 1},
		Candidates: map[model.OperatorID][]model.WorkerNodeID{
			opA: {2, 3},
			opB: {2, 3},
			opC: {2, 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkerNodeID(3), result.Placements[opC])
}

func TestManualRequiresPinnedNode(t *testing.T) {
	g := buildGraph(t)
	d := operator.NewDAG()
	op := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})

	strat, err := NewStrategy(model.PlacementManual)
	require.NoError(t, err)

	_, err = strat.Place(Context{
		DAG:        d,
		Topology:   g,
		Candidates: map[model.OperatorID][]model.WorkerNodeID{op: {2}},
	})
	assert.Error(t, err)
}

func TestManualPlacesOnPinnedNode(t *testing.T) {
	g := buildGraph(t)
	d := operator.NewDAG()
	op := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})
	opRef, _ := d.Get(op)
	pinned := model.WorkerNodeID(3)
	opRef.PinnedNodeID = &pinned

	strat, err := NewStrategy(model.PlacementManual)
	require.NoError(t, err)

	result, err := strat.Place(Context{
		DAG:        d,
		Topology:   g,
		Candidates: map[model.OperatorID][]model.WorkerNodeID{op: {2, 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkerNodeID(3), result.Placements[op])
}

func TestIncrementalOnlyPlacesChangeLogOperators(t *testing.T) {
	g := buildGraph(t)
	d := operator.NewDAG()
	opA := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})
	opB := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})

	strat, err := NewStrategy(model.PlacementBottomUp)
	require.NoError(t, err)

	result, err := strat.Place(Context{
		DAG:      d,
		Topology: g,
		Candidates: map[model.OperatorID][]model.WorkerNodeID{
			opA: {2}, opB: {2},
		},
		Incremental:        true,
		ChangeLogOperators: []model.OperatorID{opA},
	})
	require.NoError(t, err)
	assert.Len(t, result.Placements, 1)
	_, placed := result.Placements[opB]
	assert.False(t, placed)
}
