package amender

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/execplan"
	"github.com/streamplane/coordinator/pkg/merger"
	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
	"github.com/streamplane/coordinator/pkg/queryplan"
	"github.com/streamplane/coordinator/pkg/storagehandler"
	"github.com/streamplane/coordinator/pkg/topology"
)

func newTestTopology(t *testing.T, slots int) *topology.Graph {
	t.Helper()
	g := topology.NewGraph()
	require.NoError(t, g.AddRoot(1, "coord", 0, 0))
	require.NoError(t, g.AddNode(2, "worker", 0, slots, 1))
	return g
}

// sourceSinkDAG builds a minimal two-operator plan: one source linked
// straight to one sink.
func sourceSinkDAG(t *testing.T) *operator.DAG {
	t.Helper()
	dag := operator.NewDAG()
	src := dag.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	sink := dag.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	require.NoError(t, dag.Link(src, sink))
	return dag
}

func addPlan(t *testing.T, gqp *queryplan.GlobalQueryPlan, queryID model.QueryID) *queryplan.SharedQueryPlan {
	t.Helper()
	dag := sourceSinkDAG(t)
	result, err := gqp.AddQueryPlan(queryID, dag, model.PlacementBottomUp)
	require.NoError(t, err)
	plan, ok := gqp.Plan(result.PlanID)
	require.True(t, ok)
	return plan
}

// singleOperatorDAG is a one-operator plan, used where the test needs
// precise control over how many slots one amendment consumes.
func singleOperatorDAG(t *testing.T) *operator.DAG {
	t.Helper()
	dag := operator.NewDAG()
	dag.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	return dag
}

func addSingleOperatorPlan(t *testing.T, gqp *queryplan.GlobalQueryPlan, queryID model.QueryID) *queryplan.SharedQueryPlan {
	t.Helper()
	dag := singleOperatorDAG(t)
	result, err := gqp.AddQueryPlan(queryID, dag, model.PlacementBottomUp)
	require.NoError(t, err)
	plan, ok := gqp.Plan(result.PlanID)
	require.True(t, ok)
	return plan
}

func TestSingleAmendmentPlacesOperatorPessimistic(t *testing.T) {
	topo := newTestTopology(t, 4)
	execPlan := execplan.NewGlobalExecutionPlan()
	twoPL := storagehandler.NewTwoPhaseLockingStorageHandler()

	rule, err := merger.NewRule(merger.SyntaxBasedComplete, nil)
	require.NoError(t, err)
	gqp := queryplan.NewGlobalQueryPlan(rule)
	plan := addPlan(t, gqp, 1)

	resolver := func(p *queryplan.SharedQueryPlan, opID model.OperatorID) []model.WorkerNodeID {
		return []model.WorkerNodeID{2}
	}

	h := NewHandler(Config{ThreadCount: 2, Mode: ModePessimistic}, topo, execPlan, twoPL, nil, resolver, nil, nil)
	h.Start()
	defer h.ShutDown()

	require.NoError(t, h.Enqueue(Instance{ID: "a1", Plan: plan}))

	require.Eventually(t, func() bool {
		return plan.GetStatus() == model.PlanDeployed
	}, time.Second, time.Millisecond)

	assert.False(t, plan.DAG.HasPendingChangeLog())
	node, ok := topo.Node(2)
	require.True(t, ok)
	assert.Equal(t, 2, node.Slots) // 4 - (source cost 1 + sink cost 1)
}

func TestOCCContentionLeavesExcessPlansOptimizing(t *testing.T) {
	topo := newTestTopology(t, 6)
	execPlan := execplan.NewGlobalExecutionPlan()
	occ := storagehandler.NewOptimisticStorageHandler()

	rule, err := merger.NewRule(merger.SyntaxBasedComplete, nil)
	require.NoError(t, err)

	var plans []*queryplan.SharedQueryPlan
	for i := model.QueryID(1); i <= 4; i++ {
		// A fresh GlobalQueryPlan per query keeps these from merging into one
		// shared plan (each simulates an independent, already-dirty plan
		// competing for the same topology node's slots).
		gqp := queryplan.NewGlobalQueryPlan(rule)
		plans = append(plans, addSingleOperatorPlan(t, gqp, i))
	}

	resolver := func(p *queryplan.SharedQueryPlan, opID model.OperatorID) []model.WorkerNodeID {
		return []model.WorkerNodeID{2}
	}
	cost := func(p *queryplan.SharedQueryPlan, opID model.OperatorID) int { return 3 }

	h := NewHandler(Config{ThreadCount: 4, Mode: ModeOptimistic, RetryCount: 8}, topo, execPlan, nil, occ, resolver, cost, nil)
	h.Start()

	var wg sync.WaitGroup
	for i, p := range plans {
		wg.Add(1)
		go func(id int, plan *queryplan.SharedQueryPlan) {
			defer wg.Done()
			require.NoError(t, h.Enqueue(Instance{ID: plan.ID.String(), Plan: plan}))
		}(i, p)
	}
	wg.Wait()
	h.ShutDown()

	deployed, optimizing := 0, 0
	for _, p := range plans {
		switch p.GetStatus() {
		case model.PlanDeployed:
			deployed++
		case model.PlanOptimizing:
			optimizing++
		}
	}

	// Each operator costs 3 slots against a 6-slot node: only two plans can
	// ever fit regardless of how many OCC rounds retry.
	assert.Equal(t, 2, deployed)
	assert.Equal(t, 2, optimizing)

	node, ok := topo.Node(2)
	require.True(t, ok)
	assert.Equal(t, 0, node.Slots)
}
