package queryplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/merger"
	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
)

func sourceSinkDAG() *operator.DAG {
	d := operator.NewDAG()
	src := d.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	sink := d.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	_ = d.Link(src, sink)
	return d
}

func syntaxRuleGlobalPlan(t *testing.T) *GlobalQueryPlan {
	t.Helper()
	rule, err := merger.NewRule(merger.SyntaxBasedComplete, nil)
	require.NoError(t, err)
	return NewGlobalQueryPlan(rule)
}

func TestAddQueryPlanCreatesNewSharedPlan(t *testing.T) {
	g := syntaxRuleGlobalPlan(t)
	result, err := g.AddQueryPlan(1, sourceSinkDAG(), model.PlacementBottomUp)
	require.NoError(t, err)
	assert.True(t, result.Created)

	planID, ok := g.GetSharedQueryId(1)
	require.True(t, ok)
	assert.Equal(t, result.PlanID, planID)
}

func TestAddQueryPlanRejectsInvalidQueryID(t *testing.T) {
	g := syntaxRuleGlobalPlan(t)
	_, err := g.AddQueryPlan(model.InvalidQueryID, sourceSinkDAG(), model.PlacementBottomUp)
	assert.Error(t, err)
}

func TestAddQueryPlanMergesIdenticalQueries(t *testing.T) {
	g := syntaxRuleGlobalPlan(t)
	r1, err := g.AddQueryPlan(1, sourceSinkDAG(), model.PlacementBottomUp)
	require.NoError(t, err)
	r2, err := g.AddQueryPlan(2, sourceSinkDAG(), model.PlacementBottomUp)
	require.NoError(t, err)

	assert.True(t, r2.Merged)
	assert.Equal(t, r1.PlanID, r2.PlanID)

	plan, ok := g.Plan(r1.PlanID)
	require.True(t, ok)
	assert.ElementsMatch(t, []model.QueryID{1, 2}, plan.HostedQueryIDs())
}

func TestAddThenStopQuery(t *testing.T) {
	g := syntaxRuleGlobalPlan(t)
	r1, err := g.AddQueryPlan(1, sourceSinkDAG(), model.PlacementBottomUp)
	require.NoError(t, err)
	_, err = g.AddQueryPlan(2, sourceSinkDAG(), model.PlacementBottomUp)
	require.NoError(t, err)

	require.NoError(t, g.StopQuery(2))

	plan, ok := g.Plan(r1.PlanID)
	require.True(t, ok)
	assert.Equal(t, []model.QueryID{1}, plan.HostedQueryIDs())
	assert.NotEqual(t, model.PlanStopped, plan.Status)

	toDeploy := g.GetSharedQueryPlansToDeploy()
	assert.Len(t, toDeploy, 1)
}

func TestStoppingLastHostedQueryMarksPlanStopped(t *testing.T) {
	g := syntaxRuleGlobalPlan(t)
	r1, err := g.AddQueryPlan(1, sourceSinkDAG(), model.PlacementBottomUp)
	require.NoError(t, err)

	require.NoError(t, g.StopQuery(1))
	plan, ok := g.Plan(r1.PlanID)
	require.True(t, ok)
	assert.Equal(t, model.PlanStopped, plan.Status)

	removed := g.RemoveFailedOrStoppedSharedQueryPlans()
	assert.Equal(t, 1, removed)
	_, ok = g.Plan(r1.PlanID)
	assert.False(t, ok)
}
