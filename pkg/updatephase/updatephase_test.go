package updatephase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/merger"
	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/queryplan"
	"github.com/streamplane/coordinator/pkg/request"
	"github.com/streamplane/coordinator/pkg/storagehandler"
	"github.com/streamplane/coordinator/pkg/topology"
)

func newTestPhase(t *testing.T) (*Phase, *queryplan.GlobalQueryPlan) {
	t.Helper()
	rule, err := merger.NewRule(merger.SyntaxBasedComplete, nil)
	require.NoError(t, err)
	gqp := queryplan.NewGlobalQueryPlan(rule)
	topo := topology.NewGraph()
	require.NoError(t, topo.AddRoot(1, "coord", 0, 0))
	handler := storagehandler.NewTwoPhaseLockingStorageHandler()
	return New(gqp, topo, handler, nil, nil, nil), gqp
}

func sourceSinkPlan(queryID model.QueryID) request.AddQueryRequest {
	return request.AddQueryRequest{
		QueryID: queryID,
		Plan: request.QueryPlanSpec{
			Operators: []request.OperatorSpec{
				{LocalID: 1, Kind: model.OperatorSource},
				{LocalID: 2, Kind: model.OperatorSink},
			},
			Edges: []request.EdgeSpec{{UpstreamLocalID: 1, DownstreamLocalID: 2}},
		},
		Strategy: model.PlacementBottomUp,
	}
}

func TestExecuteSingleAddQuery(t *testing.T) {
	phase, gqp := newTestPhase(t)
	cmd, err := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(1))
	require.NoError(t, err)

	_, err = phase.Execute([]request.Command{cmd})
	require.NoError(t, err)

	toDeploy := gqp.GetSharedQueryPlansToDeploy()
	require.Len(t, toDeploy, 1)
	entries := toDeploy[0].GetChangeLogEntries(1 << 62)
	require.Len(t, entries, 1)
}

func TestExecuteRejectsDuplicateQueryIDInBatch(t *testing.T) {
	phase, gqp := newTestPhase(t)
	cmd, err := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(1))
	require.NoError(t, err)

	_, err = phase.Execute([]request.Command{cmd, cmd})
	assert.Error(t, err)
	assert.Empty(t, gqp.AllPlans())
}

func TestExecuteRejectsInvalidQueryID(t *testing.T) {
	phase, _ := newTestPhase(t)
	cmd, err := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(model.InvalidQueryID))
	require.NoError(t, err)

	_, err = phase.Execute([]request.Command{cmd})
	var updateErr *UpdateError
	require.ErrorAs(t, err, &updateErr)
}

func TestExecuteTwoMergeableQueriesShareOnePlan(t *testing.T) {
	phase, gqp := newTestPhase(t)
	cmd1, _ := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(1))
	cmd2, _ := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(2))

	_, err := phase.Execute([]request.Command{cmd1, cmd2})
	require.NoError(t, err)

	plans := gqp.AllPlans()
	require.Len(t, plans, 1)
	assert.ElementsMatch(t, []model.QueryID{1, 2}, plans[0].HostedQueryIDs())
}

func TestExecuteAddThenStopOneOfTwoMerged(t *testing.T) {
	phase, gqp := newTestPhase(t)
	addQ1, _ := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(1))
	addQ2, _ := request.NewCommand(request.KindAddQuery, "", sourceSinkPlan(2))
	stopQ2, _ := request.NewCommand(request.KindStopQuery, "", request.StopQueryRequest{QueryID: 2})

	_, err := phase.Execute([]request.Command{addQ1, addQ2, stopQ2})
	require.NoError(t, err)

	toDeploy := gqp.GetSharedQueryPlansToDeploy()
	require.Len(t, toDeploy, 1)
	assert.Equal(t, []model.QueryID{1}, toDeploy[0].HostedQueryIDs())

	removed := gqp.RemoveFailedOrStoppedSharedQueryPlans()
	assert.Equal(t, 0, removed)
}
