package execplan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamplane/coordinator/pkg/model"
)

func TestAssignAndSubPlansFor(t *testing.T) {
	e := NewGlobalExecutionPlan()
	e.Assign(1, 10, SubPlan{OperatorIDs: []model.OperatorID{5}, OccupiedSlots: 2})

	subs := e.SubPlansFor(1, 10)
	assert.Len(t, subs, 1)
	assert.Equal(t, 2, subs[0].OccupiedSlots)
}

func TestNodesHosting(t *testing.T) {
	e := NewGlobalExecutionPlan()
	e.Assign(1, 10, SubPlan{OperatorIDs: []model.OperatorID{5}})
	e.Assign(1, 11, SubPlan{OperatorIDs: []model.OperatorID{6}})

	nodes := e.NodesHosting(1)
	assert.ElementsMatch(t, []model.WorkerNodeID{10, 11}, nodes)
}

func TestOperatorLocation(t *testing.T) {
	e := NewGlobalExecutionPlan()
	e.Assign(1, 10, SubPlan{OperatorIDs: []model.OperatorID{5, 6}})

	node, ok := e.OperatorLocation(1, 6)
	assert.True(t, ok)
	assert.Equal(t, model.WorkerNodeID(10), node)

	_, ok = e.OperatorLocation(1, 99)
	assert.False(t, ok)
}

func TestRemovePlan(t *testing.T) {
	e := NewGlobalExecutionPlan()
	e.Assign(1, 10, SubPlan{OperatorIDs: []model.OperatorID{5}})
	e.RemovePlan(1)
	assert.Empty(t, e.SubPlansFor(1, 10))
}
