// Package execplan implements the global execution plan: the mapping from
// shared-plan-id to the set of execution nodes hosting its sub-plans, and
// the resources each sub-plan occupies on its node.
package execplan

import (
	"sync"

	"github.com/streamplane/coordinator/pkg/model"
)

// SubPlan is the portion of a shared plan's operator DAG placed on one
// execution node, and the resource units it occupies there.
type SubPlan struct {
	OperatorIDs      []model.OperatorID
	OccupiedSlots    int
}

// ExecutionNode is a topology node viewed through the lens of the sub-plans
// it currently hosts.
type ExecutionNode struct {
	NodeID   model.WorkerNodeID
	SubPlans map[model.SharedPlanID][]SubPlan
}

// GlobalExecutionPlan maps shared-plan-id -> execution-node-id -> sub-plans.
type GlobalExecutionPlan struct {
	mu    sync.RWMutex
	nodes map[model.WorkerNodeID]*ExecutionNode
}

// NewGlobalExecutionPlan creates an empty global execution plan.
func NewGlobalExecutionPlan() *GlobalExecutionPlan {
	return &GlobalExecutionPlan{
		nodes: make(map[model.WorkerNodeID]*ExecutionNode),
	}
}

// Assign records that planID's sub-plan (operators, occupied slots) now
// lives on nodeID, appended to any sub-plans that plan already has there.
func (e *GlobalExecutionPlan) Assign(planID model.SharedPlanID, nodeID model.WorkerNodeID, sub SubPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[nodeID]
	if !ok {
		node = &ExecutionNode{NodeID: nodeID, SubPlans: make(map[model.SharedPlanID][]SubPlan)}
		e.nodes[nodeID] = node
	}
	node.SubPlans[planID] = append(node.SubPlans[planID], sub)
}

// RemovePlan removes every sub-plan belonging to planID from every node,
// e.g. after the shared plan is garbage-collected.
func (e *GlobalExecutionPlan) RemovePlan(planID model.SharedPlanID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, node := range e.nodes {
		delete(node.SubPlans, planID)
	}
}

// SubPlansFor returns the sub-plans of planID on nodeID.
func (e *GlobalExecutionPlan) SubPlansFor(planID model.SharedPlanID, nodeID model.WorkerNodeID) []SubPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	node, ok := e.nodes[nodeID]
	if !ok {
		return nil
	}
	return node.SubPlans[planID]
}

// NodesHosting returns every node id currently hosting any sub-plan of
// planID.
func (e *GlobalExecutionPlan) NodesHosting(planID model.SharedPlanID) []model.WorkerNodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.WorkerNodeID
	for id, node := range e.nodes {
		if len(node.SubPlans[planID]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// OperatorLocation finds the node hosting the given operator within planID,
// if any.
func (e *GlobalExecutionPlan) OperatorLocation(planID model.SharedPlanID, opID model.OperatorID) (model.WorkerNodeID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for nodeID, node := range e.nodes {
		for _, sub := range node.SubPlans[planID] {
			for _, id := range sub.OperatorIDs {
				if id == opID {
					return nodeID, true
				}
			}
		}
	}
	return 0, false
}
