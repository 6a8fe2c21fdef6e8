// Package placement implements the three placement strategies (spec
// component C11) that turn a shared plan's pending operators into topology
// node assignments, consuming the topology's remaining slots as the one
// shared mutable resource they write.
package placement

import (
	"fmt"
	"sort"

	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
	"github.com/streamplane/coordinator/pkg/topology"
)

// Context is everything one amendment's placement computation needs.
type Context struct {
	DAG      *operator.DAG
	Topology *topology.Graph

	// Candidates maps each operator awaiting placement to the ordered set
	// of topology nodes its source-to-sink path may use, nearest-source
	// first. The external deployment/topology layer supplies this from
	// Topology.FindPathBetween.
	Candidates map[model.OperatorID][]model.WorkerNodeID

	// Cost is the resource-slot cost of placing one operator; operators
	// absent from the map cost 1.
	Cost map[model.OperatorID]int

	// Incremental restricts placement to the operators named in
	// ChangeLogOperators; PLACED-and-untouched operators are left alone
	// and their resources are not re-accounted.
	Incremental        bool
	ChangeLogOperators []model.OperatorID
}

func (c Context) cost(id model.OperatorID) int {
	if v, ok := c.Cost[id]; ok {
		return v
	}
	return 1
}

// CostOf returns the resource-slot cost configured for id, or the default of
// 1 if Cost carries no entry for it. Exported so the amendment handler can
// apply the same accounting it used during Place() when it later commits the
// result onto the live topology.
func (c Context) CostOf(id model.OperatorID) int {
	return c.cost(id)
}

// Result is the set of node assignments one strategy run produced.
type Result struct {
	Placements map[model.OperatorID]model.WorkerNodeID
}

// Strategy computes topology-node assignments for a shared plan's pending
// operators.
type Strategy interface {
	Name() model.PlacementStrategy
	Place(ctx Context) (Result, error)
}

// NewStrategy returns the strategy implementation for name.
func NewStrategy(name model.PlacementStrategy) (Strategy, error) {
	switch name {
	case model.PlacementBottomUp:
		return bottomUp{}, nil
	case model.PlacementTopDown:
		return topDown{}, nil
	case model.PlacementManual:
		return manual{}, nil
	default:
		return nil, fmt.Errorf("placement: unknown strategy %q", name)
	}
}

// operatorsToPlace returns the operator ids this run should place: either
// every TO_BE_PLACED/TO_BE_REPLACED operator in the DAG, in ascending id
// order, or (incremental mode) only those named by the change-log.
func operatorsToPlace(ctx Context) []model.OperatorID {
	if ctx.Incremental {
		return ctx.ChangeLogOperators
	}
	ids := ctx.DAG.PendingOperatorIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// bottomUp walks each operator's source-to-sink candidate path and pins it
// on the lowest (nearest-source) node with enough remaining slots, crossing
// links toward the sink only once a node's capacity is exhausted.
type bottomUp struct{}

func (bottomUp) Name() model.PlacementStrategy { return model.PlacementBottomUp }

func (bottomUp) Place(ctx Context) (Result, error) {
	result := Result{Placements: make(map[model.OperatorID]model.WorkerNodeID)}
	for _, opID := range operatorsToPlace(ctx) {
		path := ctx.Candidates[opID]
		nodeID, err := placeAlong(ctx, opID, path)
		if err != nil {
			return Result{}, err
		}
		result.Placements[opID] = nodeID
	}
	return result, nil
}

// topDown walks each path from the sink side, preferring to keep operators
// upstream (closer to sources) by trying the far end of the path first.
type topDown struct{}

func (topDown) Name() model.PlacementStrategy { return model.PlacementTopDown }

func (topDown) Place(ctx Context) (Result, error) {
	result := Result{Placements: make(map[model.OperatorID]model.WorkerNodeID)}
	for _, opID := range operatorsToPlace(ctx) {
		path := ctx.Candidates[opID]
		reversed := make([]model.WorkerNodeID, len(path))
		for i, n := range path {
			reversed[len(path)-1-i] = n
		}
		nodeID, err := placeAlong(ctx, opID, reversed)
		if err != nil {
			return Result{}, err
		}
		result.Placements[opID] = nodeID
	}
	return result, nil
}

func placeAlong(ctx Context, opID model.OperatorID, path []model.WorkerNodeID) (model.WorkerNodeID, error) {
	cost := ctx.cost(opID)
	for _, nodeID := range path {
		n, ok := ctx.Topology.Node(nodeID)
		if !ok {
			continue
		}
		if n.Slots >= cost {
			if err := ctx.Topology.DecrementSlots(nodeID, cost); err != nil {
				continue
			}
			return nodeID, nil
		}
	}
	return 0, fmt.Errorf("placement: no node on path for operator %s has %d free slots", opID, cost)
}

// manual validates that every operator's pinned node has capacity; it never
// chooses a node itself.
type manual struct{}

func (manual) Name() model.PlacementStrategy { return model.PlacementManual }

func (manual) Place(ctx Context) (Result, error) {
	result := Result{Placements: make(map[model.OperatorID]model.WorkerNodeID)}
	for _, opID := range operatorsToPlace(ctx) {
		op, ok := ctx.DAG.Get(opID)
		if !ok {
			return Result{}, fmt.Errorf("placement: operator %s not found", opID)
		}
		if op.PinnedNodeID == nil {
			return Result{}, fmt.Errorf("placement: manual strategy requires %s to carry a pinned node id", opID)
		}
		cost := ctx.cost(opID)
		if err := ctx.Topology.DecrementSlots(*op.PinnedNodeID, cost); err != nil {
			return Result{}, fmt.Errorf("placement: pinned node for %s: %w", opID, err)
		}
		result.Placements[opID] = *op.PinnedNodeID
	}
	return result, nil
}
