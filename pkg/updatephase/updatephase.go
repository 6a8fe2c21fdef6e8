// Package updatephase implements the global query plan update phase: the
// transactional entry point that validates a batch of requests, applies
// each to the shared-plan forest, and returns the updated global query plan,
// from which the caller takes the shared plans now due for deployment.
package updatephase

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/streamplane/coordinator/pkg/log"
	"github.com/streamplane/coordinator/pkg/metrics"
	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
	"github.com/streamplane/coordinator/pkg/queryplan"
	"github.com/streamplane/coordinator/pkg/request"
	"github.com/streamplane/coordinator/pkg/storagehandler"
	"github.com/streamplane/coordinator/pkg/topology"
)

// UpdateError is the Go shape of GlobalQueryPlanUpdateException: it
// identifies which request in the batch caused the rejection.
type UpdateError struct {
	RequestID string
	Reason    string
	Err       error
}

func (e *UpdateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("updatephase: request %s rejected: %s: %v", e.RequestID, e.Reason, e.Err)
	}
	return fmt.Sprintf("updatephase: request %s rejected: %s", e.RequestID, e.Reason)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// LinkRemovalProbe lets the caller (which owns placement/deployment state)
// tell the update phase which operators are actually affected by a topology
// mutation, since that requires knowing current placement — an external
// concern the operator DAG alone does not track.
type LinkRemovalProbe func(planID model.SharedPlanID, upstreamNode, downstreamNode model.WorkerNodeID) (affected []model.OperatorID, nextTowardSink map[model.OperatorID]model.OperatorID)

// NodeRemovalProbe reports, for a node removal, which shared plan had a
// TO_BE_REPLACED-eligible operator on that node and the surrounding
// boundary operators, if any.
type NodeRemovalProbe func(nodeID model.WorkerNodeID) (planID model.SharedPlanID, replaced model.OperatorID, upstream, downstream []model.OperatorID, ok bool)

// Phase is the update phase's runtime: the single-threaded entry point that
// serializes batches against the global query plan and topology.
type Phase struct {
	globalPlan *queryplan.GlobalQueryPlan
	topo       *topology.Graph
	storage    *storagehandler.TwoPhaseLockingStorageHandler
	logger     zerolog.Logger

	linkProbe   LinkRemovalProbe
	nodeProbe   NodeRemovalProbe
	hostsSource func(model.WorkerNodeID) bool
}

// New creates an update phase over the given global query plan and
// topology, using handler to acquire the resources each batch touches.
// hostsSource reports whether a topology node currently hosts a PLACED
// source operator, used to reject node removals that would orphan a source
// and break the "removal preserves connectedness" invariant; it may be nil
// if the caller never expects source-hosting removals.
func New(globalPlan *queryplan.GlobalQueryPlan, topo *topology.Graph, handler *storagehandler.TwoPhaseLockingStorageHandler, linkProbe LinkRemovalProbe, nodeProbe NodeRemovalProbe, hostsSource func(model.WorkerNodeID) bool) *Phase {
	return &Phase{
		globalPlan:  globalPlan,
		topo:        topo,
		storage:     handler,
		logger:      log.WithComponent("updatephase"),
		linkProbe:   linkProbe,
		nodeProbe:   nodeProbe,
		hostsSource: hostsSource,
	}
}

// Execute validates and applies one batch atomically: a snapshot of the
// global query plan and topology is taken before any mutation, and any
// command's failure reverts every mutation the batch already made to that
// snapshot before Execute returns its error, so the caller always observes
// the batch as a whole either fully applied or fully rejected.
func (p *Phase) Execute(batch []request.Command) (*queryplan.GlobalQueryPlan, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UpdatePhaseBatchDuration)

	holder, err := p.storage.Acquire([]storagehandler.ResourceID{
		storagehandler.ResourceTopology,
		storagehandler.ResourceQueryCatalog,
	})
	if err != nil {
		return nil, fmt.Errorf("updatephase: acquire storage: %w", err)
	}
	defer holder.Release()

	if err := p.validateBatch(batch); err != nil {
		metrics.UpdatePhaseBatchesRejected.Inc()
		return nil, err
	}

	planSnapshot := p.globalPlan.Clone()
	topoSnapshot := p.topo.Clone()

	for _, cmd := range batch {
		if err := p.apply(cmd); err != nil {
			p.globalPlan.RestoreFrom(planSnapshot)
			p.topo.RestoreFrom(topoSnapshot)
			metrics.UpdatePhaseBatchesRejected.Inc()
			metrics.UpdatePhaseRequestsTotal.WithLabelValues(string(cmd.Kind), "rejected").Inc()
			return nil, err
		}
		metrics.UpdatePhaseRequestsTotal.WithLabelValues(string(cmd.Kind), "accepted").Inc()
	}

	return p.globalPlan, nil
}

// validateBatch rejects the whole batch before any mutation if it contains
// duplicate or invalid query ids.
func (p *Phase) validateBatch(batch []request.Command) error {
	seen := make(map[model.QueryID]bool)
	for _, cmd := range batch {
		if cmd.Kind != request.KindAddQuery {
			continue
		}
		var add request.AddQueryRequest
		if err := json.Unmarshal(cmd.Data, &add); err != nil {
			return &UpdateError{RequestID: cmd.RequestID, Reason: "malformed add-query payload", Err: err}
		}
		if add.QueryID == model.InvalidQueryID {
			return &UpdateError{RequestID: cmd.RequestID, Reason: "invalid query id"}
		}
		if seen[add.QueryID] {
			return &UpdateError{RequestID: cmd.RequestID, Reason: "duplicate query id within batch"}
		}
		seen[add.QueryID] = true
	}
	return nil
}

func (p *Phase) apply(cmd request.Command) error {
	switch cmd.Kind {
	case request.KindAddQuery:
		return p.applyAddQuery(cmd)
	case request.KindStopQuery:
		return p.applyStopQuery(cmd)
	case request.KindRemoveTopologyLink:
		return p.applyRemoveLink(cmd)
	case request.KindRemoveTopologyNode:
		return p.applyRemoveNode(cmd)
	case request.KindISQPBatch:
		return p.applyISQPBatch(cmd)
	default:
		return &UpdateError{RequestID: cmd.RequestID, Reason: fmt.Sprintf("unknown request kind %q", cmd.Kind)}
	}
}

// ISQPEventOutcome reports one event's own success/failure within an ISQP
// batch, since the batch itself is applied event-by-event rather than
// atomically.
type ISQPEventOutcome struct {
	Kind  request.ISQPEventKind
	Index int
	Err   error
}

// applyISQPBatch applies an ISQP event list sequentially; a later event's
// failure never undoes an earlier one in the same batch. Unlike every other
// request kind, this never fails the enclosing atomic Execute batch — each
// event's outcome is logged and counted instead.
func (p *Phase) applyISQPBatch(cmd request.Command) error {
	var batch request.ISQPBatch
	if err := json.Unmarshal(cmd.Data, &batch); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "malformed isqp batch payload", Err: err}
	}

	for i, event := range batch.Events {
		err := p.applyISQPEvent(cmd.RequestID, event)
		outcome := "accepted"
		if err != nil {
			outcome = "rejected"
			p.logger.Warn().
				Str("request_id", cmd.RequestID).
				Int("event_index", i).
				Str("event_kind", string(event.Kind)).
				Err(err).
				Msg("isqp event failed, continuing with remaining events")
		}
		metrics.UpdatePhaseRequestsTotal.WithLabelValues(string(event.Kind), outcome).Inc()
	}
	return nil
}

func (p *Phase) applyISQPEvent(requestID string, event request.ISQPEvent) error {
	switch event.Kind {
	case request.ISQPAddNode:
		var add request.ISQPAddNodeRequest
		if err := json.Unmarshal(event.Data, &add); err != nil {
			return fmt.Errorf("malformed add-node payload: %w", err)
		}
		return p.topo.AddNode(add.NodeID, add.Host, add.Port, add.Slots, add.ParentID)
	case request.ISQPAddLink:
		var add request.ISQPAddLinkRequest
		if err := json.Unmarshal(event.Data, &add); err != nil {
			return fmt.Errorf("malformed add-link payload: %w", err)
		}
		return p.topo.AddLink(add.UpstreamID, add.DownstreamID)
	case request.ISQPAddLinkProperty:
		var add request.ISQPAddLinkPropertyRequest
		if err := json.Unmarshal(event.Data, &add); err != nil {
			return fmt.Errorf("malformed add-link-property payload: %w", err)
		}
		return p.topo.AddLinkProperty(add.UpstreamID, add.DownstreamID, topology.LinkProperty{
			BandwidthMbps: add.BandwidthMbps,
			LatencyMicros: add.LatencyMicros,
		})
	case request.ISQPRemoveLink:
		return p.applyRemoveLink(request.Command{Kind: request.KindRemoveTopologyLink, RequestID: requestID, Data: event.Data})
	case request.ISQPRemoveNode:
		return p.applyRemoveNode(request.Command{Kind: request.KindRemoveTopologyNode, RequestID: requestID, Data: event.Data})
	case request.ISQPAddQuery:
		return p.applyAddQuery(request.Command{Kind: request.KindAddQuery, RequestID: requestID, Data: event.Data})
	case request.ISQPRemoveQuery:
		return p.applyStopQuery(request.Command{Kind: request.KindStopQuery, RequestID: requestID, Data: event.Data})
	default:
		return fmt.Errorf("unknown isqp event kind %q", event.Kind)
	}
}

func (p *Phase) applyAddQuery(cmd request.Command) error {
	var add request.AddQueryRequest
	if err := json.Unmarshal(cmd.Data, &add); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "malformed add-query payload", Err: err}
	}

	dag, err := buildDAG(add.Plan)
	if err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "invalid query plan", Err: err}
	}

	result, err := p.globalPlan.AddQueryPlan(add.QueryID, dag, add.Strategy)
	if err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "add query plan failed", Err: err}
	}

	p.logger.Info().
		Str("request_id", cmd.RequestID).
		Uint64("query_id", uint64(add.QueryID)).
		Uint64("shared_plan_id", uint64(result.PlanID)).
		Bool("merged", result.Merged).
		Msg("query accepted")
	return nil
}

func buildDAG(spec request.QueryPlanSpec) (*operator.DAG, error) {
	dag := operator.NewDAG()
	idMap := make(map[int]model.OperatorID, len(spec.Operators))
	for _, o := range spec.Operators {
		id := dag.AddOperator(o.Kind, o.InputSchema, o.OutputSchema)
		idMap[o.LocalID] = id
		if o.PinnedNodeID != nil {
			op, _ := dag.Get(id)
			op.PinnedNodeID = o.PinnedNodeID
		}
	}
	for _, e := range spec.Edges {
		up, ok := idMap[e.UpstreamLocalID]
		if !ok {
			return nil, fmt.Errorf("edge references unknown local id %d", e.UpstreamLocalID)
		}
		down, ok := idMap[e.DownstreamLocalID]
		if !ok {
			return nil, fmt.Errorf("edge references unknown local id %d", e.DownstreamLocalID)
		}
		if err := dag.Link(up, down); err != nil {
			return nil, err
		}
	}
	return dag, nil
}

func (p *Phase) applyStopQuery(cmd request.Command) error {
	var stop request.StopQueryRequest
	if err := json.Unmarshal(cmd.Data, &stop); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "malformed stop-query payload", Err: err}
	}
	if err := p.globalPlan.StopQuery(stop.QueryID); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "stop query failed", Err: err}
	}
	p.logger.Info().Str("request_id", cmd.RequestID).Uint64("query_id", uint64(stop.QueryID)).Msg("query stopped")
	return nil
}

func (p *Phase) applyRemoveLink(cmd request.Command) error {
	var rm request.RemoveTopologyLinkRequest
	if err := json.Unmarshal(cmd.Data, &rm); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "malformed link-removal payload", Err: err}
	}

	for _, plan := range p.globalPlan.AllPlans() {
		var affected []model.OperatorID
		var nextTowardSink map[model.OperatorID]model.OperatorID
		if p.linkProbe != nil {
			affected, nextTowardSink = p.linkProbe(plan.ID, rm.UpstreamID, rm.DownstreamID)
		}
		plan.DAG.RecordLinkRemoval(affected, nextTowardSink)
	}

	if err := p.topo.RemoveLink(rm.UpstreamID, rm.DownstreamID); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "topology link removal failed", Err: err}
	}
	return nil
}

func (p *Phase) applyRemoveNode(cmd request.Command) error {
	var rm request.RemoveTopologyNodeRequest
	if err := json.Unmarshal(cmd.Data, &rm); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "malformed node-removal payload", Err: err}
	}

	if p.nodeProbe != nil {
		if planID, replaced, upstream, downstream, ok := p.nodeProbe(rm.NodeID); ok {
			plan, found := p.globalPlan.Plan(planID)
			if found {
				if _, err := plan.DAG.RecordNodeRemovalReplacement(replaced, upstream, downstream); err != nil {
					return &UpdateError{RequestID: cmd.RequestID, Reason: "node removal replacement failed", Err: err}
				}
			}
		}
	}

	if err := p.topo.RemoveNode(rm.NodeID, p.hostsSource); err != nil {
		return &UpdateError{RequestID: cmd.RequestID, Reason: "topology node removal failed", Err: err}
	}
	return nil
}
