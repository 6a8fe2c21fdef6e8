// Package coordinator wires the query-plan coordination core's packages
// into one runtime: topology, catalog, global query plan, execution plan,
// update phase and placement amender, in a Config/New/Start/Shutdown
// lifecycle.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamplane/coordinator/pkg/amender"
	"github.com/streamplane/coordinator/pkg/catalog"
	"github.com/streamplane/coordinator/pkg/config"
	"github.com/streamplane/coordinator/pkg/events"
	"github.com/streamplane/coordinator/pkg/execplan"
	"github.com/streamplane/coordinator/pkg/log"
	"github.com/streamplane/coordinator/pkg/merger"
	"github.com/streamplane/coordinator/pkg/metrics"
	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/queryplan"
	"github.com/streamplane/coordinator/pkg/request"
	"github.com/streamplane/coordinator/pkg/storagehandler"
	"github.com/streamplane/coordinator/pkg/topology"
	"github.com/streamplane/coordinator/pkg/updatephase"
)

// Coordinator is the assembled runtime: one update phase serializing
// batches, one amendment handler pool draining the plans each batch leaves
// dirty, and the shared topology/catalog/execution-plan state both consult.
type Coordinator struct {
	cfg config.Config

	Topology  *topology.Graph
	Catalog   *catalog.Store
	GlobalPlan *queryplan.GlobalQueryPlan
	ExecPlan  *execplan.GlobalExecutionPlan
	Broker    *events.Broker

	storage *storagehandler.TwoPhaseLockingStorageHandler
	occ     *storagehandler.OptimisticStorageHandler
	phase   *updatephase.Phase
	amend   *amender.Handler

	logger zerolog.Logger

	mu      sync.Mutex
	started bool
}

// New assembles a coordinator from cfg: opens the catalog store, installs
// the topology root, and constructs the global query plan, execution plan,
// update phase and placement amender over them. It does not start the
// amender pool or event broker; call Start for that.
func New(cfg config.Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := catalog.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open catalog: %w", err)
	}

	topo := topology.NewGraph()
	if err := topo.AddRoot(cfg.RootNodeID, cfg.RootHost, cfg.RootPort, cfg.RootSlots); err != nil {
		store.Close()
		return nil, fmt.Errorf("coordinator: install topology root: %w", err)
	}

	rule, err := merger.NewRule(cfg.QueryMergerRule, nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("coordinator: construct merger rule: %w", err)
	}

	globalPlan := queryplan.NewGlobalQueryPlan(rule)
	execPlan := execplan.NewGlobalExecutionPlan()
	broker := events.NewBroker()
	twoPL := storagehandler.NewTwoPhaseLockingStorageHandler()

	c := &Coordinator{
		cfg:        cfg,
		Topology:   topo,
		Catalog:    store,
		GlobalPlan: globalPlan,
		ExecPlan:   execPlan,
		Broker:     broker,
		storage:    twoPL,
		logger:     log.WithComponent("coordinator"),
	}

	c.phase = updatephase.New(globalPlan, topo, twoPL, c.linkRemovalProbe, c.nodeRemovalProbe, c.hostsSource)

	var occ *storagehandler.OptimisticStorageHandler
	if cfg.PlacementAmendmentMode == amender.ModeOptimistic {
		occ = storagehandler.NewOptimisticStorageHandler()
	}
	c.occ = occ

	c.amend = amender.NewHandler(amender.Config{
		ThreadCount: cfg.PlacementAmendmentThreadCount,
		Mode:        cfg.PlacementAmendmentMode,
		RetryCount:  cfg.PlacementAmendmentRetryCount,
		Incremental: cfg.EnableIncrementalPlacement,
	}, topo, execPlan, twoPL, occ, c.defaultCandidates, c.defaultCost, broker)

	return c, nil
}

// Start launches the event broker and amendment handler pool. Calling it
// more than once is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.Broker.Start()
	c.amend.Start()
	c.logger.Info().Str("listen_addr", c.cfg.ListenAddr).Msg("coordinator started")
}

// Shutdown stops the amendment handler pool, the event broker, and closes
// the catalog store.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.amend.ShutDown()
		c.Broker.Stop()
		c.started = false
	}
	if err := c.Catalog.Close(); err != nil {
		return fmt.Errorf("coordinator: close catalog: %w", err)
	}
	c.logger.Info().Msg("coordinator stopped")
	return nil
}

// SubmitBatch runs one request batch through the update phase, then
// enqueues every shared plan the batch left dirty (a non-empty change-log,
// or newly STOPPED) onto the amendment handler for placement.
func (c *Coordinator) SubmitBatch(batch []request.Command) error {
	if _, err := c.phase.Execute(batch); err != nil {
		c.Broker.Publish(&events.Event{Type: events.EventBatchRejected, Message: err.Error()})
		return err
	}

	for _, plan := range c.GlobalPlan.GetSharedQueryPlansToDeploy() {
		if err := c.amend.Enqueue(amender.Instance{ID: plan.ID.String(), Plan: plan}); err != nil {
			c.logger.Error().Str("shared_plan_id", plan.ID.String()).Err(err).Msg("failed to enqueue dirty plan for amendment")
		}
	}
	return nil
}

// Reap garbage-collects FAILED/STOPPED shared plans and their execution-plan
// state, returning how many were removed.
func (c *Coordinator) Reap() int {
	removed := 0
	for _, plan := range c.GlobalPlan.AllPlans() {
		if plan.GetStatus().IsTerminal() {
			c.ExecPlan.RemovePlan(plan.ID)
		}
	}
	removed = c.GlobalPlan.RemoveFailedOrStoppedSharedQueryPlans()
	return removed
}

// defaultCandidates supplies the amender's CandidateResolver when the caller
// configures none of its own: it has no binding from an operator to the
// logical source(s) that feed it (that binding lives in the external
// SourceCatalog collaborator, see pkg/catalog), so it conservatively offers
// every leaf-to-root path in the topology as the operator's placement
// corridor, leaf (edge) nodes first.
func (c *Coordinator) defaultCandidates(plan *queryplan.SharedQueryPlan, opID model.OperatorID) []model.WorkerNodeID {
	root, ok := c.Topology.RootID()
	if !ok {
		return nil
	}
	seen := make(map[model.WorkerNodeID]bool)
	var path []model.WorkerNodeID
	for _, leaf := range c.Topology.Leaves() {
		for _, id := range c.Topology.FindPathBetween(leaf, root) {
			if !seen[id] {
				seen[id] = true
				path = append(path, id)
			}
		}
	}
	return path
}

// defaultCost costs every operator 1 slot, the same default placement.Context
// applies when its Cost map carries no entry.
func (c *Coordinator) defaultCost(plan *queryplan.SharedQueryPlan, opID model.OperatorID) int {
	return 1
}

// hostsSource reports whether nodeID currently hosts a PLACED source
// operator of any shared plan, consulted by topology.Graph.RemoveNode to
// preserve the "removal never orphans a source" invariant.
func (c *Coordinator) hostsSource(nodeID model.WorkerNodeID) bool {
	for _, plan := range c.GlobalPlan.AllPlans() {
		for _, srcID := range plan.DAG.Sources() {
			if loc, ok := c.ExecPlan.OperatorLocation(plan.ID, srcID); ok && loc == nodeID {
				return true
			}
		}
	}
	return false
}

// linkRemovalProbe implements updatephase.LinkRemovalProbe: it reports which
// placed operators of planID have their output crossing the upstream-node to
// downstream-node link, and the placed operator immediately across that link
// on each one's path toward a sink.
func (c *Coordinator) linkRemovalProbe(planID model.SharedPlanID, upstreamNode, downstreamNode model.WorkerNodeID) ([]model.OperatorID, map[model.OperatorID]model.OperatorID) {
	plan, ok := c.GlobalPlan.Plan(planID)
	if !ok {
		return nil, nil
	}

	var affected []model.OperatorID
	nextTowardSink := make(map[model.OperatorID]model.OperatorID)

	for _, sub := range upstreamOperators(c.ExecPlan, planID, upstreamNode) {
		op, ok := plan.DAG.Get(sub)
		if !ok {
			continue
		}
		for downID := range op.Downstream {
			if loc, ok := c.ExecPlan.OperatorLocation(planID, downID); ok && loc == downstreamNode {
				affected = append(affected, sub)
				nextTowardSink[sub] = downID
			}
		}
	}
	return affected, nextTowardSink
}

func upstreamOperators(execPlan *execplan.GlobalExecutionPlan, planID model.SharedPlanID, nodeID model.WorkerNodeID) []model.OperatorID {
	var out []model.OperatorID
	for _, sub := range execPlan.SubPlansFor(planID, nodeID) {
		out = append(out, sub.OperatorIDs...)
	}
	return out
}

// nodeRemovalProbe implements updatephase.NodeRemovalProbe: it reports the
// first shared plan with an operator placed on nodeID, that operator's id
// (the TO_BE_REPLACED candidate), and its placed upstream/downstream
// neighbors.
func (c *Coordinator) nodeRemovalProbe(nodeID model.WorkerNodeID) (model.SharedPlanID, model.OperatorID, []model.OperatorID, []model.OperatorID, bool) {
	for _, plan := range c.GlobalPlan.AllPlans() {
		hosted := upstreamOperators(c.ExecPlan, plan.ID, nodeID)
		if len(hosted) == 0 {
			continue
		}
		replaced := hosted[0]
		op, ok := plan.DAG.Get(replaced)
		if !ok {
			continue
		}
		var upstream, downstream []model.OperatorID
		for id := range op.Upstream {
			upstream = append(upstream, id)
		}
		for id := range op.Downstream {
			downstream = append(downstream, id)
		}
		return plan.ID, replaced, upstream, downstream, true
	}
	return 0, 0, nil, nil, false
}

// RefreshMetrics recomputes the shared-plan-count and change-log-depth
// gauges from current state. Intended to run on a periodic tick alongside
// Reap.
func (c *Coordinator) RefreshMetrics() {
	counts := map[model.SharedPlanStatus]int{}
	changeLogDepth := map[model.SharedPlanStatus]int{}
	plans := c.GlobalPlan.AllPlans()
	for _, p := range plans {
		status := p.GetStatus()
		counts[status]++
		changeLogDepth[status] += len(p.GetChangeLogEntries(maxTimestamp))
	}
	for status, n := range counts {
		metrics.SharedPlansTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	for status, n := range changeLogDepth {
		metrics.ChangeLogEntriesTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	hosted := 0
	for _, p := range plans {
		hosted += len(p.HostedQueryIDs())
	}
	metrics.HostedQueriesTotal.Set(float64(hosted))
}

const maxTimestamp = int64(1<<63 - 1)
