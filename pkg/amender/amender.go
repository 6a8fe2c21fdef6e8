// Package amender implements the placement amendment handler: a pool of
// worker threads that drains placement amendment instances from an
// unbounded queue and runs one of pkg/placement's strategies against either
// two-phase locking or optimistic concurrency control. The worker pool is a
// ticking-worker-with-stop-channel shape generalized from one goroutine to a
// pool of N.
package amender

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamplane/coordinator/pkg/events"
	"github.com/streamplane/coordinator/pkg/execplan"
	"github.com/streamplane/coordinator/pkg/log"
	"github.com/streamplane/coordinator/pkg/metrics"
	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/placement"
	"github.com/streamplane/coordinator/pkg/queryplan"
	"github.com/streamplane/coordinator/pkg/storagehandler"
	"github.com/streamplane/coordinator/pkg/topology"
)

// Mode selects the concurrency-control discipline the handler's workers
// commit placement results under.
type Mode string

const (
	ModePessimistic Mode = "PESSIMISTIC" // 2PL
	ModeOptimistic  Mode = "OPTIMISTIC"  // OCC
)

// CandidateResolver supplies, for one operator awaiting placement, the
// ordered topology-node path its source-to-sink route may use. It is the
// narrow interface onto the external Topology.findPathBetween /
// findAllPathBetween collaborators: the amender itself does not know how an
// operator's logical sources bind to physical nodes.
type CandidateResolver func(plan *queryplan.SharedQueryPlan, opID model.OperatorID) []model.WorkerNodeID

// CostEstimator reports the resource-slot cost of placing one operator. A nil
// estimator costs every operator 1 slot, matching placement.Context's
// default.
type CostEstimator func(plan *queryplan.SharedQueryPlan, opID model.OperatorID) int

// Instance is one dirty shared plan packaged for the amender queue: a
// reference to the plan and the amendment's own id. The plan itself carries
// its placement strategy and change-log as a snapshot handle.
type Instance struct {
	ID   string
	Plan *queryplan.SharedQueryPlan
}

// Config configures the amendment handler.
type Config struct {
	// ThreadCount is the size of the amender pool (placementAmendmentThreadCount).
	ThreadCount int
	// Mode selects 2PL or OCC (placementAmendmentMode).
	Mode Mode
	// RetryCount bounds OCC validate-and-swap retries before a plan is left
	// OPTIMIZING with its change-log intact.
	RetryCount int
	// Incremental restricts placement to change-log operators only
	// (enableIncrementalPlacement).
	Incremental bool
}

func (c Config) normalized() Config {
	if c.ThreadCount <= 0 {
		c.ThreadCount = 1
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.Mode == "" {
		c.Mode = ModePessimistic
	}
	return c
}

// Handler is the multi-threaded placement amendment handler. Start spins up
// Config.ThreadCount workers draining Enqueue'd instances; ShutDown drains
// the queue and joins them, rejecting any instance enqueued afterward.
type Handler struct {
	cfg        Config
	topo       *topology.Graph
	execPlan   *execplan.GlobalExecutionPlan
	twoPL      *storagehandler.TwoPhaseLockingStorageHandler
	occ        *storagehandler.OptimisticStorageHandler
	candidates CandidateResolver
	cost       CostEstimator
	broker     *events.Broker
	logger     zerolog.Logger

	queue *unboundedQueue

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewHandler creates an amendment handler over the given shared topology and
// execution plan, using twoPL under ModePessimistic or occ under
// ModeOptimistic (only the one matching cfg.Mode need be non-nil). candidates
// and cost may be nil; a nil candidates resolver makes every amendment fail
// placement (no node to place on), which is a caller configuration error
// rather than a normal runtime outcome.
func NewHandler(cfg Config, topo *topology.Graph, execPlan *execplan.GlobalExecutionPlan, twoPL *storagehandler.TwoPhaseLockingStorageHandler, occ *storagehandler.OptimisticStorageHandler, candidates CandidateResolver, cost CostEstimator, broker *events.Broker) *Handler {
	return &Handler{
		cfg:        cfg.normalized(),
		topo:       topo,
		execPlan:   execPlan,
		twoPL:      twoPL,
		occ:        occ,
		candidates: candidates,
		cost:       cost,
		broker:     broker,
		logger:     log.WithComponent("amender"),
		queue:      newUnboundedQueue(),
	}
}

// Start launches the worker pool. Calling it more than once is a no-op.
func (h *Handler) Start() {
	h.startOnce.Do(func() {
		for i := 0; i < h.cfg.ThreadCount; i++ {
			h.wg.Add(1)
			go h.worker()
		}
		h.logger.Info().Int("thread_count", h.cfg.ThreadCount).Str("mode", string(h.cfg.Mode)).Msg("amendment handler started")
	})
}

// Enqueue submits an amendment instance. It returns an error once ShutDown
// has been called; instances already queued are still drained.
func (h *Handler) Enqueue(inst Instance) error {
	if err := h.queue.push(inst); err != nil {
		return err
	}
	metrics.AmendmentsEnqueuedTotal.Inc()
	return nil
}

// ShutDown closes the queue, waits for every already-enqueued instance to
// drain, and joins the worker pool.
func (h *Handler) ShutDown() {
	h.queue.close()
	h.wg.Wait()
	h.logger.Info().Msg("amendment handler stopped")
}

func (h *Handler) worker() {
	defer h.wg.Done()
	for {
		inst, ok := h.queue.pop()
		if !ok {
			return
		}
		h.process(inst)
	}
}

func (h *Handler) process(inst Instance) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AmendmentDuration, string(h.cfg.Mode))

	strat, err := placement.NewStrategy(inst.Plan.Strategy)
	if err != nil {
		h.failPlacement(inst, err)
		return
	}

	switch h.cfg.Mode {
	case ModeOptimistic:
		h.runOptimistic(inst, strat)
	default:
		h.runPessimistic(inst, strat)
	}
}

// runPessimistic holds the topology and execution-plan locks, in the
// canonical order, for the whole computation and commit — the "held until
// commit" discipline of 2PL.
func (h *Handler) runPessimistic(inst Instance, strat placement.Strategy) {
	holder, err := h.twoPL.Acquire([]storagehandler.ResourceID{
		storagehandler.ResourceTopology,
		storagehandler.ResourceExecutionPlan,
	})
	if err != nil {
		h.failAcquire(inst, err)
		return
	}
	defer holder.Release()

	ctx := h.buildContext(inst.Plan, h.topo.Clone())
	result, err := strat.Place(ctx)
	if err != nil {
		h.failPlacement(inst, err)
		return
	}

	if err := h.commit(inst, ctx, result); err != nil {
		h.failPlacement(inst, err)
		return
	}
	h.succeed(inst, result)
}

// runOptimistic snapshots resource versions, computes the placement against
// a topology clone without holding write locks, then attempts a short
// validate-and-swap commit. On a version mismatch it retries up to
// Config.RetryCount before leaving the plan OPTIMIZING with its change-log
// intact.
func (h *Handler) runOptimistic(inst Instance, strat placement.Strategy) {
	touched := []storagehandler.ResourceID{
		storagehandler.ResourceTopology,
		storagehandler.ResourceExecutionPlan,
	}

	for attempt := 0; attempt <= h.cfg.RetryCount; attempt++ {
		snap := h.occ.Snapshot()
		ctx := h.buildContext(inst.Plan, h.topo.Clone())
		result, err := strat.Place(ctx)
		if err != nil {
			h.failPlacement(inst, err)
			return
		}

		var commitErr error
		committed, err := h.occ.ValidateAndCommit(snap, touched, func() error {
			commitErr = h.commit(inst, ctx, result)
			return commitErr
		})
		if err != nil {
			h.failPlacement(inst, err)
			return
		}
		if committed {
			h.succeed(inst, result)
			return
		}
		metrics.OCCRetriesTotal.Inc()
	}

	metrics.OCCExhaustedTotal.Inc()
	inst.Plan.SetStatus(model.PlanOptimizing)
	h.logger.Warn().Str("amendment_id", inst.ID).Str("shared_plan_id", inst.Plan.ID.String()).Msg("occ retries exhausted, plan left optimizing with change-log preserved")
	h.publish(events.EventAmendmentOptimizing, inst, "occ retries exhausted")
}

// buildContext assembles a placement.Context for inst.Plan's currently
// pending operators, restricted to the change-log's operator set under
// incremental placement.
func (h *Handler) buildContext(plan *queryplan.SharedQueryPlan, snapshotTopo *topology.Graph) placement.Context {
	var pending []model.OperatorID
	if h.cfg.Incremental {
		pending = plan.DAG.PendingOperatorIDsFromChangeLog()
	} else {
		pending = plan.DAG.PendingOperatorIDs()
	}

	candidates := make(map[model.OperatorID][]model.WorkerNodeID, len(pending))
	cost := make(map[model.OperatorID]int, len(pending))
	for _, id := range pending {
		if h.candidates != nil {
			candidates[id] = h.candidates(plan, id)
		}
		if h.cost != nil {
			cost[id] = h.cost(plan, id)
		}
	}

	return placement.Context{
		DAG:                plan.DAG,
		Topology:           snapshotTopo,
		Candidates:         candidates,
		Cost:               cost,
		Incremental:        h.cfg.Incremental,
		ChangeLogOperators: pending,
	}
}

// commit applies a computed result onto the live topology, execution plan
// and operator DAG: the atomic per-amendment commit step the storage handler
// is responsible for. It is only ever called from inside a held 2PL lock or
// an OCC validate-and-swap critical section.
func (h *Handler) commit(inst Instance, ctx placement.Context, result placement.Result) error {
	for opID, nodeID := range result.Placements {
		cost := ctx.CostOf(opID)
		if err := h.topo.DecrementSlots(nodeID, cost); err != nil {
			return fmt.Errorf("amender: commit placement of %s on %s: %w", opID, nodeID, err)
		}
		h.execPlan.Assign(inst.Plan.ID, nodeID, execplan.SubPlan{
			OperatorIDs:   []model.OperatorID{opID},
			OccupiedSlots: cost,
		})
	}

	inst.Plan.DAG.ApplyAmendmentResult()
	inst.Plan.DAG.ConsumeChangeLog()
	if inst.Plan.GetStatus() != model.PlanStopped {
		inst.Plan.SetStatus(model.PlanDeployed)
	}
	return nil
}

// failAcquire handles a resource-acquisition failure, surfaced as a
// transient error and leaving the plan's state untouched so the caller may
// resubmit.
func (h *Handler) failAcquire(inst Instance, err error) {
	h.logger.Error().Str("amendment_id", inst.ID).Err(err).Msg("amendment storage acquisition failed")
}

// failPlacement handles a topology inconsistency, such as a removal that
// orphans a source with no alternative path: the shared plan stays
// OPTIMIZING with its change-log preserved so a later batch can retry.
func (h *Handler) failPlacement(inst Instance, err error) {
	h.logger.Error().Str("amendment_id", inst.ID).Str("shared_plan_id", inst.Plan.ID.String()).Err(err).Msg("amendment placement failed")
	inst.Plan.SetStatus(model.PlanOptimizing)
	h.publish(events.EventAmendmentOptimizing, inst, err.Error())
}

func (h *Handler) succeed(inst Instance, result placement.Result) {
	metrics.AmendmentsCommittedTotal.WithLabelValues(string(h.cfg.Mode), string(inst.Plan.Strategy)).Inc()
	h.logger.Info().
		Str("amendment_id", inst.ID).
		Str("shared_plan_id", inst.Plan.ID.String()).
		Int("placements", len(result.Placements)).
		Msg("amendment committed")
	h.publish(events.EventAmendmentCommitted, inst, "")
}

func (h *Handler) publish(kind events.EventType, inst Instance, msg string) {
	if h.broker == nil {
		return
	}
	h.broker.Publish(&events.Event{
		ID:           inst.ID,
		Type:         kind,
		SharedPlanID: inst.Plan.ID.String(),
		Message:      msg,
	})
}
