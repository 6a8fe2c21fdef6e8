// Package queryplan implements the shared query plan (C3) and the global
// query plan forest that indexes them (C4), plus the query-merger dispatch
// that decides whether an incoming query fuses into an existing plan.
package queryplan

import (
	"fmt"
	"sync"

	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
	"github.com/streamplane/coordinator/pkg/merger"
)

// SharedQueryPlan is one merged logical plan hosting one or more client
// queries that share common sub-expressions.
type SharedQueryPlan struct {
	ID       model.SharedPlanID
	DAG      *operator.DAG
	Strategy model.PlacementStrategy
	Status   model.SharedPlanStatus

	mu           sync.RWMutex
	hostedQueries map[model.QueryID]bool
}

func newSharedQueryPlan(id model.SharedPlanID, strategy model.PlacementStrategy) *SharedQueryPlan {
	return &SharedQueryPlan{
		ID:            id,
		DAG:           operator.NewDAG(),
		Strategy:      strategy,
		Status:        model.PlanCreated,
		hostedQueries: make(map[model.QueryID]bool),
	}
}

// HostedQueryIDs returns the set of query ids currently hosted by this plan.
func (p *SharedQueryPlan) HostedQueryIDs() []model.QueryID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.QueryID, 0, len(p.hostedQueries))
	for id := range p.hostedQueries {
		out = append(out, id)
	}
	return out
}

// GetChangeLogEntries returns this plan's change-log entries up to upToTs.
func (p *SharedQueryPlan) GetChangeLogEntries(upToTs int64) []operator.ChangeLogEntry {
	return p.DAG.GetChangeLogEntries(upToTs)
}

func (p *SharedQueryPlan) hostQuery(id model.QueryID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostedQueries[id] = true
	if p.Status == model.PlanCreated || p.Status == model.PlanUpdated {
		p.Status = model.PlanUpdated
	}
}

// unhostQuery removes a query from this plan. It returns true if this was
// the plan's last hosted query, in which case the caller should mark the
// plan STOPPED.
func (p *SharedQueryPlan) unhostQuery(id model.QueryID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hostedQueries, id)
	return len(p.hostedQueries) == 0
}

// SetStatus transitions the plan's status, used by the placement amendment
// handler to record DEPLOYED/FAILED/OPTIMIZING outcomes once it owns the
// plan's placement right.
func (p *SharedQueryPlan) SetStatus(status model.SharedPlanStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = status
}

// GetStatus returns the plan's current status.
func (p *SharedQueryPlan) GetStatus() model.SharedPlanStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Status
}

// clone returns a deep, independently-mutable copy of p, same id.
func (p *SharedQueryPlan) clone() *SharedQueryPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cp := &SharedQueryPlan{
		ID:            p.ID,
		DAG:           p.DAG.Clone(),
		Strategy:      p.Strategy,
		Status:        p.Status,
		hostedQueries: make(map[model.QueryID]bool, len(p.hostedQueries)),
	}
	for id := range p.hostedQueries {
		cp.hostedQueries[id] = true
	}
	return cp
}

// restoreFrom overwrites p's contents with a deep copy of snapshot's,
// keeping p's own pointer and DAG-pointer identity so that any collaborator
// already holding a reference to p (or p.DAG) observes the reverted state.
func (p *SharedQueryPlan) restoreFrom(snapshot *SharedQueryPlan) {
	cp := snapshot.clone()

	p.mu.Lock()
	p.Strategy = cp.Strategy
	p.Status = cp.Status
	p.hostedQueries = cp.hostedQueries
	p.mu.Unlock()

	p.DAG.RestoreFrom(cp.DAG)
}

// GlobalQueryPlan is the forest of shared plans plus the query-id index.
type GlobalQueryPlan struct {
	mu sync.RWMutex

	mergerRule merger.Rule
	plans      map[model.SharedPlanID]*SharedQueryPlan
	queryIndex map[model.QueryID]model.SharedPlanID
	nextPlanID model.SharedPlanID
}

// NewGlobalQueryPlan creates an empty global query plan using the given
// merger rule, configured once at coordinator construction time rather
// than per batch.
func NewGlobalQueryPlan(rule merger.Rule) *GlobalQueryPlan {
	return &GlobalQueryPlan{
		mergerRule: rule,
		plans:      make(map[model.SharedPlanID]*SharedQueryPlan),
		queryIndex: make(map[model.QueryID]model.SharedPlanID),
	}
}

// AddQueryPlanResult reports what addQueryPlan did.
type AddQueryPlanResult struct {
	PlanID  model.SharedPlanID
	Created bool
	Merged  bool
	Partial bool
}

// AddQueryPlan attaches queryID's operator DAG to the forest: it either
// merges into an existing shared plan (per the configured merger rule) or
// creates a new shared plan. It appends the appropriate change-log entry and
// returns which happened.
func (g *GlobalQueryPlan) AddQueryPlan(queryID model.QueryID, dag *operator.DAG, strategy model.PlacementStrategy) (AddQueryPlanResult, error) {
	if queryID == model.InvalidQueryID {
		return AddQueryPlanResult{}, fmt.Errorf("queryplan: invalid query id")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.queryIndex[queryID]; exists {
		return AddQueryPlanResult{}, fmt.Errorf("queryplan: query %s already hosted", queryID)
	}

	for _, candidate := range g.plans {
		if candidate.Status.IsTerminal() || candidate.Status == model.PlanOptimizing {
			continue
		}
		result, err := g.mergerRule.Evaluate(candidate.DAG, dag, candidate.Strategy, strategy)
		if err != nil {
			return AddQueryPlanResult{}, fmt.Errorf("queryplan: merge evaluation: %w", err)
		}
		if !result.Merged {
			continue
		}

		candidate.hostQuery(queryID)
		g.queryIndex[queryID] = candidate.ID

		remap := candidate.DAG.Absorb(dag)
		if result.Partial {
			upstream := remapIDs(result.NewUpstream, remap)
			downstream := remapIDs(result.NewDownstream, remap)
			candidate.DAG.RecordMerge(upstream, downstream)
		} else {
			candidate.DAG.RecordMerge(remapIDs(result.NewUpstream, remap), remapIDs(result.NewDownstream, remap))
		}
		return AddQueryPlanResult{PlanID: candidate.ID, Merged: true, Partial: result.Partial}, nil
	}

	g.nextPlanID++
	plan := newSharedQueryPlan(g.nextPlanID, strategy)
	plan.DAG = dag
	plan.hostQuery(queryID)
	plan.DAG.RecordAddQuery()
	g.plans[plan.ID] = plan
	g.queryIndex[queryID] = plan.ID

	return AddQueryPlanResult{PlanID: plan.ID, Created: true}, nil
}

// StopQuery removes queryID from whichever shared plan hosts it, recording a
// change-log entry for the stopped sinks and marking the plan STOPPED if it
// was the last hosted query.
func (g *GlobalQueryPlan) StopQuery(queryID model.QueryID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	planID, ok := g.queryIndex[queryID]
	if !ok {
		return fmt.Errorf("queryplan: query %s not hosted by any shared plan", queryID)
	}
	plan := g.plans[planID]
	plan.DAG.RecordStopQuery()
	delete(g.queryIndex, queryID)

	if plan.unhostQuery(queryID) {
		plan.mu.Lock()
		plan.Status = model.PlanStopped
		plan.mu.Unlock()
	}
	return nil
}

// GetSharedQueryId returns the shared plan hosting queryID.
func (g *GlobalQueryPlan) GetSharedQueryId(queryID model.QueryID) (model.SharedPlanID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.queryIndex[queryID]
	return id, ok
}

// Plan returns the shared plan with the given id.
func (g *GlobalQueryPlan) Plan(id model.SharedPlanID) (*SharedQueryPlan, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.plans[id]
	return p, ok
}

// AllPlans returns every shared plan currently in the forest.
func (g *GlobalQueryPlan) AllPlans() []*SharedQueryPlan {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*SharedQueryPlan, 0, len(g.plans))
	for _, p := range g.plans {
		out = append(out, p)
	}
	return out
}

// GetSharedQueryPlansToDeploy returns plans with a non-empty change-log or
// STOPPED status.
func (g *GlobalQueryPlan) GetSharedQueryPlansToDeploy() []*SharedQueryPlan {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*SharedQueryPlan
	for _, p := range g.plans {
		if p.DAG.HasPendingChangeLog() || p.Status == model.PlanStopped {
			out = append(out, p)
		}
	}
	return out
}

// RemoveFailedOrStoppedSharedQueryPlans garbage-collects every shared plan
// whose status is terminal, returning how many were removed.
func (g *GlobalQueryPlan) RemoveFailedOrStoppedSharedQueryPlans() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, p := range g.plans {
		if p.Status.IsTerminal() {
			delete(g.plans, id)
			removed++
		}
	}
	return removed
}

// Clone returns a deep, independently-mutable snapshot of the forest, used
// to capture a pre-batch baseline the update phase can roll back to.
func (g *GlobalQueryPlan) Clone() *GlobalQueryPlan {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp := &GlobalQueryPlan{
		mergerRule: g.mergerRule,
		plans:      make(map[model.SharedPlanID]*SharedQueryPlan, len(g.plans)),
		queryIndex: make(map[model.QueryID]model.SharedPlanID, len(g.queryIndex)),
		nextPlanID: g.nextPlanID,
	}
	for id, p := range g.plans {
		cp.plans[id] = p.clone()
	}
	for id, planID := range g.queryIndex {
		cp.queryIndex[id] = planID
	}
	return cp
}

// RestoreFrom overwrites g's contents with a deep copy of snapshot's: shared
// plans created after snapshot was taken are discarded, and every shared
// plan snapshot still names is reverted in place so collaborators already
// holding a *SharedQueryPlan reference see the rollback. g keeps its own
// pointer identity.
func (g *GlobalQueryPlan) RestoreFrom(snapshot *GlobalQueryPlan) {
	cp := snapshot.Clone()

	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.plans {
		if _, ok := cp.plans[id]; !ok {
			delete(g.plans, id)
		}
	}
	for id, snapPlan := range cp.plans {
		if live, ok := g.plans[id]; ok {
			live.restoreFrom(snapPlan)
		} else {
			g.plans[id] = snapPlan
		}
	}
	g.queryIndex = cp.queryIndex
	g.nextPlanID = cp.nextPlanID
}

func remapIDs(ids []model.OperatorID, remap map[model.OperatorID]model.OperatorID) []model.OperatorID {
	out := make([]model.OperatorID, 0, len(ids))
	for _, id := range ids {
		if remapped, ok := remap[id]; ok {
			out = append(out, remapped)
		}
	}
	return out
}
