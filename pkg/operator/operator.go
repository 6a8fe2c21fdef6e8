// Package operator implements the per-shared-plan operator DAG and its
// change-log: the record of which operator sub-region needs re-deployment
// after each mutation.
package operator

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamplane/coordinator/pkg/model"
)

// Operator is one node in a shared query plan's operator DAG.
type Operator struct {
	ID           model.OperatorID
	Kind         model.OperatorKind
	InputSchema  model.Schema
	OutputSchema model.Schema
	PinnedNodeID *model.WorkerNodeID
	State        model.OperatorState

	Upstream   map[model.OperatorID]bool
	Downstream map[model.OperatorID]bool
}

func newOperator(id model.OperatorID, kind model.OperatorKind) *Operator {
	return &Operator{
		ID:         id,
		Kind:       kind,
		State:      model.StateToBePlaced,
		Upstream:   make(map[model.OperatorID]bool),
		Downstream: make(map[model.OperatorID]bool),
	}
}

// ChangeLogEntry bounds a contiguous sub-DAG requiring re-deployment.
type ChangeLogEntry struct {
	Timestamp  int64 // microseconds, monotonic per shared plan
	Upstream   []model.OperatorID
	Downstream []model.OperatorID
}

// DAG is one shared query plan's operator graph plus its change-log.
type DAG struct {
	mu sync.RWMutex

	operators map[model.OperatorID]*Operator
	sinks     map[model.OperatorID]bool
	sources   map[model.OperatorID]bool
	nextID    model.OperatorID

	changeLog  []ChangeLogEntry
	lastTSMu   sync.Mutex
	lastTS     int64
}

// NewDAG creates an empty operator DAG.
func NewDAG() *DAG {
	return &DAG{
		operators: make(map[model.OperatorID]*Operator),
		sinks:     make(map[model.OperatorID]bool),
		sources:   make(map[model.OperatorID]bool),
	}
}

// AddOperator inserts a new operator and returns its id.
func (d *DAG) AddOperator(kind model.OperatorKind, in, out model.Schema) model.OperatorID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	op := newOperator(id, kind)
	op.InputSchema = in
	op.OutputSchema = out
	d.operators[id] = op

	if kind == model.OperatorSource {
		d.sources[id] = true
	}
	if kind == model.OperatorSink {
		d.sinks[id] = true
	}
	return id
}

// Link connects an upstream operator's output to a downstream operator's
// input, validating schema compatibility.
func (d *DAG) Link(upstream, downstream model.OperatorID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	up, ok := d.operators[upstream]
	if !ok {
		return fmt.Errorf("operator: upstream %s not found", upstream)
	}
	down, ok := d.operators[downstream]
	if !ok {
		return fmt.Errorf("operator: downstream %s not found", downstream)
	}
	if !up.OutputSchema.Unifies(down.InputSchema) {
		return fmt.Errorf("operator: schema of %s does not unify with %s", upstream, downstream)
	}
	up.Downstream[downstream] = true
	down.Upstream[upstream] = true
	return nil
}

// Get returns a pointer to the live operator (callers must not mutate
// concurrently outside the DAG's own methods).
func (d *DAG) Get(id model.OperatorID) (*Operator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.operators[id]
	return op, ok
}

// Sinks returns the ids of all sink operators (the DAG's roots).
func (d *DAG) Sinks() []model.OperatorID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.OperatorID, 0, len(d.sinks))
	for id := range d.sinks {
		out = append(out, id)
	}
	return out
}

// Sources returns the ids of all source operators.
func (d *DAG) Sources() []model.OperatorID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.OperatorID, 0, len(d.sources))
	for id := range d.sources {
		out = append(out, id)
	}
	return out
}

// nextTimestamp returns a strictly monotonic microsecond timestamp for this
// plan's change-log, guarding against clock coarseness with a counter.
func (d *DAG) nextTimestamp() int64 {
	d.lastTSMu.Lock()
	defer d.lastTSMu.Unlock()
	now := time.Now().UnixMicro()
	if now <= d.lastTS {
		now = d.lastTS + 1
	}
	d.lastTS = now
	return now
}

// appendChangeLog records one entry and transitions the referenced operators
// per the caller's request.
func (d *DAG) appendChangeLog(upstream, downstream []model.OperatorID) ChangeLogEntry {
	entry := ChangeLogEntry{
		Timestamp:  d.nextTimestamp(),
		Upstream:   upstream,
		Downstream: downstream,
	}
	d.changeLog = append(d.changeLog, entry)
	return entry
}

// RecordAddQuery marks every operator of a newly attached query TO_BE_PLACED
// and appends a change-log entry spanning sources to sinks.
func (d *DAG) RecordAddQuery() ChangeLogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range d.operators {
		op.State = model.StateToBePlaced
	}
	return d.appendChangeLog(idSlice(d.sources), idSlice(d.sinks))
}

// RecordStopQuery transitions every PLACED operator to TO_BE_REMOVED and
// appends a change-log entry spanning sources to sinks.
func (d *DAG) RecordStopQuery() ChangeLogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range d.operators {
		if op.State == model.StatePlaced {
			op.State = model.StateToBeRemoved
		}
	}
	return d.appendChangeLog(idSlice(d.sources), idSlice(d.sinks))
}

// RecordMerge appends a change-log entry covering a newly attached region
// after a query-merger fusion: upstream bounds the shared/common boundary,
// downstream the newly attached sinks. The attached operators are marked
// TO_BE_PLACED.
func (d *DAG) RecordMerge(upstream, downstream []model.OperatorID) ChangeLogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range downstream {
		if op, ok := d.operators[id]; ok {
			op.State = model.StateToBePlaced
		}
	}
	return d.appendChangeLog(upstream, downstream)
}

// RecordLinkRemoval computes the minimal change-log for a topology link
// removal. affectedOperators is the set of PLACED operators whose output
// traverses the broken link, in upstream-to-downstream placement order along
// each severed path. nextPlacedTowardSink maps each affected operator to the
// first PLACED operator on its path toward a sink (possibly itself if it is
// already the boundary). If affectedOperators is empty the link was unused
// and no entry is appended.
func (d *DAG) RecordLinkRemoval(affectedOperators []model.OperatorID, nextPlacedTowardSink map[model.OperatorID]model.OperatorID) (ChangeLogEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(affectedOperators) == 0 {
		return ChangeLogEntry{}, false
	}

	downstreamSet := make(map[model.OperatorID]bool)
	for _, op := range affectedOperators {
		downstreamSet[nextPlacedTowardSink[op]] = true
	}
	return d.appendChangeLog(affectedOperators, idSet(downstreamSet)), true
}

// RecordNodeRemovalReplacement marks a removed-node operator TO_BE_REPLACED
// (the union-on-removed-node case: a surviving projection operator assumes
// its downstream interface) and appends the minimal change-log: upstream is
// the nearest surviving filter/source, downstream is the sink-side neighbor.
func (d *DAG) RecordNodeRemovalReplacement(replaced model.OperatorID, upstream, downstream []model.OperatorID) (ChangeLogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op, ok := d.operators[replaced]
	if !ok {
		return ChangeLogEntry{}, fmt.Errorf("operator: %s not found", replaced)
	}
	op.State = model.StateToBeReplaced
	return d.appendChangeLog(upstream, downstream), nil
}

// InstallReplacement attaches a newly created projection operator in place
// of a TO_BE_REPLACED union operator, reusing its downstream edges.
func (d *DAG) InstallReplacement(replaced model.OperatorID, in, out model.Schema) (model.OperatorID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, ok := d.operators[replaced]
	if !ok {
		return 0, fmt.Errorf("operator: %s not found", replaced)
	}
	if old.State != model.StateToBeReplaced {
		return 0, fmt.Errorf("operator: %s is not TO_BE_REPLACED", replaced)
	}

	d.nextID++
	newID := d.nextID
	replacement := newOperator(newID, model.OperatorProjection)
	replacement.InputSchema = in
	replacement.OutputSchema = out
	replacement.State = model.StateToBePlaced

	for down := range old.Downstream {
		downOp := d.operators[down]
		delete(downOp.Upstream, replaced)
		downOp.Upstream[newID] = true
		replacement.Downstream[down] = true
	}
	for up := range old.Upstream {
		upOp := d.operators[up]
		delete(upOp.Downstream, replaced)
		upOp.Downstream[newID] = true
		replacement.Upstream[up] = true
	}

	d.operators[newID] = replacement
	return newID, nil
}

// Absorb copies every operator and edge from other into d, renumbering ids
// to avoid collisions, and returns the id remap (other's id -> d's new id).
// Used by the query merger to splice an incoming plan's operators into the
// shared plan it merges into.
func (d *DAG) Absorb(other *DAG) map[model.OperatorID]model.OperatorID {
	d.mu.Lock()
	defer d.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	remap := make(map[model.OperatorID]model.OperatorID, len(other.operators))
	for oldID, op := range other.operators {
		d.nextID++
		newID := d.nextID
		remap[oldID] = newID
		cp := &Operator{
			ID:           newID,
			Kind:         op.Kind,
			InputSchema:  op.InputSchema,
			OutputSchema: op.OutputSchema,
			PinnedNodeID: op.PinnedNodeID,
			State:        op.State,
			Upstream:     make(map[model.OperatorID]bool),
			Downstream:   make(map[model.OperatorID]bool),
		}
		d.operators[newID] = cp
		if other.sources[oldID] {
			d.sources[newID] = true
		}
		if other.sinks[oldID] {
			d.sinks[newID] = true
		}
	}
	for oldID, op := range other.operators {
		newID := remap[oldID]
		for up := range op.Upstream {
			d.operators[newID].Upstream[remap[up]] = true
		}
		for down := range op.Downstream {
			d.operators[newID].Downstream[remap[down]] = true
		}
	}
	return remap
}

// GetChangeLogEntries returns entries whose timestamp is <= upToTs, ordered
// by insertion (which is also timestamp order since timestamps are
// monotonic).
func (d *DAG) GetChangeLogEntries(upToTs int64) []ChangeLogEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ChangeLogEntry
	for _, e := range d.changeLog {
		if e.Timestamp <= upToTs {
			out = append(out, e)
		}
	}
	return out
}

// HasPendingChangeLog reports whether any change-log entries exist.
func (d *DAG) HasPendingChangeLog() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.changeLog) > 0
}

// ConsumeChangeLog discards every change-log entry once an amendment has
// successfully deployed the region it describes, so a re-deployed plan drops
// out of getSharedQueryPlansToDeploy until its next mutation.
func (d *DAG) ConsumeChangeLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changeLog = nil
}

// PendingOperatorIDs returns every operator awaiting an amendment: those in
// TO_BE_PLACED or TO_BE_REPLACED state. Placement strategies use this as the
// default full-plan candidate set; incremental mode narrows it to whichever
// operators a change-log entry names instead.
func (d *DAG) PendingOperatorIDs() []model.OperatorID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.OperatorID
	for id, op := range d.operators {
		if op.State == model.StateToBePlaced || op.State == model.StateToBeReplaced {
			out = append(out, id)
		}
	}
	return out
}

// PendingOperatorIDsFromChangeLog returns the union of upstream/downstream
// operator ids named by every current change-log entry, the operand
// incremental placement consumes instead of the whole pending set.
func (d *DAG) PendingOperatorIDsFromChangeLog() []model.OperatorID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[model.OperatorID]bool)
	var out []model.OperatorID
	add := func(ids []model.OperatorID) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, e := range d.changeLog {
		add(e.Upstream)
		add(e.Downstream)
	}
	return out
}

// ApplyAmendmentResult transitions operators after a successful amendment:
// TO_BE_PLACED -> PLACED, TO_BE_REMOVED -> REMOVED, TO_BE_REPLACED -> PLACED
// (the replacement operator is expected to already be installed).
func (d *DAG) ApplyAmendmentResult() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range d.operators {
		switch op.State {
		case model.StateToBePlaced:
			op.State = model.StatePlaced
		case model.StateToBeRemoved:
			op.State = model.StateRemoved
		case model.StateToBeReplaced:
			op.State = model.StatePlaced
		}
	}
}

// Clone returns a deep, independently-mutable copy of the DAG.
func (d *DAG) Clone() *DAG {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cp := &DAG{
		operators: make(map[model.OperatorID]*Operator, len(d.operators)),
		sinks:     make(map[model.OperatorID]bool, len(d.sinks)),
		sources:   make(map[model.OperatorID]bool, len(d.sources)),
		nextID:    d.nextID,
		changeLog: append([]ChangeLogEntry(nil), d.changeLog...),
		lastTS:    d.lastTS,
	}
	for id, op := range d.operators {
		cp.operators[id] = cloneOperator(op)
	}
	for id := range d.sinks {
		cp.sinks[id] = true
	}
	for id := range d.sources {
		cp.sources[id] = true
	}
	return cp
}

func cloneOperator(op *Operator) *Operator {
	cp := &Operator{
		ID:           op.ID,
		Kind:         op.Kind,
		InputSchema:  op.InputSchema,
		OutputSchema: op.OutputSchema,
		PinnedNodeID: op.PinnedNodeID,
		State:        op.State,
		Upstream:     make(map[model.OperatorID]bool, len(op.Upstream)),
		Downstream:   make(map[model.OperatorID]bool, len(op.Downstream)),
	}
	for id := range op.Upstream {
		cp.Upstream[id] = true
	}
	for id := range op.Downstream {
		cp.Downstream[id] = true
	}
	return cp
}

// RestoreFrom overwrites d's contents with a deep copy of snapshot's. d keeps
// its own pointer identity (every *Operator and *SharedQueryPlan holding a
// reference to d still sees the restored state); only its internal state
// moves.
func (d *DAG) RestoreFrom(snapshot *DAG) {
	cp := snapshot.Clone()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.operators = cp.operators
	d.sinks = cp.sinks
	d.sources = cp.sources
	d.nextID = cp.nextID
	d.changeLog = cp.changeLog
	d.lastTS = cp.lastTS
}

func idSlice(set map[model.OperatorID]bool) []model.OperatorID {
	out := make([]model.OperatorID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func idSet(set map[model.OperatorID]bool) []model.OperatorID {
	return idSlice(set)
}
