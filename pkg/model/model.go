// Package model holds the value types shared by the coordinator's query-plan
// and topology packages: schemas, operator kinds, and the small set of
// identifiers threaded through the rest of the core.
package model

import "fmt"

// OperatorID identifies an operator within a shared query plan. Ids are
// minted by a monotonic arena per plan; operators reference each other by id
// rather than by pointer so change-log entries and placement snapshots stay
// cheap to copy.
type OperatorID uint64

// QueryID identifies one client-submitted logical query.
type QueryID uint64

// InvalidQueryID is the sentinel value for a query id that was never
// assigned (mirrors the original coordinator's INVALID_QUERY_ID).
const InvalidQueryID QueryID = 0

// SharedPlanID identifies a shared query plan within the global query plan
// forest.
type SharedPlanID uint64

// WorkerNodeID identifies a node in the topology graph.
type WorkerNodeID uint64

// OperatorKind tags the variant an Operator carries.
type OperatorKind string

const (
	OperatorSource     OperatorKind = "Source"
	OperatorFilter     OperatorKind = "Filter"
	OperatorMap        OperatorKind = "Map"
	OperatorProjection OperatorKind = "Projection"
	OperatorUnion      OperatorKind = "Union"
	OperatorJoin       OperatorKind = "Join"
	OperatorSink       OperatorKind = "Sink"
)

// OperatorState is the lifecycle state of a single operator instance.
type OperatorState string

const (
	StateToBePlaced   OperatorState = "TO_BE_PLACED"
	StatePlaced       OperatorState = "PLACED"
	StateToBeReplaced OperatorState = "TO_BE_REPLACED"
	StateToBeRemoved  OperatorState = "TO_BE_REMOVED"
	StateRemoved      OperatorState = "REMOVED"
)

// SharedPlanStatus is the lifecycle state of a SharedQueryPlan.
type SharedPlanStatus string

const (
	PlanCreated    SharedPlanStatus = "CREATED"
	PlanUpdated    SharedPlanStatus = "UPDATED"
	PlanDeployed   SharedPlanStatus = "DEPLOYED"
	PlanStopped    SharedPlanStatus = "STOPPED"
	PlanFailed     SharedPlanStatus = "FAILED"
	PlanOptimizing SharedPlanStatus = "OPTIMIZING"
)

// IsTerminal reports whether the status marks the plan for garbage
// collection via removeFailedOrStoppedSharedQueryPlans.
func (s SharedPlanStatus) IsTerminal() bool {
	return s == PlanStopped || s == PlanFailed
}

// PlacementStrategy selects which of pkg/placement's strategies an
// amendment uses.
type PlacementStrategy string

const (
	PlacementBottomUp PlacementStrategy = "BottomUp"
	PlacementTopDown  PlacementStrategy = "TopDown"
	PlacementManual   PlacementStrategy = "Manual"
)

// Field is a single named, typed attribute of a Schema.
type Field struct {
	Name string
	Type string
}

// Schema is the ordered set of fields an operator consumes or produces.
// Two schemas unify when every field name present in the upstream output is
// present, with the same type, in the downstream input.
type Schema struct {
	Fields []Field
}

// Unifies reports whether every field in s is satisfiable by downstream's
// fields (same name, same type). An empty schema unifies with anything,
// a permissive default for not-yet-inferred types.
func (s Schema) Unifies(downstream Schema) bool {
	if len(s.Fields) == 0 || len(downstream.Fields) == 0 {
		return true
	}
	index := make(map[string]string, len(downstream.Fields))
	for _, f := range downstream.Fields {
		index[f.Name] = f.Type
	}
	for _, f := range s.Fields {
		t, ok := index[f.Name]
		if !ok || t != f.Type {
			return false
		}
	}
	return true
}

// Signature is the canonical logical signature an external SignatureInference
// phase derives for one operator. Two operators with equal signatures are
// considered semantically equivalent by the signature-based merger rules.
type Signature struct {
	// Hash is the canonical hash of the operator's logical expression tree.
	// The empty string means "unavailable" (see ErrSignatureUnavailable).
	Hash string
	// Columns lists the output field names the signature was computed over,
	// used to detect partial/maximal-common-subDAG matches.
	Columns []string
}

// Available reports whether the signature was successfully inferred.
func (s Signature) Available() bool {
	return s.Hash != ""
}

func (id OperatorID) String() string    { return fmt.Sprintf("op#%d", uint64(id)) }
func (id QueryID) String() string       { return fmt.Sprintf("query#%d", uint64(id)) }
func (id SharedPlanID) String() string  { return fmt.Sprintf("shared-plan#%d", uint64(id)) }
func (id WorkerNodeID) String() string  { return fmt.Sprintf("node#%d", uint64(id)) }
