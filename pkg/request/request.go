// Package request defines the tagged union of requests the update phase
// accepts in a batch, plus the ISQP event list variant, using a
// Command{Op, Data}-over-JSON dispatch shape.
package request

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/streamplane/coordinator/pkg/model"
)

// Kind tags which concrete request a Command carries.
type Kind string

const (
	KindAddQuery           Kind = "add_query"
	KindStopQuery          Kind = "stop_query"
	KindRemoveTopologyLink Kind = "remove_topology_link"
	KindRemoveTopologyNode Kind = "remove_topology_node"
	KindISQPBatch          Kind = "isqp_batch"
)

// Command is the wire shape of one request: a kind tag plus its
// kind-specific payload.
type Command struct {
	Kind       Kind            `json:"kind"`
	RequestID  string          `json:"request_id"`
	RetryCount int             `json:"retry_count"`
	Data       json.RawMessage `json:"data"`
}

// NewCommand marshals a typed payload into a Command, minting a request id
// if requestID is empty.
func NewCommand(kind Kind, requestID string, payload any) (Command, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("request: marshal %s payload: %w", kind, err)
	}
	return Command{Kind: kind, RequestID: requestID, Data: data}, nil
}

// OperatorSpec is the blueprint for one operator within an AddQueryRequest's
// query plan, using batch-local ids that the update phase rewrites into
// arena-assigned model.OperatorID values when it instantiates the DAG.
type OperatorSpec struct {
	LocalID      int                  `json:"local_id"`
	Kind         model.OperatorKind   `json:"kind"`
	InputSchema  model.Schema         `json:"input_schema"`
	OutputSchema model.Schema         `json:"output_schema"`
	PinnedNodeID *model.WorkerNodeID  `json:"pinned_node_id,omitempty"`
}

// EdgeSpec connects two OperatorSpec entries by local id.
type EdgeSpec struct {
	UpstreamLocalID   int `json:"upstream_local_id"`
	DownstreamLocalID int `json:"downstream_local_id"`
}

// QueryPlanSpec is the serializable operator-DAG blueprint an
// AddQueryRequest carries; it is the product of the external operator-tree
// construction and type-inference collaborators (out of scope here).
type QueryPlanSpec struct {
	Operators []OperatorSpec `json:"operators"`
	Edges     []EdgeSpec     `json:"edges"`
}

// AddQueryRequest submits a new client query for placement into the global
// query plan, under the given placement strategy.
type AddQueryRequest struct {
	QueryID  model.QueryID       `json:"query_id"`
	Plan     QueryPlanSpec       `json:"plan"`
	Strategy model.PlacementStrategy `json:"strategy"`
}

// StopQueryRequest removes a previously accepted query from whichever shared
// plan currently hosts it.
type StopQueryRequest struct {
	QueryID model.QueryID `json:"query_id"`
}

// RemoveTopologyLinkRequest severs one topology edge.
type RemoveTopologyLinkRequest struct {
	UpstreamID   model.WorkerNodeID `json:"upstream_id"`
	DownstreamID model.WorkerNodeID `json:"downstream_id"`
}

// RemoveTopologyNodeRequest removes one topology node.
type RemoveTopologyNodeRequest struct {
	NodeID model.WorkerNodeID `json:"node_id"`
}

// ISQPEventKind tags one event within an ISQP batch.
type ISQPEventKind string

const (
	ISQPAddNode         ISQPEventKind = "add_node"
	ISQPAddLink         ISQPEventKind = "add_link"
	ISQPAddLinkProperty ISQPEventKind = "add_link_property"
	ISQPRemoveLink      ISQPEventKind = "remove_link"
	ISQPRemoveNode      ISQPEventKind = "remove_node"
	ISQPAddQuery        ISQPEventKind = "add_query"
	ISQPRemoveQuery     ISQPEventKind = "remove_query"
)

// ISQPAddNodeRequest admits a new worker node into the topology under parentID.
type ISQPAddNodeRequest struct {
	NodeID   model.WorkerNodeID `json:"node_id"`
	Host     string             `json:"host"`
	Port     int                `json:"port"`
	Slots    int                `json:"slots"`
	ParentID model.WorkerNodeID `json:"parent_id"`
}

// ISQPAddLinkRequest connects two already-present topology nodes.
type ISQPAddLinkRequest struct {
	UpstreamID   model.WorkerNodeID `json:"upstream_id"`
	DownstreamID model.WorkerNodeID `json:"downstream_id"`
}

// ISQPAddLinkPropertyRequest sets bandwidth/latency metadata on an existing edge.
type ISQPAddLinkPropertyRequest struct {
	UpstreamID    model.WorkerNodeID `json:"upstream_id"`
	DownstreamID  model.WorkerNodeID `json:"downstream_id"`
	BandwidthMbps int                `json:"bandwidth_mbps"`
	LatencyMicros int                `json:"latency_micros"`
}

// ISQPEvent is one entry of an incremental-stream-query-plan batch. Unlike
// the outer Request batch, which is atomic as a whole, ISQP batches apply
// event by event: a later event's failure does not undo earlier ones in the
// same batch.
type ISQPEvent struct {
	Kind ISQPEventKind   `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// ISQPBatch carries an ordered list of topology and query events applied
// sequentially, each succeeding or failing independently.
type ISQPBatch struct {
	Events []ISQPEvent `json:"events"`
}

// InvalidQueryID is the sentinel for a query id that was never assigned.
const InvalidQueryID = model.InvalidQueryID
