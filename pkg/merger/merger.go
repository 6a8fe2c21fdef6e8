// Package merger implements the query-merger rules that fuse
// syntactically- or signature-equivalent shared query plans. Rules operate
// purely on operator DAGs so this package stays free of an import cycle
// with pkg/queryplan, which is the rules' caller.
package merger

import (
	"errors"
	"fmt"

	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
)

// ErrSignatureUnavailable is returned by signature-based rules when the
// external SignatureInference collaborator could not produce a signature for
// one or more operators. This is surfaced explicitly rather than silently
// falling back to another rule.
var ErrSignatureUnavailable = errors.New("merger: signature unavailable")

// RuleName identifies a configured merger rule.
type RuleName string

const (
	SyntaxBasedComplete    RuleName = "SyntaxBasedComplete"
	Z3SignatureBasedComplete RuleName = "Z3SignatureBasedComplete"
	Z3SignatureBasedPartial RuleName = "Z3SignatureBasedPartial"
	Default                  RuleName = "Default"
)

// SignatureInference is the external collaborator that derives a canonical
// logical signature per operator; consumed here, not implemented.
type SignatureInference interface {
	Infer(dag *operator.DAG) (map[model.OperatorID]model.Signature, error)
}

// Result describes the outcome of one merge-condition evaluation.
type Result struct {
	Merged bool
	// Partial is true when only a maximal common upstream sub-DAG was
	// shared; the merged plan keeps both sinks as downstream branches.
	Partial bool
	// NewDownstream lists the operator ids that became newly attached to
	// the shared region (used to build the resulting change-log entry).
	NewDownstream []model.OperatorID
	// NewUpstream lists the operators that anchor the newly attached
	// region, empty for a full merge where the whole incoming plan fuses.
	NewUpstream []model.OperatorID
}

// Rule evaluates whether an incoming plan can merge into an existing shared
// plan's operator DAG.
type Rule interface {
	Name() RuleName
	Evaluate(existing, incoming *operator.DAG, existingStrategy, incomingStrategy model.PlacementStrategy) (Result, error)
}

// NewRule constructs the configured rule. sig may be nil for
// SyntaxBasedComplete and Default.
func NewRule(name RuleName, sig SignatureInference) (Rule, error) {
	switch name {
	case SyntaxBasedComplete, Default, "":
		return syntaxRule{}, nil
	case Z3SignatureBasedComplete:
		if sig == nil {
			return nil, fmt.Errorf("merger: %s requires a SignatureInference collaborator", name)
		}
		return signatureRule{sig: sig, partial: false}, nil
	case Z3SignatureBasedPartial:
		if sig == nil {
			return nil, fmt.Errorf("merger: %s requires a SignatureInference collaborator", name)
		}
		return signatureRule{sig: sig, partial: true}, nil
	default:
		return nil, fmt.Errorf("merger: unknown rule %q", name)
	}
}

// syntaxRule merges two plans when their operator DAGs are isomorphic under
// exact kind/attribute matching and they share the same source set shape.
type syntaxRule struct{}

func (syntaxRule) Name() RuleName { return SyntaxBasedComplete }

func (syntaxRule) Evaluate(existing, incoming *operator.DAG, existingStrategy, incomingStrategy model.PlacementStrategy) (Result, error) {
	if existingStrategy != incomingStrategy {
		return Result{}, nil
	}
	if !sameShape(existing, incoming) {
		return Result{}, nil
	}
	return Result{
		Merged:        true,
		NewDownstream: incoming.Sinks(),
	}, nil
}

// sameShape reports whether two DAGs are tree-isomorphic by comparing the
// multiset of operator kinds reachable from their sources in the same
// topological fan-out, and requiring identical source counts.
func sameShape(a, b *operator.DAG) bool {
	aSources, bSources := a.Sources(), b.Sources()
	if len(aSources) != len(bSources) {
		return false
	}
	aShape := kindSequence(a, aSources)
	bShape := kindSequence(b, bSources)
	if len(aShape) != len(bShape) {
		return false
	}
	for i := range aShape {
		if aShape[i] != bShape[i] {
			return false
		}
	}
	return true
}

func kindSequence(d *operator.DAG, frontier []model.OperatorID) []model.OperatorKind {
	visited := make(map[model.OperatorID]bool)
	var order []model.OperatorKind
	queue := append([]model.OperatorID{}, frontier...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		op, ok := d.Get(id)
		if !ok {
			continue
		}
		order = append(order, op.Kind)
		for down := range op.Downstream {
			queue = append(queue, down)
		}
	}
	return order
}

// signatureRule merges two plans via their externally-inferred canonical
// signatures, completely (every sink-to-source signature matches) or
// partially (a maximal common upstream sub-DAG exists).
type signatureRule struct {
	sig     SignatureInference
	partial bool
}

func (r signatureRule) Name() RuleName {
	if r.partial {
		return Z3SignatureBasedPartial
	}
	return Z3SignatureBasedComplete
}

func (r signatureRule) Evaluate(existing, incoming *operator.DAG, existingStrategy, incomingStrategy model.PlacementStrategy) (Result, error) {
	if existingStrategy != incomingStrategy {
		return Result{}, nil
	}

	existingSigs, err := r.sig.Infer(existing)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	}
	incomingSigs, err := r.sig.Infer(incoming)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	}

	existingByHash, err := hashIndex(existingSigs)
	if err != nil {
		return Result{}, err
	}
	incomingByHash, err := hashIndex(incomingSigs)
	if err != nil {
		return Result{}, err
	}

	if !r.partial {
		if setsEqual(existingByHash, incomingByHash) {
			return Result{Merged: true, NewDownstream: incoming.Sinks()}, nil
		}
		return Result{}, nil
	}

	common := commonHashes(existingByHash, incomingByHash)
	if len(common) == 0 {
		return Result{}, nil
	}

	var newUpstream, newDownstream []model.OperatorID
	for hash, incomingID := range incomingByHash {
		if _, shared := common[hash]; !shared {
			newDownstream = append(newDownstream, incomingID)
		}
	}
	for hash := range common {
		newUpstream = append(newUpstream, incomingByHash[hash])
	}
	return Result{
		Merged:        true,
		Partial:       true,
		NewUpstream:   newUpstream,
		NewDownstream: newDownstream,
	}, nil
}

// hashIndex builds a hash-to-operator index from an inferred signature set.
// A signature marked unavailable cannot be safely compared for equality or
// exclusion, so it is surfaced as ErrSignatureUnavailable rather than
// silently dropped from the index, which could otherwise judge two plans
// matching or non-matching based on incomplete information.
func hashIndex(sigs map[model.OperatorID]model.Signature) (map[string]model.OperatorID, error) {
	out := make(map[string]model.OperatorID, len(sigs))
	for id, sig := range sigs {
		if !sig.Available() {
			return nil, fmt.Errorf("%w: operator %s", ErrSignatureUnavailable, id)
		}
		out[sig.Hash] = id
	}
	return out, nil
}

func setsEqual(a, b map[string]model.OperatorID) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func commonHashes(a, b map[string]model.OperatorID) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = true
		}
	}
	return out
}
