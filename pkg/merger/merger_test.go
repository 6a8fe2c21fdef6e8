package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/model"
	"github.com/streamplane/coordinator/pkg/operator"
)

func sourceSinkDAG() *operator.DAG {
	d := operator.NewDAG()
	src := d.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	sink := d.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	_ = d.Link(src, sink)
	return d
}

func TestSyntaxBasedCompleteMergesIdenticalShapes(t *testing.T) {
	rule, err := NewRule(SyntaxBasedComplete, nil)
	require.NoError(t, err)

	a := sourceSinkDAG()
	b := sourceSinkDAG()

	result, err := rule.Evaluate(a, b, model.PlacementBottomUp, model.PlacementBottomUp)
	require.NoError(t, err)
	assert.True(t, result.Merged)
	assert.False(t, result.Partial)
}

func TestSyntaxBasedCompleteRejectsDifferentStrategies(t *testing.T) {
	rule, _ := NewRule(SyntaxBasedComplete, nil)
	a := sourceSinkDAG()
	b := sourceSinkDAG()

	result, err := rule.Evaluate(a, b, model.PlacementBottomUp, model.PlacementTopDown)
	require.NoError(t, err)
	assert.False(t, result.Merged)
}

func TestSyntaxBasedCompleteRejectsDifferentShapes(t *testing.T) {
	rule, _ := NewRule(SyntaxBasedComplete, nil)
	a := sourceSinkDAG()

	b := operator.NewDAG()
	src := b.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	filter := b.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})
	sink := b.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	_ = b.Link(src, filter)
	_ = b.Link(filter, sink)

	result, err := rule.Evaluate(a, b, model.PlacementBottomUp, model.PlacementBottomUp)
	require.NoError(t, err)
	assert.False(t, result.Merged)
}

type stubSignatureInference struct {
	byDAG map[*operator.DAG]map[model.OperatorID]model.Signature
	err   error
}

func (s stubSignatureInference) Infer(dag *operator.DAG) (map[model.OperatorID]model.Signature, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byDAG[dag], nil
}

func TestSignatureBasedCompleteRequiresCollaborator(t *testing.T) {
	_, err := NewRule(Z3SignatureBasedComplete, nil)
	assert.Error(t, err)
}

func TestSignatureBasedPartialMergesCommonSubDAG(t *testing.T) {
	a := sourceSinkDAG()
	b := sourceSinkDAG()

	aSrc := a.Sources()[0]
	aSink := a.Sinks()[0]
	bSrc := b.Sources()[0]
	bSink := b.Sinks()[0]

	sig := stubSignatureInference{byDAG: map[*operator.DAG]map[model.OperatorID]model.Signature{
		a: {aSrc: {Hash: "shared"}, aSink: {Hash: "sinkA"}},
		b: {bSrc: {Hash: "shared"}, bSink: {Hash: "sinkB"}},
	}}

	rule, err := NewRule(Z3SignatureBasedPartial, sig)
	require.NoError(t, err)

	result, err := rule.Evaluate(a, b, model.PlacementBottomUp, model.PlacementBottomUp)
	require.NoError(t, err)
	assert.True(t, result.Merged)
	assert.True(t, result.Partial)
	assert.Contains(t, result.NewDownstream, bSink)
}

func TestSignatureUnavailableSurfacesExplicitError(t *testing.T) {
	sig := stubSignatureInference{err: assert.AnError}
	rule, err := NewRule(Z3SignatureBasedComplete, sig)
	require.NoError(t, err)

	_, err = rule.Evaluate(sourceSinkDAG(), sourceSinkDAG(), model.PlacementBottomUp, model.PlacementBottomUp)
	assert.ErrorIs(t, err, ErrSignatureUnavailable)
}

func TestSignatureUnavailableOperatorSurfacesExplicitError(t *testing.T) {
	a := sourceSinkDAG()
	b := sourceSinkDAG()

	aSrc := a.Sources()[0]
	aSink := a.Sinks()[0]
	bSrc := b.Sources()[0]
	bSink := b.Sinks()[0]

	// aSink's signature was never inferred (zero value, Hash == ""): the
	// merger must surface this rather than silently excluding it from the
	// hash comparison.
	sig := stubSignatureInference{byDAG: map[*operator.DAG]map[model.OperatorID]model.Signature{
		a: {aSrc: {Hash: "shared"}, aSink: {}},
		b: {bSrc: {Hash: "shared"}, bSink: {Hash: "sinkB"}},
	}}

	rule, err := NewRule(Z3SignatureBasedPartial, sig)
	require.NoError(t, err)

	_, err = rule.Evaluate(a, b, model.PlacementBottomUp, model.PlacementBottomUp)
	assert.ErrorIs(t, err, ErrSignatureUnavailable)
}
