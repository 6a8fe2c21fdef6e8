package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/model"
)

func TestRecordAddQuerySpansSourceToSink(t *testing.T) {
	d := NewDAG()
	src := d.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	sink := d.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	require.NoError(t, d.Link(src, sink))

	entry := d.RecordAddQuery()
	assert.Equal(t, []model.OperatorID{src}, entry.Upstream)
	assert.Equal(t, []model.OperatorID{sink}, entry.Downstream)

	op, _ := d.Get(src)
	assert.Equal(t, model.StateToBePlaced, op.State)
}

func TestRecordStopQueryTransitionsPlacedOperators(t *testing.T) {
	d := NewDAG()
	src := d.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	sink := d.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	require.NoError(t, d.Link(src, sink))

	srcOp, _ := d.Get(src)
	sinkOp, _ := d.Get(sink)
	srcOp.State = model.StatePlaced
	sinkOp.State = model.StatePlaced

	entry := d.RecordStopQuery()
	assert.NotZero(t, entry.Timestamp)

	srcOp, _ = d.Get(src)
	assert.Equal(t, model.StateToBeRemoved, srcOp.State)
}

func TestRecordLinkRemovalUnusedLinkEmitsNothing(t *testing.T) {
	d := NewDAG()
	_, ok := d.RecordLinkRemoval(nil, nil)
	assert.False(t, ok)
}

func TestRecordLinkRemovalUsedLink(t *testing.T) {
	d := NewDAG()
	a := d.AddOperator(model.OperatorFilter, model.Schema{}, model.Schema{})
	b := d.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})

	entry, ok := d.RecordLinkRemoval(
		[]model.OperatorID{a},
		map[model.OperatorID]model.OperatorID{a: b},
	)
	require.True(t, ok)
	assert.Equal(t, []model.OperatorID{a}, entry.Upstream)
	assert.Equal(t, []model.OperatorID{b}, entry.Downstream)
}

func TestChangeLogTimestampsMonotonic(t *testing.T) {
	d := NewDAG()
	e1 := d.RecordAddQuery()
	e2 := d.RecordStopQuery()
	assert.Less(t, e1.Timestamp, e2.Timestamp)

	entries := d.GetChangeLogEntries(e2.Timestamp)
	require.Len(t, entries, 2)
}

func TestInstallReplacementRewiresEdges(t *testing.T) {
	d := NewDAG()
	s1 := d.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	s2 := d.AddOperator(model.OperatorSource, model.Schema{}, model.Schema{})
	union := d.AddOperator(model.OperatorUnion, model.Schema{}, model.Schema{})
	sink := d.AddOperator(model.OperatorSink, model.Schema{}, model.Schema{})
	require.NoError(t, d.Link(s1, union))
	require.NoError(t, d.Link(s2, union))
	require.NoError(t, d.Link(union, sink))

	_, err := d.RecordNodeRemovalReplacement(union, []model.OperatorID{s1, s2}, []model.OperatorID{sink})
	require.NoError(t, err)

	newID, err := d.InstallReplacement(union, model.Schema{}, model.Schema{})
	require.NoError(t, err)

	sinkOp, _ := d.Get(sink)
	assert.True(t, sinkOp.Upstream[newID])
	assert.False(t, sinkOp.Upstream[union])
}
