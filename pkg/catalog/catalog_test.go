package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutAndGetSource(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutSource(LogicalSource{Name: "source1", PhysicalNodes: []model.WorkerNodeID{3}}))

	src, err := s.GetSource("source1")
	require.NoError(t, err)
	assert.Equal(t, []model.WorkerNodeID{3}, src.PhysicalNodes)
}

func TestGetMissingSourceFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSource("missing")
	assert.Error(t, err)
}

func TestListSources(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutSource(LogicalSource{Name: "a"}))
	require.NoError(t, s.PutSource(LogicalSource{Name: "b"}))

	sources, err := s.ListSources()
	require.NoError(t, err)
	assert.Len(t, sources, 2)
}

func TestQueryRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutQuery(QueryRecord{QueryID: 1, SharedPlanID: 1, Status: model.PlanCreated}))

	rec, err := s.GetQuery(1)
	require.NoError(t, err)
	assert.Equal(t, model.PlanCreated, rec.Status)

	require.NoError(t, s.DeleteQuery(1))
	_, err = s.GetQuery(1)
	assert.Error(t, err)
}
