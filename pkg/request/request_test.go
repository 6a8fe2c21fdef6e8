package request

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplane/coordinator/pkg/model"
)

func TestNewCommandMarshalsPayloadAndMintsRequestID(t *testing.T) {
	cmd, err := NewCommand(KindStopQuery, "", StopQueryRequest{QueryID: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.RequestID)

	var decoded StopQueryRequest
	require.NoError(t, json.Unmarshal(cmd.Data, &decoded))
	assert.Equal(t, model.QueryID(7), decoded.QueryID)
}

func TestNewCommandPreservesExplicitRequestID(t *testing.T) {
	cmd, err := NewCommand(KindAddQuery, "req-123", AddQueryRequest{QueryID: 1})
	require.NoError(t, err)
	assert.Equal(t, "req-123", cmd.RequestID)
}

func TestInvalidQueryIDIsZero(t *testing.T) {
	assert.Equal(t, model.QueryID(0), InvalidQueryID)
}
