package broadcast_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/broadcast"
	"github.com/perceptr/perceptr-go/internal/domain"
)

func TestNoop_PublishAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	n := broadcast.NewNoop()
	err := n.Publish(context.Background(), domain.SessionMessage{
		Type:      "session_start",
		SessionID: "s-1",
		Timestamp: 100,
	})
	assert.NoError(t, err)
	assert.NoError(t, n.Close())
}

func TestSessionMessage_WireShape(t *testing.T) {
	t.Parallel()

	msg := domain.SessionMessage{Type: "activity", SessionID: "s-2", Timestamp: 1234}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"activity","sessionId":"s-2","timestamp":1234}`, string(raw))

	var back domain.SessionMessage
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, msg, back)
}

func TestNewRedis_UnreachableServer(t *testing.T) {
	t.Parallel()

	// Port 1 is never a Redis server; construction must fail fast rather
	// than hand back a broadcaster that errors on every publish.
	_, err := broadcast.NewRedis(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broadcast.NewRedis")
}
