package domain

import "context"

// Store keys for the per-agent durable store.
const (
	KeySessionState = "perceptr_session_state"
	KeyBufferData   = "perceptr_buffer_data"
)

// BroadcastChannel is the advisory cross-process channel name.
const BroadcastChannel = "perceptr_session"

// SessionState is the per-agent persisted session identity.
// Invariant: StartTime <= LastActivityTime <= now.
type SessionState struct {
	SessionID        string        `json:"sessionId"`
	StartTime        int64         `json:"startTime"`
	LastActivityTime int64         `json:"lastActivityTime"`
	UserIdentity     *UserIdentity `json:"userIdentity,omitempty"`
}

// Store is the per-agent durable key-value store. Single writer per agent
// instance; values are opaque JSON blobs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// SessionMessage is the advisory payload published on the broadcast channel.
type SessionMessage struct {
	Type      string `json:"type"` // "session_start" or "activity"
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster publishes advisory session notifications to sibling agent
// processes. Lossy; may be absent entirely (see broadcast.Noop).
type Broadcaster interface {
	Publish(ctx context.Context, msg SessionMessage) error
	Close() error
}
