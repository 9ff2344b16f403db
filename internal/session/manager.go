// Package session decides whether a session continues or a new one starts,
// and persists/broadcasts session state.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/domain"
)

const (
	// DefaultInactivityTimeout ends a session after this much idle time.
	DefaultInactivityTimeout = 30 * time.Minute
	// DefaultMaxSessionDuration caps a session's total length.
	DefaultMaxSessionDuration = 24 * time.Hour
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration

	// StaleThreshold is the legacy name for InactivityTimeout; it applies
	// only when InactivityTimeout is unset.
	StaleThreshold time.Duration
}

// Manager owns session continuity for one agent instance. It is the sole
// writer of session state; other components read it via CurrentState.
type Manager struct {
	store      domain.Store
	bc         domain.Broadcaster
	inactivity time.Duration
	maxDur     time.Duration
	now        func() time.Time

	mu      sync.Mutex
	current *domain.SessionState
}

func NewManager(store domain.Store, bc domain.Broadcaster, opts Options) *Manager {
	inactivity := opts.InactivityTimeout
	if inactivity == 0 {
		inactivity = opts.StaleThreshold
	}
	if inactivity == 0 {
		inactivity = DefaultInactivityTimeout
	}
	maxDur := opts.MaxSessionDuration
	if maxDur == 0 {
		maxDur = DefaultMaxSessionDuration
	}
	if bc == nil {
		bc = noopBroadcaster{}
	}
	return &Manager{
		store:      store,
		bc:         bc,
		inactivity: inactivity,
		maxDur:     maxDur,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// ShouldContinueSession reports whether a session with the given
// lastActivityTime and startTime (both ms since epoch) continues at now.
// Both bounds are strict: exactly at the timeout the session ends.
func ShouldContinueSession(lastActivityTime, startTime, now int64, inactivity, maxDuration time.Duration) bool {
	return now-lastActivityTime < inactivity.Milliseconds() &&
		now-startTime < maxDuration.Milliseconds()
}

// GetOrCreateSession adopts the persisted session state when it is still
// valid, otherwise mints a fresh session, persists it, and broadcasts
// session_start. Idempotent within one agent instance.
func (m *Manager) GetOrCreateSession(ctx context.Context) (*domain.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMS := m.now().UnixMilli()

	prior, err := m.loadState(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session: failed to read persisted state, starting fresh")
	}
	if prior != nil && ShouldContinueSession(prior.LastActivityTime, prior.StartTime, nowMS, m.inactivity, m.maxDur) {
		m.current = prior
		return prior, nil
	}

	fresh := &domain.SessionState{
		SessionID:        uuid.NewString(),
		StartTime:        nowMS,
		LastActivityTime: nowMS,
	}
	if err := m.saveState(ctx, fresh); err != nil {
		return nil, fmt.Errorf("session.Manager.GetOrCreateSession: persist: %w", err)
	}
	m.current = fresh

	m.publish(ctx, "session_start", fresh.SessionID, nowMS)

	return fresh, nil
}

// UpdateActivity stamps the current session's lastActivityTime, re-persists
// it, and broadcasts an activity message. No-op without a current session.
func (m *Manager) UpdateActivity(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}

	nowMS := m.now().UnixMilli()
	m.current.LastActivityTime = nowMS

	if err := m.saveState(ctx, m.current); err != nil {
		log.Warn().Err(err).Msg("session: failed to persist activity update")
	}

	m.publish(ctx, "activity", m.current.SessionID, nowMS)
}

// SetCurrentState installs state obtained elsewhere (e.g. replayed from a
// prior load) as the in-memory current session.
func (m *Manager) SetCurrentState(s *domain.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// CurrentState returns the in-memory session state, or nil before
// GetOrCreateSession.
func (m *Manager) CurrentState() *domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) loadState(ctx context.Context) (*domain.SessionState, error) {
	raw, ok, err := m.store.Get(ctx, domain.KeySessionState)
	if err != nil {
		return nil, fmt.Errorf("session.Manager: load state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var state domain.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("session.Manager: decode state: %w", err)
	}
	if state.SessionID == "" {
		return nil, nil
	}
	return &state, nil
}

func (m *Manager) saveState(ctx context.Context, s *domain.SessionState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return m.store.Set(ctx, domain.KeySessionState, raw)
}

// publish sends an advisory message; failures are logged and swallowed.
func (m *Manager) publish(ctx context.Context, msgType, sessionID string, ts int64) {
	err := m.bc.Publish(ctx, domain.SessionMessage{Type: msgType, SessionID: sessionID, Timestamp: ts})
	if err != nil {
		log.Debug().Err(err).Str("type", msgType).Msg("session: broadcast publish failed")
	}
}

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(context.Context, domain.SessionMessage) error { return nil }
func (noopBroadcaster) Close() error                                         { return nil }
