package buffer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/buffer"
	"github.com/perceptr/perceptr-go/internal/domain"
	"github.com/perceptr/perceptr-go/internal/store"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeSender struct {
	mu      sync.Mutex
	batches []*domain.Batch
	err     error
}

func (f *fakeSender) SendEvents(_ context.Context, b *domain.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	// Copy the envelope; Data slices are never mutated after handoff.
	c := *b
	f.batches = append(f.batches, &c)
	return nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) sent() []*domain.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Batch(nil), f.batches...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(ms int64) *fakeClock { return &fakeClock{t: time.UnixMilli(ms)} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func domEvent(ts int64) domain.DomEvent {
	return domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: ts, Data: map[string]any{"source": float64(0)}}
}

func sessionState(id string, startMS int64) *domain.SessionState {
	return &domain.SessionState{SessionID: id, StartTime: startMS, LastActivityTime: startMS}
}

func newBuffer(t *testing.T, sender buffer.Sender, st domain.Store, clock *fakeClock) *buffer.Buffer {
	t.Helper()
	b := buffer.New(sender, st, nil, buffer.Options{})
	if clock != nil {
		b.SetClock(clock.now)
	}
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return b
}

// ---------------------------------------------------------------------------
// Flush basics and chronology contiguity
// ---------------------------------------------------------------------------

func TestFlush_EmitsOrderedBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sender := &fakeSender{}
	clock := newFakeClock(400)
	b := newBuffer(t, sender, store.NewMemory(), clock)
	b.SetSessionState(sessionState("s-1", 50))

	b.AddEvent(domEvent(100))
	b.AddEvent(domEvent(200))
	b.AddEvent(domain.NetworkRecord{Type: domain.EventNetwork, ID: "r1", Timestamp: 250, Method: "GET", URL: "https://x"})
	b.AddEvent(domEvent(300))

	require.NoError(t, b.Flush(ctx, true))

	batches := sender.sent()
	require.Len(t, batches, 1)
	got := batches[0]
	assert.Equal(t, "s-1", got.SessionID)
	assert.NotEmpty(t, got.BatchID)
	assert.True(t, got.IsSessionEnded)
	assert.Equal(t, int64(50), got.StartTime, "first flush starts at session start")
	assert.Equal(t, int64(400), got.EndTime)
	require.Len(t, got.Data, 4)
	wantTimes := []int64{100, 200, 250, 300}
	for i, e := range got.Data {
		assert.Equal(t, wantTimes[i], e.Time(), "enqueue order preserved")
	}
	assert.Equal(t, 4, got.Metadata.EventCount)
	assert.Zero(t, b.Len(), "buffer cleared on success")
}

func TestFlush_ContiguousChronology(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sender := &fakeSender{}
	clock := newFakeClock(1_000)
	b := newBuffer(t, sender, store.NewMemory(), clock)
	b.SetSessionState(sessionState("s-1", 500))

	b.AddEvent(domEvent(600))
	require.NoError(t, b.Flush(ctx, false))

	clock.advance(5 * time.Second)
	b.AddEvent(domEvent(2_000))
	require.NoError(t, b.Flush(ctx, true))

	batches := sender.sent()
	require.Len(t, batches, 2)
	assert.Equal(t, batches[0].EndTime, batches[1].StartTime, "batch n+1 starts where batch n ended")
	assert.False(t, batches[0].IsSessionEnded)
	assert.True(t, batches[1].IsSessionEnded)
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	b := newBuffer(t, sender, store.NewMemory(), nil)
	b.SetSessionState(sessionState("s-1", 1))

	require.NoError(t, b.Flush(context.Background(), false))
	assert.Empty(t, sender.sent())
}

func TestAddEvent_DropsInternalLogs(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	b := newBuffer(t, sender, store.NewMemory(), nil)
	b.SetSessionState(sessionState("s-1", 1))

	b.AddEvent(domain.DomEvent{
		Type: domain.EventPlugin,
		Data: map[string]any{
			"plugin":  domain.ConsolePluginName,
			"payload": map[string]any{"payload": []any{"[Perceptr] internal debug"}},
		},
	})
	assert.Zero(t, b.Len())
}

// ---------------------------------------------------------------------------
// Activity propagation
// ---------------------------------------------------------------------------

type countActivity struct {
	mu    sync.Mutex
	count int
}

func (c *countActivity) UpdateActivity(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func (c *countActivity) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestAddEvent_InteractiveEventsBumpActivity(t *testing.T) {
	t.Parallel()

	activity := &countActivity{}
	b := buffer.New(&fakeSender{}, store.NewMemory(), activity, buffer.Options{})
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	b.SetSessionState(sessionState("s-1", 1))

	scroll := domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: 10, Data: map[string]any{"source": float64(domain.SourceScroll)}}
	mutation := domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: 11, Data: map[string]any{"source": float64(domain.SourceMutation)}}

	b.AddEvent(scroll)
	b.AddEvent(mutation)
	b.AddEvent(scroll)

	assert.Equal(t, 2, activity.total(), "only interactive sources count as activity")
}

// ---------------------------------------------------------------------------
// Size-threshold scheduling boundary
// ---------------------------------------------------------------------------

// padEventTo builds a dom event whose estimated size is exactly target.
func padEventTo(t *testing.T, target int) domain.DomEvent {
	t.Helper()
	base := domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: 1, Data: map[string]any{"source": float64(0), "pad": ""}}
	baseSize := domain.EstimateSize(base)
	require.LessOrEqual(t, baseSize, target)
	e := domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: 1, Data: map[string]any{"source": float64(0), "pad": pad(target - baseSize)}}
	require.Equal(t, target, domain.EstimateSize(e))
	return e
}

func pad(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestAddEvent_SchedulesFlushAtNinetyPercent(t *testing.T) {
	t.Parallel()

	const cap90 = int(float64(1<<20) * 0.9)

	t.Run("at the threshold", func(t *testing.T) {
		t.Parallel()

		sender := &fakeSender{}
		b := newBuffer(t, sender, store.NewMemory(), nil)
		b.SetSessionState(sessionState("s-1", 1))

		b.AddEvent(padEventTo(t, cap90))

		assert.Eventually(t, func() bool { return len(sender.sent()) == 1 },
			2*time.Second, 10*time.Millisecond, "flush scheduled at 90% of cap")
	})

	t.Run("just under the threshold", func(t *testing.T) {
		t.Parallel()

		sender := &fakeSender{}
		b := newBuffer(t, sender, store.NewMemory(), nil)
		b.SetSessionState(sessionState("s-1", 1))

		b.AddEvent(padEventTo(t, int(float64(1<<20)*0.89)))

		time.Sleep(300 * time.Millisecond)
		assert.Empty(t, sender.sent(), "no flush below the trigger ratio")
	})
}

// ---------------------------------------------------------------------------
// Backoff (scenario S3)
// ---------------------------------------------------------------------------

func TestFlush_ExponentialBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sender := &fakeSender{}
	sender.setErr(errors.New("gateway down"))
	clock := newFakeClock(0)
	b := newBuffer(t, sender, store.NewMemory(), clock)
	b.SetSessionState(sessionState("s-1", 0))

	b.AddEvent(domEvent(10))

	// First failure: backoff deadline lands 5s out.
	require.Error(t, b.Flush(ctx, false))

	// 2s later, still inside backoff: the flush is skipped silently.
	clock.advance(2 * time.Second)
	sender.setErr(nil)
	require.NoError(t, b.Flush(ctx, false))
	assert.Empty(t, sender.sent(), "flush inside backoff window is skipped")

	// 6s after the failure, the flush runs; make it fail again.
	sender.setErr(errors.New("still down"))
	clock.advance(4 * time.Second)
	require.Error(t, b.Flush(ctx, false))

	// Second failure doubles the backoff: 5s*2 = 10s from now.
	sender.setErr(nil)
	clock.advance(9 * time.Second)
	require.NoError(t, b.Flush(ctx, false))
	assert.Empty(t, sender.sent(), "second backoff window is at least 10s")

	clock.advance(2 * time.Second)
	require.NoError(t, b.Flush(ctx, false))
	assert.Len(t, sender.sent(), 1, "flush succeeds after the backoff deadline")
}

func TestFlush_TerminalIgnoresBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sender := &fakeSender{}
	sender.setErr(errors.New("down"))
	clock := newFakeClock(0)
	b := newBuffer(t, sender, store.NewMemory(), clock)
	b.SetSessionState(sessionState("s-1", 0))

	b.AddEvent(domEvent(10))
	require.Error(t, b.Flush(ctx, false))

	sender.setErr(nil)
	require.NoError(t, b.Flush(ctx, true), "terminal flush ignores the backoff deadline")
	require.Len(t, sender.sent(), 1)
	assert.True(t, sender.sent()[0].IsSessionEnded)
}

// ---------------------------------------------------------------------------
// Persistence and replay (scenario S4)
// ---------------------------------------------------------------------------

func TestPersist_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	clock := newFakeClock(1_000)
	b := newBuffer(t, &fakeSender{}, st, clock)
	b.SetSessionState(sessionState("s-1", 500))
	b.SetUserIdentity(&domain.UserIdentity{DistinctID: "u-1"})

	for i := range 5 {
		b.AddEvent(domEvent(int64(600 + i)))
	}
	require.NoError(t, b.Persist(ctx))

	// A fresh buffer over the same store sees the entry and replays it with
	// the persisted startTime (lastBatchEndTime is unset in a new instance).
	sender := &fakeSender{}
	replay := newBuffer(t, sender, st, newFakeClock(2_000))
	replay.SetSessionState(sessionState("s-1", 500))
	require.NoError(t, replay.FlushPersistedBuffers(ctx))

	batches := sender.sent()
	require.Len(t, batches, 1)
	got := batches[0]
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, int64(500), got.StartTime, "persisted startTime preserved")
	assert.False(t, got.IsSessionEnded, "current-session carry-over is not terminal")
	assert.Len(t, got.Data, 5)
	require.NotNil(t, got.UserIdentity)
	assert.Equal(t, "u-1", got.UserIdentity.DistinctID)

	// Entry removed after success; replaying again is a no-op.
	require.NoError(t, replay.FlushPersistedBuffers(ctx))
	assert.Len(t, sender.sent(), 1)

	// Contiguity resumes from the replayed batch's end time.
	assert.Equal(t, got.EndTime, replay.LastBatchEndTime())
}

func TestFlushPersistedBuffers_ForeignSessionIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	old := newBuffer(t, &fakeSender{}, st, newFakeClock(1_000))
	old.SetSessionState(sessionState("s-old", 500))
	old.AddEvent(domEvent(600))
	require.NoError(t, old.Persist(ctx))

	sender := &fakeSender{}
	b := newBuffer(t, sender, st, newFakeClock(60 * 60 * 1000))
	b.SetSessionState(sessionState("s-new", 3_000_000))
	require.NoError(t, b.FlushPersistedBuffers(ctx))

	batches := sender.sent()
	require.Len(t, batches, 1)
	assert.Equal(t, "s-old", batches[0].SessionID)
	assert.True(t, batches[0].IsSessionEnded, "cross-session carry-over is terminal for its owner")
	assert.Zero(t, b.LastBatchEndTime(), "foreign replay does not advance the live stream")
}

func TestFlushPersistedBuffers_FailureKeepsEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	old := newBuffer(t, &fakeSender{}, st, newFakeClock(1_000))
	old.SetSessionState(sessionState("s-1", 500))
	old.AddEvent(domEvent(600))
	require.NoError(t, old.Persist(ctx))

	failing := &fakeSender{}
	failing.setErr(errors.New("offline"))
	b := newBuffer(t, failing, st, newFakeClock(2_000))
	b.SetSessionState(sessionState("s-1", 500))
	require.Error(t, b.FlushPersistedBuffers(ctx))

	// Entry survives for the next attempt.
	failing.setErr(nil)
	require.NoError(t, b.FlushPersistedBuffers(ctx))
	assert.Len(t, failing.sent(), 1)
}

func TestPersist_CapsStoredSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	for i := range 5 {
		clock := newFakeClock(int64(1_000 * (i + 1)))
		b := newBuffer(t, &fakeSender{}, st, clock)
		b.SetSessionState(sessionState(sessionID(i), int64(1_000*(i+1)-500)))
		b.AddEvent(domEvent(int64(1_000 * (i + 1))))
		require.NoError(t, b.Persist(ctx))
	}

	sender := &fakeSender{}
	b := newBuffer(t, sender, st, newFakeClock(10_000))
	b.SetSessionState(sessionState("s-current", 9_000))
	require.NoError(t, b.FlushPersistedBuffers(ctx))

	batches := sender.sent()
	assert.Len(t, batches, 3, "at most the three most recent sessions persist")
	for _, got := range batches {
		assert.NotEqual(t, sessionID(0), got.SessionID)
		assert.NotEqual(t, sessionID(1), got.SessionID)
	}
}

func sessionID(i int) string {
	return "s-" + string(rune('a'+i))
}

func TestDestroy_PersistsWhenTerminalFlushFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	failing := &fakeSender{}
	failing.setErr(errors.New("offline"))
	b := buffer.New(failing, st, nil, buffer.Options{})
	b.SetClock(newFakeClock(1_000).now)
	b.SetSessionState(sessionState("s-1", 500))
	b.AddEvent(domEvent(600))

	require.Error(t, b.Destroy(ctx))

	// The events are waiting in the durable slot.
	sender := &fakeSender{}
	replay := newBuffer(t, sender, st, newFakeClock(2_000))
	replay.SetSessionState(sessionState("s-1", 500))
	require.NoError(t, replay.FlushPersistedBuffers(ctx))
	require.Len(t, sender.sent(), 1)
	assert.Len(t, sender.sent()[0].Data, 1)
}

// ---------------------------------------------------------------------------
// Batch splitting
// ---------------------------------------------------------------------------

func TestSplit(t *testing.T) {
	t.Parallel()

	newID := func() func() string {
		n := 0
		return func() string {
			n++
			return "piece-" + string(rune('0'+n))
		}
	}

	t.Run("under the cap is untouched", func(t *testing.T) {
		t.Parallel()

		b := &domain.Batch{BatchID: "parent", Size: 100, Data: []domain.Event{domEvent(1), domEvent(2)}}
		pieces := buffer.Split(b, buffer.SevenMegabytes, newID())
		require.Len(t, pieces, 1)
		assert.Equal(t, "parent", pieces[0].BatchID)
	})

	t.Run("single event is never split", func(t *testing.T) {
		t.Parallel()

		b := &domain.Batch{BatchID: "parent", Size: buffer.SevenMegabytes * 2, Data: []domain.Event{domEvent(1)}}
		pieces := buffer.Split(b, buffer.SevenMegabytes, newID())
		assert.Len(t, pieces, 1)
	})

	t.Run("oversized batch splits under the cap", func(t *testing.T) {
		t.Parallel()

		events := make([]domain.Event, 64)
		for i := range events {
			events[i] = domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: int64(i), Data: map[string]any{"pad": pad(300_000)}}
		}
		b := &domain.Batch{
			SessionID: "s-1",
			BatchID:   "parent",
			StartTime: 10,
			EndTime:   20,
			Size:      domain.EstimateSize(events),
			Data:      events,
		}
		require.GreaterOrEqual(t, b.Size, buffer.SevenMegabytes)

		pieces := buffer.Split(b, buffer.SevenMegabytes, newID())
		require.Greater(t, len(pieces), 1)

		var total int
		seen := map[string]bool{}
		for _, p := range pieces {
			if len(p.Data) >= 2 {
				assert.Less(t, p.Size, buffer.SevenMegabytes, "every multi-event piece is under the cap")
			}
			assert.Equal(t, "s-1", p.SessionID)
			assert.Equal(t, int64(10), p.StartTime)
			assert.Equal(t, int64(20), p.EndTime)
			assert.False(t, seen[p.BatchID], "piece batch ids are unique")
			seen[p.BatchID] = true
			total += len(p.Data)
		}
		assert.Equal(t, len(events), total, "no events lost in the split")

		// Order is preserved across pieces.
		var ts []int64
		for _, p := range pieces {
			for _, e := range p.Data {
				ts = append(ts, e.Time())
			}
		}
		for i := 1; i < len(ts); i++ {
			assert.Equal(t, ts[i-1]+1, ts[i])
		}
	})

	t.Run("terminal flag lands on the last piece only", func(t *testing.T) {
		t.Parallel()

		events := make([]domain.Event, 4)
		for i := range events {
			events[i] = domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: int64(i), Data: map[string]any{"pad": pad(100)}}
		}
		b := &domain.Batch{BatchID: "parent", IsSessionEnded: true, Size: 1_000_000, Data: events}
		pieces := buffer.Split(b, 500, newID())
		require.Greater(t, len(pieces), 1)
		for i, p := range pieces {
			assert.Equal(t, i == len(pieces)-1, p.IsSessionEnded)
		}
	})
}
