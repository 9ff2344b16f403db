// Package buffer is the central batching engine: it accumulates the mixed
// event stream, flushes size- and age-bounded batches to the ingestion
// service, backs off on failure, and persists unsent events across unloads.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/domain"
)

// Internal tuning. Not user-configurable.
const (
	maxBufferSize      = 1 << 20 // soft cap; flush triggers at 90%
	flushTriggerRatio  = 0.9
	flushInterval      = 60 * time.Second
	maxBufferAge       = 300 * time.Second
	backoffInterval    = 5 * time.Second
	maxBackoffInterval = 300 * time.Second
	hardDropThreshold  = 140 << 20 // beyond this the oldest 20% is dropped
	hardDropKeepRatio  = 0.8
	maxStoredSessions  = 3

	// scheduleDelay approximates deferring flush work to an idle moment.
	scheduleDelay = 25 * time.Millisecond
)

// Sender uploads one batch. Implemented by api.Client.
type Sender interface {
	SendEvents(ctx context.Context, batch *domain.Batch) error
}

// ActivityUpdater receives user-activity notifications. Implemented by
// session.Manager.
type ActivityUpdater interface {
	UpdateActivity(ctx context.Context)
}

// Options configures a Buffer.
type Options struct {
	// DisablePersistence turns off the durable unsent-event slot.
	DisablePersistence bool
}

// Buffer owns the in-memory event list and the persistence slot. Flushes
// are serialized by an in-progress guard; a non-terminal flush is refused
// before the backoff deadline.
type Buffer struct {
	sender   Sender
	store    domain.Store
	activity ActivityUpdater
	persist  bool
	now      func() time.Time
	newID    func() string

	mu               sync.Mutex
	events           []domain.Event
	eventSizes       []int
	size             int
	oldestEnqueuedAt time.Time
	state            *domain.SessionState
	identity         *domain.UserIdentity
	lastBatchEndTime int64
	flushInProgress  bool
	flushFailures    int
	backoffUntil     time.Time
	flushTimer       *time.Timer
	scheduled        bool
	destroyed        bool
}

// New creates a Buffer and arms its periodic flush timer. activity may be
// nil when no session manager participates (tests).
func New(sender Sender, store domain.Store, activity ActivityUpdater, opts Options) *Buffer {
	b := &Buffer{
		sender:   sender,
		store:    store,
		activity: activity,
		persist:  !opts.DisablePersistence,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	b.armFlushTimer()
	return b
}

// SetClock overrides the time source. Test hook; call before use.
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetSessionState shares the session identity with the buffer. The session
// manager remains the sole writer of the state itself.
func (b *Buffer) SetSessionState(s *domain.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

// SetUserIdentity attaches the identity carried by subsequent batches.
func (b *Buffer) SetUserIdentity(id *domain.UserIdentity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity = id
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// LastBatchEndTime returns the end time of the last successful flush, or 0.
func (b *Buffer) LastBatchEndTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBatchEndTime
}

// AddEvent appends one record to the buffer. The SDK's own console log
// records are dropped; interactive DOM events bump the session's activity
// clock; a flush is scheduled when the size or age threshold is crossed.
func (b *Buffer) AddEvent(e domain.Event) {
	if dom, ok := e.(domain.DomEvent); ok && dom.IsInternalLog() {
		return
	}

	interactive := false
	if dom, ok := e.(domain.DomEvent); ok && dom.IsInteractive() {
		interactive = true
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	size := domain.EstimateSize(e)
	if len(b.events) == 0 {
		b.oldestEnqueuedAt = b.now()
	}
	b.events = append(b.events, e)
	b.eventSizes = append(b.eventSizes, size)
	b.size += size

	shouldSchedule := b.flushDueLocked() && !b.flushInProgress && !b.scheduled && !b.now().Before(b.backoffUntil)
	if shouldSchedule {
		b.scheduled = true
	}
	b.mu.Unlock()

	if interactive && b.activity != nil {
		b.activity.UpdateActivity(context.Background())
	}

	if shouldSchedule {
		time.AfterFunc(scheduleDelay, func() {
			b.mu.Lock()
			b.scheduled = false
			b.mu.Unlock()
			if err := b.Flush(context.Background(), false); err != nil {
				log.Debug().Err(err).Msg("buffer: scheduled flush failed")
			}
		})
	}
}

// flushDueLocked reports whether size or age warrants a flush. Caller holds mu.
func (b *Buffer) flushDueLocked() bool {
	if b.size >= int(float64(maxBufferSize)*flushTriggerRatio) {
		return true
	}
	return len(b.events) > 0 && b.now().Sub(b.oldestEnqueuedAt) > maxBufferAge
}

// Flush uploads everything currently buffered as one batch (split as
// needed). Serialized: a flush already in progress makes this a no-op.
// Non-terminal flushes respect the backoff deadline; terminal ones ignore it.
func (b *Buffer) Flush(ctx context.Context, isSessionEnded bool) error {
	b.mu.Lock()
	if b.flushInProgress {
		b.mu.Unlock()
		return nil
	}
	if !isSessionEnded && b.now().Before(b.backoffUntil) {
		b.mu.Unlock()
		return nil
	}
	if len(b.events) == 0 || b.state == nil {
		b.mu.Unlock()
		return nil
	}

	count := len(b.events)
	events := make([]domain.Event, count)
	copy(events, b.events)
	size := b.size

	startTime := b.lastBatchEndTime
	if startTime == 0 {
		startTime = b.state.StartTime
	}
	endTime := b.now().UnixMilli()

	batch := &domain.Batch{
		SessionID:      b.state.SessionID,
		BatchID:        b.newID(),
		IsSessionEnded: isSessionEnded,
		StartTime:      startTime,
		EndTime:        endTime,
		Size:           size,
		Data:           events,
		Metadata:       domain.Metadata{EventCount: count},
		UserIdentity:   b.identity,
	}

	b.flushInProgress = true
	b.mu.Unlock()

	err := b.send(ctx, batch)

	b.mu.Lock()
	b.flushInProgress = false
	if err == nil {
		b.dropPrefixLocked(count)
		b.lastBatchEndTime = endTime
		b.flushFailures = 0
		b.backoffUntil = time.Time{}
		b.armFlushTimerLocked()
		b.mu.Unlock()
		return nil
	}

	b.flushFailures++
	backoff := backoffInterval << (b.flushFailures - 1)
	if backoff > maxBackoffInterval || backoff <= 0 {
		backoff = maxBackoffInterval
	}
	b.backoffUntil = b.now().Add(backoff)

	if b.size >= hardDropThreshold {
		b.dropOldestLocked()
	}
	failures := b.flushFailures
	b.mu.Unlock()

	log.Warn().Err(err).Int("failures", failures).Dur("backoff", backoff).Msg("buffer: flush failed")
	return fmt.Errorf("buffer.Buffer.Flush: %w", err)
}

// send uploads the batch, splitting oversized ones first.
func (b *Buffer) send(ctx context.Context, batch *domain.Batch) error {
	for _, piece := range Split(batch, SevenMegabytes, b.newID) {
		if err := b.sender.SendEvents(ctx, piece); err != nil {
			return err
		}
	}
	return nil
}

// dropPrefixLocked removes the n oldest events (the flushed snapshot),
// keeping anything enqueued while the flush was in flight.
func (b *Buffer) dropPrefixLocked(n int) {
	for _, s := range b.eventSizes[:n] {
		b.size -= s
	}
	b.events = append([]domain.Event(nil), b.events[n:]...)
	b.eventSizes = append([]int(nil), b.eventSizes[n:]...)
	if len(b.events) > 0 {
		b.oldestEnqueuedAt = b.now()
	}
}

// dropOldestLocked retains the newest hardDropKeepRatio of the buffer. The
// only intentional data-loss path, taken when sustained upload failure has
// grown the buffer past the hard threshold.
func (b *Buffer) dropOldestLocked() {
	keep := int(float64(len(b.events)) * hardDropKeepRatio)
	dropped := len(b.events) - keep
	b.dropPrefixLocked(dropped)
	log.Warn().Int("dropped", dropped).Str("buffer", humanize.Bytes(uint64(b.size))).Msg("buffer: hard threshold exceeded, oldest events dropped")
}

func (b *Buffer) armFlushTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armFlushTimerLocked()
}

func (b *Buffer) armFlushTimerLocked() {
	if b.destroyed {
		return
	}
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.flushTimer = time.AfterFunc(flushInterval, func() {
		if err := b.Flush(context.Background(), false); err != nil {
			log.Debug().Err(err).Msg("buffer: periodic flush failed")
		}
		b.armFlushTimer()
	})
}

// Persist writes the unsent buffer into the durable slot under the current
// session, keeping entries for at most the three most recent sessions.
// Called on hidden-visibility and before unload.
func (b *Buffer) Persist(ctx context.Context) error {
	if !b.persist {
		return nil
	}

	b.mu.Lock()
	if b.state == nil {
		b.mu.Unlock()
		return nil
	}
	entry := domain.PersistedBuffer{
		SessionID:        b.state.SessionID,
		BatchID:          b.newID(),
		StartTime:        b.startTimeLocked(),
		EndTime:          b.now().UnixMilli(),
		LastActivityTime: b.state.LastActivityTime,
		Size:             b.size,
		Events:           append([]domain.Event(nil), b.events...),
		UserIdentity:     b.identity,
	}
	b.mu.Unlock()

	entries, err := b.loadPersisted(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("buffer: could not read persisted slot, overwriting")
		entries = nil
	}

	// Replace this session's entry; newest first; cap the session count.
	kept := entries[:0]
	for _, e := range entries {
		if e.SessionID != entry.SessionID {
			kept = append(kept, e)
		}
	}
	if len(entry.Events) > 0 {
		kept = append(kept, entry)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].EndTime > kept[j].EndTime })
	if len(kept) > maxStoredSessions {
		kept = kept[:maxStoredSessions]
	}

	return b.storePersisted(ctx, kept)
}

// FlushPersistedBuffers replays every stored entry through the sender.
// Entries of the current session keep contiguity with the live stream;
// entries of other sessions are by definition terminal for their owners.
// Successfully sent and empty entries are removed.
func (b *Buffer) FlushPersistedBuffers(ctx context.Context) error {
	if !b.persist {
		return nil
	}

	entries, err := b.loadPersisted(ctx)
	if err != nil {
		return fmt.Errorf("buffer.Buffer.FlushPersistedBuffers: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	b.mu.Lock()
	var currentID string
	if b.state != nil {
		currentID = b.state.SessionID
	}
	lastEnd := b.lastBatchEndTime
	b.mu.Unlock()

	var remaining []domain.PersistedBuffer
	var firstErr error
	for _, entry := range entries {
		if len(entry.Events) == 0 {
			continue
		}

		startTime := entry.StartTime
		if entry.SessionID == currentID && lastEnd != 0 {
			startTime = lastEnd
		}
		ended := entry.SessionID != currentID

		batch := &domain.Batch{
			SessionID:      entry.SessionID,
			BatchID:        entry.BatchID,
			IsSessionEnded: ended,
			StartTime:      startTime,
			EndTime:        entry.EndTime,
			Size:           entry.Size,
			Data:           entry.Events,
			Metadata:       domain.Metadata{EventCount: len(entry.Events)},
			UserIdentity:   entry.UserIdentity,
		}

		if err := b.send(ctx, batch); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			remaining = append(remaining, entry)
			continue
		}

		if entry.SessionID == currentID {
			b.mu.Lock()
			if entry.EndTime > b.lastBatchEndTime {
				b.lastBatchEndTime = entry.EndTime
			}
			lastEnd = b.lastBatchEndTime
			b.mu.Unlock()
		}
	}

	if err := b.storePersisted(ctx, remaining); err != nil {
		return fmt.Errorf("buffer.Buffer.FlushPersistedBuffers: %w", err)
	}
	if firstErr != nil {
		return fmt.Errorf("buffer.Buffer.FlushPersistedBuffers: %w", firstErr)
	}
	return nil
}

// Destroy stops the timers and, when events remain, attempts a terminal
// flush; if that fails the buffer is persisted for the next load.
func (b *Buffer) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	empty := len(b.events) == 0
	b.mu.Unlock()

	if empty {
		return nil
	}

	if err := b.Flush(ctx, true); err != nil {
		if persistErr := b.Persist(ctx); persistErr != nil {
			log.Error().Err(persistErr).Msg("buffer: terminal persist failed, events lost")
		}
		return fmt.Errorf("buffer.Buffer.Destroy: %w", err)
	}
	return nil
}

func (b *Buffer) startTimeLocked() int64 {
	if b.lastBatchEndTime != 0 {
		return b.lastBatchEndTime
	}
	if b.state != nil {
		return b.state.StartTime
	}
	return b.now().UnixMilli()
}

func (b *Buffer) loadPersisted(ctx context.Context) ([]domain.PersistedBuffer, error) {
	raw, ok, err := b.store.Get(ctx, domain.KeyBufferData)
	if err != nil {
		return nil, fmt.Errorf("load persisted: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var entries []domain.PersistedBuffer
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode persisted: %w", err)
	}
	return entries, nil
}

func (b *Buffer) storePersisted(ctx context.Context, entries []domain.PersistedBuffer) error {
	if len(entries) == 0 {
		if err := b.store.Delete(ctx, domain.KeyBufferData); err != nil {
			return fmt.Errorf("clear persisted: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode persisted: %w", err)
	}
	if err := b.store.Set(ctx, domain.KeyBufferData, raw); err != nil {
		return fmt.Errorf("store persisted: %w", err)
	}
	return nil
}
