// Package agent wires the capture-to-upload pipeline and owns its
// lifecycle: init gating, start/stop, pause/resume, identification, and
// visibility transitions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/api"
	"github.com/perceptr/perceptr-go/internal/buffer"
	"github.com/perceptr/perceptr-go/internal/domain"
	"github.com/perceptr/perceptr-go/internal/memwatch"
	"github.com/perceptr/perceptr-go/internal/nettap"
	"github.com/perceptr/perceptr-go/internal/recorder"
	"github.com/perceptr/perceptr-go/internal/session"
)

// visibilityDebounce absorbs rapid visibility flapping before the handler
// runs.
const visibilityDebounce = 400 * time.Millisecond

// deferredEnableDelay approximates deferring non-urgent work to an idle
// moment after start.
const deferredEnableDelay = 50 * time.Millisecond

// Visibility mirrors the host's foreground/background state.
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

// Options configures an Orchestrator.
type Options struct {
	ProjectID   string
	Environment api.Environment
	BaseURL     string // overrides the environment host when set
	Compress    bool

	Store       domain.Store       // required: per-agent durable store
	Broadcaster domain.Broadcaster // optional advisory channel
	Source      recorder.Source    // DOM recording primitive; nil skips DOM capture

	Session  session.Options
	Recorder recorder.Options
	Tap      nettap.Options

	MemoryLimit        uint64
	DisablePersistence bool

	// OnError observes classified pipeline faults. Optional.
	OnError func(*Error)
}

// Orchestrator exclusively owns the pipeline singletons. Construction kicks
// off async init; Start, Stop, and Identify gate on it.
type Orchestrator struct {
	opts Options

	client   *api.Client
	tap      *nettap.Tap
	rec      *recorder.Recorder
	mem      *memwatch.Watch
	sessions *session.Manager
	buf      *buffer.Buffer

	initDone chan struct{}
	initErr  error

	mu       sync.Mutex
	started  bool
	stopped  bool
	visTimer *time.Timer
}

// New constructs the orchestrator and begins initialization in the
// background: credential check, component construction, session
// resolution, and persisted-buffer replay.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:     opts,
		initDone: make(chan struct{}),
	}
	go o.init()
	return o
}

func (o *Orchestrator) init() {
	defer close(o.initDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	baseURL := o.opts.BaseURL
	if baseURL == "" {
		baseURL = o.opts.Environment.BaseURL()
	}

	// The tap goes first so the uploader can ride on the unwrapped
	// dispatcher: the pipeline must never record its own traffic.
	o.tap = nettap.New(o.opts.Tap)
	o.client = api.NewClientWithBaseURL(o.opts.ProjectID, baseURL, api.Options{
		Compress:   o.opts.Compress,
		HTTPClient: &http.Client{Timeout: 30 * time.Second, Transport: o.tap.OriginalTransport()},
	})

	if !o.client.CheckValidProjectID(ctx) {
		o.initErr = o.surface(&Error{Kind: InitializationFailure, Err: domain.ErrInvalidProject})
		return
	}
	if o.opts.Source != nil {
		o.rec = recorder.New(o.opts.Source, o.opts.Recorder)
	}
	o.mem = memwatch.New(o.onMemoryLimit, memwatch.Options{Limit: o.opts.MemoryLimit})
	o.sessions = session.NewManager(o.opts.Store, o.opts.Broadcaster, o.opts.Session)
	o.buf = buffer.New(o.client, o.opts.Store, o.sessions, buffer.Options{
		DisablePersistence: o.opts.DisablePersistence,
	})

	state, err := o.sessions.GetOrCreateSession(ctx)
	if err != nil {
		o.initErr = o.surface(&Error{Kind: InitializationFailure, Err: err})
		return
	}
	o.buf.SetSessionState(state)

	// Drain carry-overs from previous loads before new events pile up.
	if err := o.buf.FlushPersistedBuffers(ctx); err != nil {
		_ = o.surface(&Error{Kind: UploadFailure, Err: err})
	}
}

// awaitInit blocks until init settles and returns its outcome.
func (o *Orchestrator) awaitInit(ctx context.Context) error {
	select {
	case <-o.initDone:
		return o.initErr
	case <-ctx.Done():
		return fmt.Errorf("agent.Orchestrator: init wait: %w", ctx.Err())
	}
}

// Start wires the producers into the buffer and begins capture. The DOM
// recorder starts immediately so the initial full snapshot is not missed;
// enabling the network tap is deferred to an idle moment.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.awaitInit(ctx); err != nil {
		return fmt.Errorf("agent.Orchestrator.Start: %w", err)
	}

	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	o.tap.Subscribe(func(rec domain.NetworkRecord) {
		o.buf.AddEvent(rec)
	})
	if o.rec != nil {
		o.rec.Subscribe(func(e domain.DomEvent) {
			o.buf.AddEvent(e)
		})
	}

	o.mem.Start()

	if o.rec != nil {
		if err := o.rec.StartSession(); err != nil {
			// DOM capture is skipped; network capture still runs.
			_ = o.surface(&Error{Kind: RecordingFailure, Err: err})
		}
	}

	time.AfterFunc(deferredEnableDelay, func() {
		o.mu.Lock()
		runnable := o.started && !o.stopped
		o.mu.Unlock()
		if runnable {
			o.tap.Enable()
		}
	})

	log.Info().Str("project_id", o.opts.ProjectID).Msg("agent: recording started")
	return nil
}

// Stop force-flushes the buffer as the session's terminal batch, then
// tears the pipeline down. The in-flight upload completes or fails on its
// own before listeners are removed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if err := o.awaitInit(ctx); err != nil {
		return fmt.Errorf("agent.Orchestrator.Stop: %w", err)
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	if o.visTimer != nil {
		o.visTimer.Stop()
	}
	o.mu.Unlock()

	flushErr := o.buf.Destroy(ctx)
	if flushErr != nil {
		_ = o.surface(&Error{Kind: ExportFailure, Err: flushErr})
	}

	if o.rec != nil {
		o.rec.StopSession()
	}
	o.tap.Disable()
	o.mem.Stop()

	log.Info().Msg("agent: recording stopped")
	if flushErr != nil {
		return fmt.Errorf("agent.Orchestrator.Stop: %w", flushErr)
	}
	return nil
}

// Pause suspends capture without ending the session.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	ready := o.started && !o.stopped
	o.mu.Unlock()
	if !ready {
		return
	}
	if o.rec != nil {
		o.rec.Pause()
	}
	o.tap.Disable()
	o.mem.Stop()
	log.Info().Msg("agent: recording paused")
}

// Resume restores capture after Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	ready := o.started && !o.stopped
	o.mu.Unlock()
	if !ready {
		return
	}
	if o.rec != nil {
		o.rec.Resume()
	}
	o.tap.Enable()
	o.mem.Start()
	log.Info().Msg("agent: recording resumed")
}

// Identify attaches a user identity to subsequent batches and drops a
// synthetic $identify event inline in the chronology.
func (o *Orchestrator) Identify(ctx context.Context, distinctID string, traits map[string]any) error {
	if err := o.awaitInit(ctx); err != nil {
		return fmt.Errorf("agent.Orchestrator.Identify: %w", err)
	}

	identity := &domain.UserIdentity{DistinctID: distinctID, Traits: traits}
	o.buf.SetUserIdentity(identity)

	if o.rec != nil {
		o.rec.EmitCustom("$identify", map[string]any{
			"distinctId": distinctID,
			"traits":     traits,
		})
	}
	return nil
}

// SetVisibility reacts to foreground/background transitions. Hidden
// persists the unsent buffer immediately (the process may never come
// back); Visible re-resolves the session and replays carry-overs after a
// short debounce that absorbs flapping.
func (o *Orchestrator) SetVisibility(ctx context.Context, v Visibility) {
	select {
	case <-o.initDone:
	default:
		return // not initialized yet
	}
	if o.initErr != nil {
		return
	}

	if v == Hidden {
		if err := o.buf.Persist(ctx); err != nil {
			log.Warn().Err(err).Msg("agent: hidden-visibility persist failed")
		}
		return
	}

	o.mu.Lock()
	if o.visTimer != nil {
		o.visTimer.Stop()
	}
	o.visTimer = time.AfterFunc(visibilityDebounce, func() {
		o.onVisible(context.Background())
	})
	o.mu.Unlock()
}

func (o *Orchestrator) onVisible(ctx context.Context) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	state, err := o.sessions.GetOrCreateSession(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("agent: session re-resolution on visible failed")
		return
	}
	o.buf.SetSessionState(state)

	if err := o.buf.FlushPersistedBuffers(ctx); err != nil {
		_ = o.surface(&Error{Kind: UploadFailure, Err: err})
	}
}

// onMemoryLimit is MemoryWatch's callback: surface the overage and pause
// the pipeline, which stops the watcher.
func (o *Orchestrator) onMemoryLimit(used uint64) {
	_ = o.surface(&Error{Kind: MemoryLimitExceeded, Err: fmt.Errorf("heap usage %d bytes over limit", used)})
	o.Pause()
}

// surface reports a classified fault on the error channel and returns it.
func (o *Orchestrator) surface(e *Error) error {
	log.Error().Str("kind", string(e.Kind)).Err(e.Err).Msg("agent: pipeline fault")
	if o.opts.OnError != nil {
		o.opts.OnError(e)
	}
	return e
}

// InitErr returns the settled init outcome, or an error when init is still
// in flight.
func (o *Orchestrator) InitErr() error {
	select {
	case <-o.initDone:
		return o.initErr
	default:
		return errors.New("agent: init in progress")
	}
}
