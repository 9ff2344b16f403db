// Package recorder wraps the external DOM-recording primitive: it gates the
// raw event stream on idle state and a URL blocklist, rate-limits mutation
// floods per node, and hands surviving events to the pipeline.
package recorder

import (
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/domain"
)

const (
	// DefaultMaxEvents bounds the recorder's internal event ring.
	DefaultMaxEvents = 10_000
	// DefaultIdleTimeout pauses recording after this long without an
	// interactive event.
	DefaultIdleTimeout = 10 * time.Second
	// DefaultURLCheckInterval is how often the href probe is compared
	// against the last meta event.
	DefaultURLCheckInterval = 5 * time.Second
)

// EmitFunc receives each raw event from the recording primitive.
type EmitFunc func(domain.DomEvent)

// StopFunc tears down a recording started by Source.Record.
type StopFunc func()

// RecordOptions is the contract handed to the recording primitive.
type RecordOptions struct {
	Emit     EmitFunc
	Plugins  []string
	Sampling map[string]any
}

// Source is the external DOM-recording primitive. Implementations emit raw
// snapshot/mutation/meta/plugin events until the returned StopFunc runs.
type Source interface {
	Record(opts RecordOptions) (StopFunc, error)
}

// Snapshotter is an optional Source capability: forcing a full snapshot.
// The limiter requests one after throttling a node so the stream stays
// reconstructable.
type Snapshotter interface {
	TakeFullSnapshot()
}

// NodeBlocker is an optional Source capability: suppressing further
// mutation reports for one node.
type NodeBlocker interface {
	BlockNode(nodeID int)
}

// State is the recorder lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// BlockPattern names a URL pattern on which recording pauses.
type BlockPattern struct {
	URL      string `json:"url"`
	Matching string `json:"matching"` // only "regex" is supported
}

// Options configures a Recorder.
type Options struct {
	MaxEvents        int
	IdleTimeout      time.Duration
	BlockedURLs      []BlockPattern
	BucketSize       int
	RefillRate       int
	Plugins          []string
	Sampling         map[string]any
	HrefProbe        func() string // current page URL; nil disables $url_changed synthesis
	URLCheckInterval time.Duration
}

// Recorder owns the interception state around one Source.
//
// Lifecycle: Idle -> Recording <-> Paused -> Stopped. Pausing happens on
// idle timeout, on a blocklisted URL, or explicitly; each cause clears
// independently.
type Recorder struct {
	source    Source
	opts      Options
	blocklist []*regexp.Regexp
	limiter   *mutationLimiter
	now       func() time.Time

	mu           sync.Mutex
	started      bool
	stopped      bool
	stopFn       StopFunc
	idlePaused   bool
	urlPaused    bool
	manualPaused bool
	idleTimer    *time.Timer
	lastHref     string
	metaSeen     bool // a meta event arrived since the last URL poll
	throttled    map[int]bool
	ring         []domain.DomEvent
	listener     func(domain.DomEvent)
	pollDone     chan struct{}
}

func New(source Source, opts Options) *Recorder {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.URLCheckInterval <= 0 {
		opts.URLCheckInterval = DefaultURLCheckInterval
	}
	if opts.Plugins == nil {
		// Console capture ships with the recording primitive and is on by
		// default; its records arrive as plugin events.
		opts.Plugins = []string{domain.ConsolePluginName}
	}

	blocklist := make([]*regexp.Regexp, 0, len(opts.BlockedURLs))
	for _, p := range opts.BlockedURLs {
		if p.Matching != "" && p.Matching != "regex" {
			log.Warn().Str("matching", p.Matching).Msg("recorder: unsupported blocklist matching kind skipped")
			continue
		}
		re, err := regexp.Compile(p.URL)
		if err != nil {
			log.Warn().Str("pattern", p.URL).Err(err).Msg("recorder: invalid blocklist pattern skipped")
			continue
		}
		blocklist = append(blocklist, re)
	}

	return &Recorder{
		source:    source,
		opts:      opts,
		blocklist: blocklist,
		limiter:   newMutationLimiter(opts.BucketSize, opts.RefillRate),
		now:       time.Now,
		throttled: make(map[int]bool),
	}
}

// SetClock overrides the time source. Test hook.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Subscribe installs the listener receiving each surviving event.
func (r *Recorder) Subscribe(fn func(domain.DomEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// State reports the composite lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Recorder) stateLocked() State {
	switch {
	case r.stopped:
		return StateStopped
	case !r.started:
		return StateIdle
	case r.idlePaused || r.urlPaused || r.manualPaused:
		return StatePaused
	default:
		return StateRecording
	}
}

// Events returns the retained event ring, oldest first.
func (r *Recorder) Events() []domain.DomEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DomEvent(nil), r.ring...)
}

// StartSession begins recording: installs the emit pipeline on the Source,
// arms the idle timer, and starts the URL-change poll.
func (r *Recorder) StartSession() error {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.pollDone = make(chan struct{})
	r.mu.Unlock()

	stop, err := r.source.Record(RecordOptions{
		Emit:     r.handleEmit,
		Plugins:  r.opts.Plugins,
		Sampling: r.opts.Sampling,
	})
	if err != nil {
		r.mu.Lock()
		r.started = false
		close(r.pollDone)
		r.pollDone = nil
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.stopFn = stop
	r.armIdleTimerLocked()
	done := r.pollDone
	r.mu.Unlock()

	if r.opts.HrefProbe != nil {
		go r.pollURL(done)
	}
	return nil
}

// StopSession tears everything down: the Source recording, the timers, and
// the event ring. Terminal.
func (r *Recorder) StopSession() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	stop := r.stopFn
	r.stopFn = nil
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	if r.pollDone != nil {
		close(r.pollDone)
		r.pollDone = nil
	}
	r.ring = nil
	r.mu.Unlock()

	r.limiter.stop()
	if stop != nil {
		stop()
	}
}

// Pause suspends event delivery until Resume.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualPaused = true
}

// Resume lifts an explicit Pause. Idle and URL pauses clear on their own
// triggers.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualPaused = false
	r.armIdleTimerLocked()
}

// EmitCustom synthesizes a custom event (e.g. $identify, $url_changed) and
// delivers it inline in the chronology, bypassing the pause filters.
func (r *Recorder) EmitCustom(tag string, payload map[string]any) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	e := domain.DomEvent{
		Type:      domain.EventCustom,
		Timestamp: r.now().UnixMilli(),
		Data:      map[string]any{"tag": tag, "payload": payload},
	}
	listener := r.appendLocked(e)
	r.mu.Unlock()

	if listener != nil {
		listener(e)
	}
}

// handleEmit is the filter pipeline every raw event runs through:
// rate limiter, URL blocklist, pause state, idle reset.
func (r *Recorder) handleEmit(e domain.DomEvent) {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.mu.Unlock()
		return
	}

	// (a) Mutation rate limiting per node.
	if id, isMutation := mutationNodeID(e); isMutation {
		if r.throttled[id] {
			r.mu.Unlock()
			return
		}
		if !r.limiter.allow(nodeKey(e)) {
			r.throttled[id] = true
			r.mu.Unlock()
			r.blockNode(id)
			return
		}
	}

	// (b) Blocklist evaluation on meta events.
	if e.Type == domain.EventMeta {
		href := e.Href()
		r.lastHref = href
		r.metaSeen = true
		r.urlPaused = r.hrefBlocked(href)
	}

	// (c) Pause filter.
	if r.idlePaused || r.urlPaused || r.manualPaused {
		// (d) An interactive event ends an idle pause.
		if e.IsInteractive() && r.idlePaused {
			r.idlePaused = false
			r.armIdleTimerLocked()
		}
		if r.idlePaused || r.urlPaused || r.manualPaused {
			r.mu.Unlock()
			return
		}
	}

	// (d) Idle timer reset on interaction.
	if e.IsInteractive() {
		r.armIdleTimerLocked()
	}

	listener := r.appendLocked(e)
	r.mu.Unlock()

	if listener != nil {
		listener(e)
	}
}

// appendLocked adds the event to the bounded ring and returns the listener
// to invoke after unlocking.
func (r *Recorder) appendLocked(e domain.DomEvent) func(domain.DomEvent) {
	r.ring = append(r.ring, e)
	if len(r.ring) > r.opts.MaxEvents {
		r.ring = r.ring[len(r.ring)-r.opts.MaxEvents:]
	}
	return r.listener
}

func (r *Recorder) hrefBlocked(href string) bool {
	for _, re := range r.blocklist {
		if re.MatchString(href) {
			return true
		}
	}
	return false
}

// blockNode marks a throttled node on the Source and requests a fresh full
// snapshot when the Source supports it, keeping the stream reconstructable
// past the dropped mutations.
func (r *Recorder) blockNode(id int) {
	log.Debug().Int("node_id", id).Msg("recorder: mutation flood throttled")
	if blocker, ok := r.source.(NodeBlocker); ok {
		blocker.BlockNode(id)
	}
	if snap, ok := r.source.(Snapshotter); ok {
		snap.TakeFullSnapshot()
	}
}

func (r *Recorder) armIdleTimerLocked() {
	if r.stopped || !r.started {
		return
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(r.opts.IdleTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped || !r.started {
			return
		}
		r.idlePaused = true
	})
}

// pollURL synthesizes a $url_changed event when the page URL moves without
// an intervening meta event (e.g. history.pushState navigation).
func (r *Recorder) pollURL(done chan struct{}) {
	ticker := time.NewTicker(r.opts.URLCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			href := r.opts.HrefProbe()

			r.mu.Lock()
			changed := !r.metaSeen && href != "" && href != r.lastHref
			r.metaSeen = false
			if changed {
				r.lastHref = href
				r.urlPaused = r.hrefBlocked(href)
			}
			r.mu.Unlock()

			if changed {
				r.EmitCustom("$url_changed", map[string]any{"href": href})
			}
		}
	}
}
