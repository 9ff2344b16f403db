// Package perceptr is the session telemetry agent SDK: it captures a mixed
// stream of DOM-recording events, network-request records, and console
// records, batches them into an activity-scoped session, and uploads each
// batch to the Perceptr ingestion service.
//
// Most hosts use the package-level singleton:
//
//	err := perceptr.Init(perceptr.Config{ProjectID: "...", Source: src})
//	err = perceptr.Start(ctx)
//	...
//	err = perceptr.Stop(ctx)
//
// A factory (New) exists for hosts that need more than one instance, e.g.
// tests.
package perceptr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/agent"
	"github.com/perceptr/perceptr-go/internal/api"
	"github.com/perceptr/perceptr-go/internal/broadcast"
	"github.com/perceptr/perceptr-go/internal/domain"
	"github.com/perceptr/perceptr-go/internal/nettap"
	"github.com/perceptr/perceptr-go/internal/recorder"
	"github.com/perceptr/perceptr-go/internal/session"
	"github.com/perceptr/perceptr-go/internal/store"
)

// Re-exported contracts so hosts can implement a recording source and
// inspect emitted records without reaching into internal packages.
type (
	// Event is one record on the session stream.
	Event = domain.Event
	// DomEvent is a raw record from the DOM recording primitive.
	DomEvent = domain.DomEvent
	// NetworkRecord is a sanitized request/response record.
	NetworkRecord = domain.NetworkRecord
	// UserIdentity is the identity attached by Identify.
	UserIdentity = domain.UserIdentity

	// Source is the external DOM-recording primitive contract.
	Source = recorder.Source
	// RecordOptions is handed to Source.Record.
	RecordOptions = recorder.RecordOptions
	// EmitFunc receives raw events from the Source.
	EmitFunc = recorder.EmitFunc
	// StopFunc tears down a recording.
	StopFunc = recorder.StopFunc

	// Error is a classified pipeline fault.
	Error = agent.Error
	// Visibility mirrors the host's foreground/background state.
	Visibility = agent.Visibility
)

// Visibility states.
const (
	Visible = agent.Visible
	Hidden  = agent.Hidden
)

// Config is the public agent configuration.
type Config struct {
	ProjectID   string
	Environment string // local, dev, stg, prod; empty means prod
	BaseURL     string // overrides the environment host when set
	Compress    bool

	// Source produces raw DOM events. Nil disables DOM capture; the
	// network tap still runs.
	Source Source

	// StorePath is the SQLite file backing session and buffer persistence.
	// Empty keeps everything in process memory.
	StorePath string

	// RedisAddr enables the advisory cross-process session channel.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration
	IdleTimeout        time.Duration

	ExcludeURLs        []string
	BlockedURLs        []string // regex patterns pausing DOM capture
	SanitizeParams     []string
	SanitizeHeaders    []string
	SanitizeBodyFields []string
	CaptureBodies      bool
	MaxBodySize        int

	MemoryLimit        uint64
	DisablePersistence bool

	// HrefProbe reports the host's current page URL, enabling
	// $url_changed synthesis. Optional.
	HrefProbe func() string

	// OnError observes classified pipeline faults. Optional.
	OnError func(*Error)
}

// Agent is one capture-to-upload pipeline instance.
type Agent struct {
	orch  *agent.Orchestrator
	st    domain.Store
	bc    domain.Broadcaster
	close sync.Once
}

// New builds an agent instance and begins its async initialization.
func New(cfg Config) (*Agent, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("perceptr: project id is required")
	}

	var st domain.Store
	if cfg.StorePath != "" {
		sq, err := store.NewSQLite(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("perceptr.New: %w", err)
		}
		st = sq
	} else {
		st = store.NewMemory()
	}

	var bc domain.Broadcaster
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r, err := broadcast.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			// The channel is advisory; its absence is tolerated.
			log.Warn().Err(err).Msg("perceptr: broadcast channel unavailable, continuing without it")
		} else {
			bc = r
		}
	}

	blocked := make([]recorder.BlockPattern, 0, len(cfg.BlockedURLs))
	for _, pattern := range cfg.BlockedURLs {
		blocked = append(blocked, recorder.BlockPattern{URL: pattern, Matching: "regex"})
	}

	orch := agent.New(agent.Options{
		ProjectID:   cfg.ProjectID,
		Environment: api.Environment(cfg.Environment),
		BaseURL:     cfg.BaseURL,
		Compress:    cfg.Compress,
		Store:       st,
		Broadcaster: bc,
		Source:      cfg.Source,
		Session: session.Options{
			InactivityTimeout:  cfg.InactivityTimeout,
			MaxSessionDuration: cfg.MaxSessionDuration,
		},
		Recorder: recorder.Options{
			IdleTimeout: cfg.IdleTimeout,
			BlockedURLs: blocked,
			HrefProbe:   cfg.HrefProbe,
		},
		Tap: nettap.Options{
			ExcludeURLs:        cfg.ExcludeURLs,
			SanitizeParams:     cfg.SanitizeParams,
			SanitizeHeaders:    cfg.SanitizeHeaders,
			SanitizeBodyFields: cfg.SanitizeBodyFields,
			MaxBodySize:        cfg.MaxBodySize,
			CaptureBodies:      cfg.CaptureBodies,
		},
		MemoryLimit:        cfg.MemoryLimit,
		DisablePersistence: cfg.DisablePersistence,
		OnError:            cfg.OnError,
	})

	return &Agent{orch: orch, st: st, bc: bc}, nil
}

// Start begins capture once initialization completes.
func (a *Agent) Start(ctx context.Context) error { return a.orch.Start(ctx) }

// Stop terminal-flushes the session and tears the pipeline down.
func (a *Agent) Stop(ctx context.Context) error {
	err := a.orch.Stop(ctx)
	a.close.Do(func() {
		if a.bc != nil {
			_ = a.bc.Close()
		}
		_ = a.st.Close()
	})
	return err
}

// Pause suspends capture without ending the session.
func (a *Agent) Pause() { a.orch.Pause() }

// Resume restores capture after Pause.
func (a *Agent) Resume() { a.orch.Resume() }

// Identify attaches a user identity to subsequent batches.
func (a *Agent) Identify(ctx context.Context, distinctID string, traits map[string]any) error {
	return a.orch.Identify(ctx, distinctID, traits)
}

// SetVisibility mirrors the host's foreground/background transitions into
// the pipeline.
func (a *Agent) SetVisibility(ctx context.Context, v Visibility) {
	a.orch.SetVisibility(ctx, v)
}

// ---------------------------------------------------------------------------
// Package-level singleton
// ---------------------------------------------------------------------------

var (
	singletonMu sync.Mutex
	singleton   *Agent
)

// Init creates the shared agent instance. Re-initialization is rejected
// with a warning; Stop the existing instance first.
func Init(cfg Config) error {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		log.Warn().Msg("perceptr: already initialized, ignoring re-init")
		return errors.New("perceptr: already initialized")
	}

	a, err := New(cfg)
	if err != nil {
		return err
	}
	singleton = a
	return nil
}

// Start begins capture on the shared instance.
func Start(ctx context.Context) error {
	a, err := shared()
	if err != nil {
		return err
	}
	return a.Start(ctx)
}

// Stop ends the session on the shared instance and releases it, so Init
// may be called again.
func Stop(ctx context.Context) error {
	singletonMu.Lock()
	a := singleton
	singleton = nil
	singletonMu.Unlock()

	if a == nil {
		return errors.New("perceptr: not initialized")
	}
	return a.Stop(ctx)
}

// Pause suspends capture on the shared instance.
func Pause() {
	if a, err := shared(); err == nil {
		a.Pause()
	}
}

// Resume restores capture on the shared instance.
func Resume() {
	if a, err := shared(); err == nil {
		a.Resume()
	}
}

// Identify attaches a user identity on the shared instance.
func Identify(ctx context.Context, distinctID string, traits map[string]any) error {
	a, err := shared()
	if err != nil {
		return err
	}
	return a.Identify(ctx, distinctID, traits)
}

func shared() (*Agent, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		return nil, errors.New("perceptr: not initialized")
	}
	return singleton, nil
}
