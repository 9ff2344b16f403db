// Command perceptr-agent runs the capture-to-upload pipeline from
// environment configuration until interrupted. SIGUSR1 simulates a
// hidden-visibility transition (persisting the buffer), SIGUSR2 a visible
// one (replaying persisted carry-overs).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	perceptr "github.com/perceptr/perceptr-go"
	"github.com/perceptr/perceptr-go/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	// Initialize structured logging from environment.
	logLevel := os.Getenv("PERCEPTR_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("PERCEPTR_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	blocked := make([]string, 0, len(cfg.DOM.BlockedURLs))
	for _, p := range cfg.DOM.BlockedURLs {
		blocked = append(blocked, p.URL)
	}

	agent, err := perceptr.New(perceptr.Config{
		ProjectID:          cfg.ProjectID,
		Environment:        string(cfg.Environment),
		BaseURL:            cfg.BaseURL,
		Compress:           cfg.Compress,
		Source:             newSyntheticSource(),
		StorePath:          cfg.Store.Path,
		RedisAddr:          cfg.Redis.Addr,
		RedisPassword:      cfg.Redis.Password,
		RedisDB:            cfg.Redis.DB,
		InactivityTimeout:  cfg.Session.InactivityTimeout,
		MaxSessionDuration: cfg.Session.MaxSessionDuration,
		IdleTimeout:        cfg.DOM.IdleTimeout,
		ExcludeURLs:        cfg.Network.ExcludeURLs,
		BlockedURLs:        blocked,
		SanitizeParams:     cfg.Network.SanitizeParams,
		SanitizeHeaders:    cfg.Network.SanitizeHeaders,
		SanitizeBodyFields: cfg.Network.SanitizeBodyFields,
		CaptureBodies:      cfg.Network.CaptureBodies,
		MaxBodySize:        cfg.Network.MaxBodySize,
		MemoryLimit:        cfg.MemoryLimit,
		DisablePersistence: cfg.DisablePersistence,
		OnError: func(e *perceptr.Error) {
			log.Warn().Str("kind", string(e.Kind)).Err(e.Err).Msg("pipeline fault")
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("project_id", cfg.ProjectID).Str("env", string(cfg.Environment)).Msg("agent running")

	// Visibility simulation on SIGUSR1 (hidden) / SIGUSR2 (visible).
	visibility := make(chan os.Signal, 1)
	signal.Notify(visibility, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range visibility {
			switch sig {
			case syscall.SIGUSR1:
				log.Info().Msg("visibility: hidden")
				agent.SetVisibility(context.Background(), perceptr.Hidden)
			case syscall.SIGUSR2:
				log.Info().Msg("visibility: visible")
				agent.SetVisibility(context.Background(), perceptr.Visible)
			}
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	if err := agent.Stop(stopCtx); err != nil {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}
