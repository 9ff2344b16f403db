// Command perceptr-devserver serves the local control plane + ingest stub
// backing the SDK's "local" environment.
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

	"github.com/perceptr/perceptr-go/internal/devserver"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	_ = godotenv.Load()

	level, parseErr := zerolog.ParseLevel(os.Getenv("PERCEPTR_LOG_LEVEL"))
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	addr := os.Getenv("PERCEPTR_DEVSERVER_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	baseURL := os.Getenv("PERCEPTR_DEVSERVER_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	dbPath := os.Getenv("PERCEPTR_DEVSERVER_DB")
	if dbPath == "" {
		dbPath = "perceptr-batches.db"
	}

	archive, err := devserver.NewArchive(dbPath)
	if err != nil {
		return err
	}
	defer archive.Close()

	srv := devserver.New(addr, baseURL, archive)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Info().Str("addr", addr).Str("db", dbPath).Msg("devserver listening")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
