// Package devserver is a local stand-in for the Perceptr control plane and
// upload target: it issues "pre-signed" URLs pointing back at itself,
// accepts batch uploads (gzip-aware), and archives them to SQLite for
// inspection. It serves the SDK's "local" environment during development
// and integration testing.
package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/domain"
)

// Server is the HTTP server wiring the control-plane routes.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	archive    *Archive
	baseURL    string

	mu         sync.Mutex
	processing map[string]bool // sessions whose processing has started
}

// New creates a Server with all routes wired. baseURL is the
// externally-reachable address embedded in issued upload URLs.
func New(addr, baseURL string, archive *Archive) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Encoding"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router:     router,
		archive:    archive,
		baseURL:    baseURL,
		processing: make(map[string]bool),
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}

	router.Route("/api/v1/per/{projectID}", func(r chi.Router) {
		r.Get("/check", s.handleCheck)
		r.Get("/r/{sessionID}/batch", s.handleBatchURL)
		r.Post("/r/{sessionID}/process", s.handleProcess)
	})
	router.Put("/upload/{projectID}/{sessionID}", s.handleUpload)

	return s
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	// Local development accepts every non-empty project id.
	ok := chi.URLParam(r, "projectID") != ""
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleBatchURL(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	started := s.processing[sessionID]
	s.mu.Unlock()
	if started {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "processing already started"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url": s.baseURL + "/upload/" + projectID + "/" + sessionID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "bad gzip payload", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var batch domain.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		http.Error(w, "invalid batch JSON", http.StatusBadRequest)
		return
	}

	err = s.archive.Insert(projectID, batch.SessionID, batch.BatchID, batch.IsSessionEnded,
		batch.StartTime, batch.EndTime, batch.Metadata.EventCount, raw)
	if err != nil {
		log.Error().Err(err).Msg("devserver: archive insert failed")
		http.Error(w, "storage failed", http.StatusInternalServerError)
		return
	}

	log.Info().
		Str("session_id", batch.SessionID).
		Str("batch_id", batch.BatchID).
		Int("events", batch.Metadata.EventCount).
		Str("payload", humanize.Bytes(uint64(len(raw)))).
		Bool("ended", batch.IsSessionEnded).
		Msg("devserver: batch received")

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	s.processing[sessionID] = true
	s.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("devserver: processing triggered")
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
