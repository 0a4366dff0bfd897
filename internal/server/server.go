// Package server exposes the HTTP trigger surface: POST /sync for the
// scheduler and GET /health for probes.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grumble-app/feedback-sync/internal/config"
	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/pipeline"
)

// SyncRunner runs one sync pipeline execution.
type SyncRunner interface {
	Run(ctx context.Context) (*model.SyncReport, error)
}

// Server hosts the sync trigger endpoints.
type Server struct {
	cfg    *config.Config
	syncer SyncRunner
}

// New creates a Server.
func New(cfg *config.Config, syncer SyncRunner) *Server {
	return &Server{cfg: cfg, syncer: syncer}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.With(s.requireBearer).Post("/sync", s.handleSync)
	return r
}

// ListenAndServe blocks until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("server: starting", zap.Int("port", s.cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// requireBearer rejects requests without a bearer token before the sync lock
// is ever touched. With sync.auth_token configured the token must match;
// otherwise only the header shape is checked, matching the deploys where the
// scheduler's identity layer has already verified the caller.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			zap.L().Warn("server: missing or invalid authorization header")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
			return
		}
		if want := s.cfg.Sync.AuthToken; want != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
				zap.L().Warn("server: bearer token mismatch")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	// The run must not die with the scheduler's connection; once started it
	// finishes (or fails) on its own terms.
	report, err := s.syncer.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, pipeline.ErrSyncInProgress) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status": "skipped",
				"reason": "Another sync in progress",
			})
			return
		}
		zap.L().Error("server: sync failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
