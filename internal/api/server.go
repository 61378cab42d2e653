// Package api serves the operational HTTP surface: health, Prometheus
// metrics, queue depth and per-mailbox quota inspection. It is an
// operator-facing read-only API; mailbox onboarding and OAuth consent
// live outside this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/store"
	"github.com/embermail/embermail/internal/warmup"
)

// Server is the operational HTTP server.
type Server struct {
	listen     string
	store      store.Store
	broker     queue.Broker
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an operational API server listening on listen.
func NewServer(listen string, st store.Store, broker queue.Broker) *Server {
	s := &Server{
		listen: listen,
		store:  st,
		broker: broker,
		logger: slog.Default().With("component", "api"),
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/queue/stats", s.handleQueueStats).Methods("GET")
	router.HandleFunc("/api/quota/{owner}", s.handleQuota).Methods("GET")
	router.HandleFunc("/api/messages", s.handleMessages).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting operational API", "listen", s.listen)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{"status": "ok"}
	if !s.store.IsConnected() {
		health["status"] = "degraded"
		health["store"] = "disconnected"
		s.writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	queue.RecordDepth(stats)
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	quota, err := s.store.GetQuota(r.Context(), owner)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "quota not found")
		return
	}
	if err != nil {
		s.logger.Error("quota lookup failed", "owner_id", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "quota lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"quota":       quota,
		"daily_limit": warmup.CalculateDailyLimit(quota),
		"exhausted":   warmup.IsQuotaExceeded(quota),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	tenant := r.URL.Query().Get("tenant")
	if owner == "" || tenant == "" {
		s.writeError(w, http.StatusBadRequest, "owner and tenant query parameters are required")
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), owner, tenant, 100)
	if err != nil {
		s.logger.Error("message listing failed", "owner_id", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "message listing failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
