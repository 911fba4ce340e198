// Package server hosts the operational HTTP endpoints: liveness, readiness,
// Prometheus metrics and queue counts. The chat bot itself does not listen on
// HTTP; this server exists for orchestrators and dashboards.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/metrics"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// QueueStore is the part of the durable queue the ops endpoints read.
type QueueStore interface {
	Stats(ctx context.Context) (model.QueueStats, error)
	Ping(ctx context.Context) error
}

// Server hosts the ops handlers.
type Server struct {
	addr  string
	queue QueueStore
	log   *logrus.Entry
}

// New creates a configured server.
func New(addr string, queue QueueStore, logger *logrus.Logger) *Server {
	return &Server{
		addr:  addr,
		queue: queue,
		log:   logger.WithField("component", "ops-http"),
	}
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.log.WithField("addr", s.addr).Info("ops server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the router; exported for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.queue.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("readiness check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "fail",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	model.QueueStats
	Pending int64 `json:"pending"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.log.WithError(err).Error("read queue stats")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}
	metrics.ObserveQueue(stats)
	respondJSON(w, http.StatusOK, statsResponse{QueueStats: stats, Pending: stats.Pending()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	// Headers must be set before WriteHeader.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
