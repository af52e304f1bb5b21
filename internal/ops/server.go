// Package ops serves the read-only operational surface: health, current
// positions, risk state, and Prometheus metrics. It never mutates anything.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/metrics"
	"github.com/amuzetnoM/herald/internal/position"
	"github.com/amuzetnoM/herald/internal/risk"
)

// Server is the optional status HTTP server, enabled by ops.listen config.
type Server struct {
	addr    string
	tracker *position.Tracker
	gate    *risk.Gate
	metrics *metrics.Metrics
	logger  *logrus.Logger

	started time.Time
	httpSrv *http.Server
}

// NewServer wires the read-only views into a chi router.
func NewServer(addr string, tracker *position.Tracker, gate *risk.Gate, m *metrics.Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		addr:    addr,
		tracker: tracker,
		gate:    gate,
		metrics: m,
		logger:  logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/api/positions", s.handlePositions)
	r.Get("/api/risk", s.handleRisk)
	r.Handle("/metrics", m.Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. Listen failures are logged, not
// fatal: the trading loop does not depend on the ops surface.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.addr).Info("ops server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("ops server stopped: %v", err)
		}
	}()
}

// Shutdown stops the server within the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"realized_today": s.gate.RealizedToday(),
		"breaker_open":   s.gate.BreakerOpen(),
		"entries_halted": s.gate.EntriesHalted(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
