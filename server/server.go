// Package server exposes the scan trigger and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stock_scanner/logging"
	"stock_scanner/services"
)

// Triggerer starts a background scan and returns its ID.
type Triggerer interface {
	Trigger(filter string) (string, error)
}

type HealthChecker interface {
	Check(ctx context.Context) services.HealthReport
}

type Server struct {
	trigger Triggerer
	health  HealthChecker
	srv     *http.Server
}

func New(addr string, trigger Triggerer, health HealthChecker) *Server {
	s := &Server{trigger: trigger, health: health}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/scans", s.handleTriggerScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/{exchange}", s.handleTriggerScan).Methods(http.MethodPost)
	return r
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Get().Infow("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleTriggerScan answers 202 at once; the scan runs in the background.
// The exchange comes from the path or the ?exchange= query.
func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	filter := mux.Vars(r)["exchange"]
	if filter == "" {
		filter = r.URL.Query().Get("exchange")
	}

	id, err := s.trigger.Trigger(filter)
	if err != nil {
		logging.Get().Warnw("scan trigger rejected", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}

	resp := map[string]string{"status": "accepted", "scan_id": id}
	if filter != "" {
		resp["exchange"] = filter
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, services.HealthReport{Status: "ok"})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get().Warnw("failed to write response", "error", err)
	}
}
