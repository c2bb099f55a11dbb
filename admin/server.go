// Package admin exposes a small HTTP surface for operational visibility:
// process status, replication slot state, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/cfg"
	"github.com/mullr/pglogical/telemetry"
)

// Status is the snapshot served at /status
type Status struct {
	Slot          string            `json:"slot"`
	Mode          string            `json:"mode"`
	Position      string            `json:"position"`
	StartupParams map[string]string `json:"startup_params,omitempty"`
	Uptime        string            `json:"uptime"`
}

// StatusProvider supplies the current process status
type StatusProvider func() Status

// SlotState is one row of pg_replication_slots served at /slots
type SlotState struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
	Active bool   `json:"active"`
}

// SlotStateProvider queries the server for the slot's current state
type SlotStateProvider func(ctx context.Context) (SlotState, error)

// Server is the admin HTTP server
type Server struct {
	httpServer *http.Server
	status     StatusProvider
	slotState  SlotStateProvider
	started    time.Time
}

// NewServer builds the admin server from configuration
func NewServer(status StatusProvider, slotState SlotStateProvider) *Server {
	s := &Server{
		status:    status,
		slotState: slotState,
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/slots", s.handleSlots)
	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start serves in a background goroutine
func (s *Server) Start() {
	log.Info().Str("address", s.httpServer.Addr).Msg("Admin server listening")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}

// Handler exposes the underlying HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	st.Uptime = time.Since(s.started).Round(time.Second).String()
	writeJSONResponse(w, st)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	state, err := s.slotState(ctx)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, state)
}

// writeJSONResponse writes a JSON response with the standard envelope
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
