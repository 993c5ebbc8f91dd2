package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/bouncer-worker/internal/broker"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string     `json:"status"`
	Broker            string     `json:"broker"`
	ConnectedSince    *time.Time `json:"connected_since,omitempty"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
	ConfigFingerprint string     `json:"config_fingerprint,omitempty"`
}

// MonitorResponse is returned by GET /monitor.
type MonitorResponse struct {
	Enabled   bool             `json:"enabled"`
	Processes []monitor.Record `json:"processes"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz answers 200 while connected and 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.broker.State()
	resp := HealthzResponse{
		Status:            "ok",
		Broker:            state.String(),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ConfigFingerprint: s.config.Fingerprint,
	}
	if since, ok := s.broker.ConnectedSince(); ok {
		resp.ConnectedSince = &since
	}

	status := http.StatusOK
	if state != broker.StateConnected {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	resp := MonitorResponse{Processes: []monitor.Record{}}
	if s.processes != nil {
		resp.Enabled = true
		if snap := s.processes.Snapshot(); len(snap) > 0 {
			resp.Processes = snap
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRecentStats serves finalized records from the sqlite sink.
func (s *Server) handleRecentStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusNotFound, "process stats are not persisted by the configured sink")
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := s.stats.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read process stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read process stats")
		return
	}
	if records == nil {
		records = []monitor.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
