package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/eventlog"
)

const maxAuditLimit = 1000

// handleHealthz handles GET /healthz (no auth). A dispatcher that has
// stopped is reported as unavailable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: s.uptime(),
		State:         snap.State,
		QueueDepth:    snap.QueueDepth,
	}
	code := http.StatusOK
	if snap.State == dispatch.StateStopped.String() {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		UptimeSeconds: s.uptime(),
		LastEventID:   s.hub.LastID(),
		Dispatcher:    s.status.Snapshot(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// handleAudit handles GET /audit?limit=N&status=failed.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, "audit trail is disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	status := eventlog.Status(r.URL.Query().Get("status"))
	switch status {
	case "", eventlog.StatusQueued, eventlog.StatusProcessed, eventlog.StatusFailed:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be one of queued, processed, failed")
		return
	}

	entries, err := s.audit.Recent(r.Context(), limit, status)
	if err != nil {
		s.logger.Error("failed to read audit trail", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	respondJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

func (s *Server) uptime() int64 {
	return int64(time.Since(s.startedAt).Seconds())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
