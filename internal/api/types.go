package api

import (
	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/eventlog"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	State         string `json:"state"`
	QueueDepth    int    `json:"queue_depth"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	LastEventID   int64             `json:"last_event_id"`
	Dispatcher    dispatch.Snapshot `json:"dispatcher"`
}

// AuditResponse is returned by GET /audit.
type AuditResponse struct {
	Entries []eventlog.Entry `json:"entries"`
}
