package api

import (
	"encoding/json"

	"github.com/mattjoyce/toolbridge/internal/protocol"
)

// RouteRequest is the JSON body for POST /v1/route.
type RouteRequest struct {
	RequestID  string          `json:"request_id,omitempty"`
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
}

// RouteResponse is returned by the route endpoints.
type RouteResponse struct {
	RequestID string              `json:"request_id"`
	Status    string              `json:"status"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Error     *RouteError         `json:"error,omitempty"`
	WorkerID  string              `json:"worker_id,omitempty"`
	Cached    bool                `json:"cached"`
	Attempts  int                 `json:"attempts"`
	Logs      []protocol.LogEntry `json:"logs,omitempty"`
}

// RouteError carries a typed routing failure.
type RouteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// CapabilityInfo is one entry of GET /v1/capabilities.
type CapabilityInfo struct {
	Name    string   `json:"name"`
	Workers []string `json:"workers"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Workers        int    `json:"workers"`
	WorkersReady   int    `json:"workers_ready"`
	WorkersDown    int    `json:"workers_down"`
	WorkersRunning int    `json:"workers_running"`
}
