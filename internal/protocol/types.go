// Package protocol defines the wire format spoken between the router and its
// worker processes.
//
// A worker announces readiness by writing one Handshake line to stdout. After
// that, the router opens unix-socket connections to the worker and exchanges
// newline-delimited JSON frames on them: one Request followed by exactly one
// Response, repeated for the life of the connection.
package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version this build speaks.
const Version = 1

// MessageType distinguishes tool calls from liveness probes.
type MessageType string

const (
	TypeCall MessageType = "call"
	TypePing MessageType = "ping"
)

// Status values in a Response.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Environment variables passed to every spawned worker.
const (
	EnvWorkerID = "TOOLBRIDGE_WORKER_ID"
	EnvSocket   = "TOOLBRIDGE_SOCKET"
)

// Handshake is the single line a worker prints on stdout once it is
// accepting connections.
type Handshake struct {
	Ready        bool     `json:"ready"`
	Protocol     int      `json:"protocol"`
	WorkerID     string   `json:"worker_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Request is one frame sent from the router to a worker.
type Request struct {
	Protocol   int             `json:"protocol"`
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	Capability string          `json:"capability,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// Response is the frame a worker returns for a Request.
type Response struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"` // ok | error
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Retry   *bool           `json:"retry,omitempty"` // defaults to true if omitted
	Logs    []LogEntry      `json:"logs,omitempty"`
}

// LogEntry is a log line a worker attaches to its response.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry reports whether an error response may be retried.
// Defaults to true if the retry field is omitted.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}

// OK builds a success response.
func OK(id string, payload json.RawMessage) *Response {
	return &Response{ID: id, Status: StatusOK, Payload: payload}
}

// Fail builds an error response.
func Fail(id, msg string, retry bool) *Response {
	return &Response{ID: id, Status: StatusError, Error: msg, Retry: &retry}
}
