package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/toolbridge/internal/app"
	"github.com/mattjoyce/toolbridge/internal/lifecycle"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/router"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Workers != nil {
		for _, ws := range s.deps.Workers.Workers() {
			resp.Workers++
			switch ws.Health {
			case metrics.HealthReady:
				resp.WorkersReady++
			case metrics.HealthDown:
				resp.WorkersDown++
			}
			if ws.State == lifecycle.StateReady {
				resp.WorkersRunning++
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRoute handles POST /v1/route.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeBodyError(w, err, "invalid JSON body")
		return
	}
	if req.Capability == "" {
		s.writeError(w, http.StatusBadRequest, "capability is required")
		return
	}
	s.route(w, r, req)
}

// handleCapability handles POST /v1/capabilities/{capability}. The body is
// the payload; ?timeout_ms bounds the call.
func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeBodyError(w, err, "failed to read body")
		return
	}
	req := RouteRequest{
		RequestID:  r.Header.Get("X-Request-Id"),
		Capability: chi.URLParam(r, "capability"),
		Payload:    payload,
	}
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		req.TimeoutMs, err = strconv.ParseInt(v, 10, 64)
		if err != nil || req.TimeoutMs < 0 {
			s.writeError(w, http.StatusBadRequest, "timeout_ms must be a non-negative integer")
			return
		}
	}
	s.route(w, r, req)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, req RouteRequest) {
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetReqID(r.Context())
	}
	rr := router.Request{
		ID:         req.RequestID,
		Capability: req.Capability,
		Payload:    req.Payload,
	}
	if req.TimeoutMs > 0 {
		timeout := min(time.Duration(req.TimeoutMs)*time.Millisecond, s.config.MaxRouteTimeout)
		rr.Deadline = time.Now().Add(timeout)
	}

	res := s.deps.Router.Route(r.Context(), rr)
	resp := RouteResponse{
		RequestID: res.RequestID,
		WorkerID:  res.WorkerID,
		Cached:    res.Cached,
		Attempts:  res.Attempts,
		Logs:      res.Logs,
	}
	if res.OK() {
		resp.Status = "ok"
		resp.Payload = res.Payload
		respondJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "error"
	resp.Error = &RouteError{
		Kind:    string(res.Failure.Kind),
		Message: res.Failure.Message,
		Cause:   string(res.Failure.Cause),
	}
	respondJSON(w, statusForFailure(res.Failure.Kind), resp)
}

// statusForFailure maps a failure kind to an HTTP status.
func statusForFailure(kind router.FailureKind) int {
	switch kind {
	case router.KindInvalidRequest:
		return http.StatusBadRequest
	case router.KindNoCapability:
		return http.StatusNotFound
	case router.KindTimeout:
		return http.StatusGatewayTimeout
	case router.KindWorkerError:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// handleListCapabilities handles GET /v1/capabilities.
func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	byName := map[string][]string{}
	for _, d := range s.deps.Workers.Descriptors() {
		for _, c := range d.Capabilities {
			byName[c.Name] = append(byName[c.Name], d.ID)
		}
	}
	out := make([]CapabilityInfo, 0, len(byName))
	for name, workers := range byName {
		sort.Strings(workers)
		out = append(out, CapabilityInfo{Name: name, Workers: workers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, out)
}

// handleListWorkers handles GET /v1/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Workers.Workers())
}

// handleGetWorker handles GET /v1/workers/{id}.
func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.deps.Workers.Worker(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// handleResetWorker handles POST /v1/workers/{id}/reset.
func (s *Server) handleResetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Workers.ResetWorker(id); err != nil {
		if errors.Is(err, lifecycle.ErrUnknownWorker) {
			s.writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("worker reset failed", "worker_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ws, _ := s.deps.Workers.Worker(id)
	respondJSON(w, http.StatusOK, ws)
}

// handleReload handles POST /v1/reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Reloader.Reload(r.Context())
	if err != nil {
		if errors.Is(err, app.ErrReloadInvalid) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("reload failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleMetrics handles GET /v1/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error, msg string) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	s.writeError(w, http.StatusBadRequest, msg)
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
