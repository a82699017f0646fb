package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/drover/internal/model"
	"github.com/seantiz/drover/internal/registry"
	"github.com/seantiz/drover/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// registerRequest is the JSON body for POST /v1/fleet/register.
// An empty client_id asks the coordinator to mint a fresh identity.
type registerRequest struct {
	ClientID string `json:"client_id"`
}

type registerResponse struct {
	ClientID string `json:"client_id"`
}

// heartbeatRequest is the JSON body for POST /v1/fleet/heartbeat and
// POST /v1/fleet/poll.
type heartbeatRequest struct {
	ClientID string `json:"client_id"`
}

// pollResponse carries the assigned task, or null when nothing is pending.
type pollResponse struct {
	Task *model.Task `json:"task"`
}

// resultRequest is the JSON body for POST /v1/fleet/result.
type resultRequest struct {
	ClientID string `json:"client_id"`
	TaskID   string `json:"task_id"`
	Result   []byte `json:"result"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	id := s.coord.RegisterClient(req.ClientID)
	s.writeJSON(w, http.StatusOK, registerResponse{ClientID: id})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	if err := s.coord.HeartbeatClient(req.ClientID); err != nil {
		s.writeError(w, http.StatusNotFound, "unknown client")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	task, err := s.coord.PollTask(r.Context(), req.ClientID)
	if errors.Is(err, registry.ErrUnknownClient) {
		s.writeError(w, http.StatusNotFound, "unknown client")
		return
	}
	if err != nil {
		s.logger.Error("poll task", "error", err, "client_id", req.ClientID)
		s.writeError(w, http.StatusInternalServerError, "failed to poll for a task")
		return
	}

	s.writeJSON(w, http.StatusOK, pollResponse{Task: task})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id and task_id are required")
		return
	}

	err := s.coord.PushResult(r.Context(), req.ClientID, req.TaskID, req.Result)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrForbidden):
		// A result from a client that lost the task to reaping. Benign.
		s.logger.Debug("result from non-assignee discarded", "client_id", req.ClientID, "task_id", req.TaskID)
		s.writeError(w, http.StatusForbidden, "task is not assigned to this client")
	case errors.Is(err, store.ErrConflict):
		s.logger.Debug("result for non-assigned task discarded", "client_id", req.ClientID, "task_id", req.TaskID)
		s.writeError(w, http.StatusConflict, "task is not in the assigned state")
	case err != nil:
		s.logger.Error("push result", "error", err, "task_id", req.TaskID)
		s.writeError(w, http.StatusInternalServerError, "failed to record result")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// decodeBody decodes a size-limited JSON request body, writing a 400
// response on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
