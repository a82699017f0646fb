package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/drover/internal/store"
)

const maxRoundTasks = 1000

// createRoundRequest is the JSON body for POST /v1/rounds. Each payload
// is an opaque base64 blob that becomes one task.
type createRoundRequest struct {
	Payloads [][]byte `json:"payloads"`
}

type createRoundResponse struct {
	RoundID string   `json:"round_id"`
	TaskIDs []string `json:"task_ids"`
}

// roundResponse is the JSON body for GET /v1/rounds/{id}.
type roundResponse struct {
	RoundID string             `json:"round_id"`
	Total   int                `json:"total"`
	Counts  map[string]int     `json:"counts"`
	Done    bool               `json:"done"`
	Results []store.TaskResult `json:"results"`
}

// closeRoundResponse reports the final counts after a round is closed.
type closeRoundResponse struct {
	RoundID string         `json:"round_id"`
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts"`
	Done    bool           `json:"done"`
}

func (s *Server) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Payloads) == 0 {
		s.writeError(w, http.StatusBadRequest, "payloads is required")
		return
	}
	if len(req.Payloads) > maxRoundTasks {
		s.writeError(w, http.StatusBadRequest, "too many payloads in one round")
		return
	}

	roundID, taskIDs, err := s.coord.SubmitRound(r.Context(), req.Payloads)
	if err != nil {
		s.logger.Error("create round", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create round")
		return
	}

	s.writeJSON(w, http.StatusCreated, createRoundResponse{
		RoundID: roundID,
		TaskIDs: taskIDs,
	})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, results, err := s.coord.RoundSnapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "round not found")
		return
	}
	if err != nil {
		s.logger.Error("get round", "error", err, "round_id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to get round")
		return
	}

	s.writeJSON(w, http.StatusOK, roundResponse{
		RoundID: status.RoundID,
		Total:   status.Total,
		Counts:  status.Counts,
		Done:    status.Done(),
		Results: results,
	})
}

func (s *Server) handleCloseRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.coord.CloseRound(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "round not found")
		return
	}
	if err != nil {
		s.logger.Error("close round", "error", err, "round_id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to close round")
		return
	}

	s.writeJSON(w, http.StatusOK, closeRoundResponse{
		RoundID: status.RoundID,
		Total:   status.Total,
		Counts:  status.Counts,
		Done:    status.Done(),
	})
}
