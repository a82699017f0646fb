package api

import (
	"net/http"

	"github.com/seantiz/drover/internal/model"
)

// clientInfo is one entry in the GET /v1/clients response. Busy means the
// client currently holds an assigned task.
type clientInfo struct {
	model.Client
	Busy bool `json:"busy"`
}

type listClientsResponse struct {
	Clients []clientInfo `json:"clients"`
	Total   int          `json:"total"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	busy, err := s.store.AssignedClients(r.Context())
	if err != nil {
		s.logger.Error("list assigned clients", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}

	clients := s.coord.Clients()
	infos := make([]clientInfo, len(clients))
	for i, c := range clients {
		_, holding := busy[c.ID]
		infos[i] = clientInfo{Client: c, Busy: holding}
	}

	s.writeJSON(w, http.StatusOK, listClientsResponse{
		Clients: infos,
		Total:   len(infos),
	})
}
