package api

import (
	"net/http"
)

type healthResponse struct {
	Status         string `json:"status"`
	QueueConnected bool   `json:"queueConnected"`
}

type readyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth reports process liveness. It always answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		QueueConnected: s.queueReady(),
	})
}

// handleReady answers 503 while the queue connection is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.queueReady() {
		s.writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Error: "queue not connected"})
		return
	}
	s.writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
}
