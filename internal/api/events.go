package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stolink/imageworker/internal/model"
	"github.com/stolink/imageworker/internal/store"
)

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A finished job has nothing left to stream.
	if job.Stage.Terminal() {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	defer trackEventStream()()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	// The ledger records the terminal stage before the topic closes, so a job
	// that finished after the first check, and whose closed topic may since
	// have been evicted, is caught here.
	if job, err := s.store.GetJob(r.Context(), id); err == nil && job.Stage.Terminal() {
		_ = writeSSEEvent(w, "done", "stream complete")
		if canFlush {
			flusher.Flush()
		}
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, ev); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// eventHistoryResponse is the JSON response for GET /v1/jobs/{id}/events/history.
type eventHistoryResponse struct {
	JobID  string             `json:"job_id"`
	Events []model.StageEvent `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	events, err := s.store.GetStageEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get stage events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stage events")
		return
	}
	if events == nil {
		events = []model.StageEvent{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{JobID: id, Events: events})
}

// writeSSEData writes a stage event as a single-line JSON data event.
func writeSSEData(w http.ResponseWriter, ev model.StageEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: stage\ndata: %s\n\n", b)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
