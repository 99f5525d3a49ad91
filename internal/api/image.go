package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stolink/imageworker/internal/engine"
	"github.com/stolink/imageworker/internal/model"
)

// syncRunDeadline bounds how long a manual trigger may hold its connection
// while the workflow runs.
const syncRunDeadline = 10 * time.Minute

// generateRequest is the JSON body for POST /api/image/generate.
type generateRequest struct {
	Message     string `json:"message"`
	JobID       string `json:"jobId"`
	CharacterID string `json:"characterId"`
	ProjectID   string `json:"projectId"`
	CallbackURL string `json:"callbackUrl"`
}

// editRequest is the JSON body for POST /api/image/edit.
type editRequest struct {
	ImageURL    string `json:"imageUrl"`
	EditRequest string `json:"editRequest"`
	JobID       string `json:"jobId"`
	CharacterID string `json:"characterId"`
	ProjectID   string `json:"projectId"`
	CallbackURL string `json:"callbackUrl"`
}

// imageResponse answers the manual triggers.
type imageResponse struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// publishResponse answers POST /api/queue/publish.
type publishResponse struct {
	Success   bool          `json:"success"`
	JobID     string        `json:"jobId"`
	MessageID string        `json:"messageId"`
	Payload   model.Message `json:"payload"`
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.runManual(w, r, model.Message{
		JobID:       req.JobID,
		CharacterID: req.CharacterID,
		ProjectID:   req.ProjectID,
		Action:      model.ActionCreate,
		Message:     req.Message,
		CallbackURL: req.CallbackURL,
	})
}

func (s *Server) handleEditImage(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.runManual(w, r, model.Message{
		JobID:       req.JobID,
		CharacterID: req.CharacterID,
		ProjectID:   req.ProjectID,
		Action:      model.ActionEdit,
		ImageURL:    req.ImageURL,
		EditRequest: req.EditRequest,
		CallbackURL: req.CallbackURL,
	})
}

// runManual runs a job synchronously, bypassing the queue. The callback is
// dispatched only when the request names a callback URL.
func (s *Server) runManual(w http.ResponseWriter, r *http.Request, msg model.Message) {
	if msg.JobID == "" {
		msg.JobID = model.NewJobID()
	}
	job, err := msg.Job()
	if err != nil {
		recordManualJob(string(msg.Action), manualInvalid)
		s.writeJSON(w, http.StatusBadRequest, imageResponse{JobID: msg.JobID, Error: err.Error()})
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(syncRunDeadline)); err != nil {
		s.logger.Debug("extend write deadline", "error", err)
	}

	s.logger.Info("manual job submitted", "job_id", job.ID, "action", job.Action())
	st, err := s.engine.Run(r.Context(), job)
	action := string(job.Action())
	if errors.Is(err, engine.ErrInProgress) {
		recordManualJob(action, manualConflict)
		s.writeJSON(w, http.StatusConflict, imageResponse{JobID: job.ID, Error: "job is already running"})
		return
	}
	if err != nil {
		recordManualJob(action, manualFault)
		s.logger.Error("manual job fault", "job_id", job.ID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, imageResponse{JobID: job.ID, Error: err.Error()})
		return
	}

	if job.CallbackURL != "" && s.notifier != nil {
		if _, err := s.notifier.Dispatch(context.WithoutCancel(r.Context()), job.CallbackURL, st.Payload(job)); err != nil {
			s.logger.Warn("manual job callback not delivered", "job_id", job.ID, "error", err)
		}
	}

	if st.Stage != model.StageCompleted {
		recordManualJob(action, manualFailed)
		s.writeJSON(w, http.StatusOK, imageResponse{JobID: job.ID, Error: st.ErrorDetail})
		return
	}
	recordManualJob(action, manualCompleted)
	s.writeJSON(w, http.StatusOK, imageResponse{Success: true, JobID: job.ID, ImageURL: st.ArtifactURL})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue publishing is not configured")
		return
	}

	var msg model.Message
	if !s.decodeBody(w, r, &msg) {
		return
	}
	if msg.JobID == "" {
		msg.JobID = model.NewJobID()
	}
	if _, err := msg.Job(); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "fields": verr.Fields})
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.publisher.Publish(r.Context(), msg)
	if err != nil {
		s.logger.Error("publish job", "job_id", msg.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to publish job")
		return
	}

	s.logger.Info("job published", "job_id", msg.JobID, "message_id", id)
	s.writeJSON(w, http.StatusAccepted, publishResponse{Success: true, JobID: msg.JobID, MessageID: id, Payload: msg})
}

// decodeBody decodes a size-limited JSON body, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
