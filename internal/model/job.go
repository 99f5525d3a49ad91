package model

import "time"

// Action is the wire value selecting the workflow branch.
type Action string

// Supported actions.
const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
)

// Stage is a step of the per-job workflow.
type Stage string

// Workflow stages, in the order a successful run visits them.
const (
	StageStarted     Stage = "started"
	StagePromptReady Stage = "prompt_ready"
	StageImageReady  Stage = "image_ready"
	StageUploaded    Stage = "uploaded"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Callback status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each stage to the set of stages it may advance to.
// Stages never move backwards and terminal stages have no successors.
var validTransitions = map[Stage]map[Stage]bool{
	StageStarted: {
		StagePromptReady: true,
		StageFailed:      true,
	},
	StagePromptReady: {
		StageImageReady: true,
		StageFailed:     true,
	},
	StageImageReady: {
		StageUploaded: true,
		StageFailed:   true,
	},
	StageUploaded: {
		StageCompleted: true,
	},
}

// ValidTransition reports whether advancing from one stage to another is allowed.
func ValidTransition(from, to Stage) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further stage can follow s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Task is the action-specific part of a job. It is a closed set: only
// CreateTask and EditTask implement it.
type Task interface {
	Action() Action
	isTask()
}

// CreateTask synthesizes a new image from a free-text description.
type CreateTask struct {
	Message string
}

// Action implements Task.
func (CreateTask) Action() Action { return ActionCreate }
func (CreateTask) isTask()        {}

// EditTask modifies an existing image according to an instruction.
type EditTask struct {
	ImageURL    string
	EditRequest string
}

// Action implements Task.
func (EditTask) Action() Action { return ActionEdit }
func (EditTask) isTask()        {}

// Job is one validated unit of work received from the queue or a manual trigger.
type Job struct {
	ID          string
	CharacterID string
	ProjectID   string
	CallbackURL string
	Task        Task
}

// Action returns the action of the job's task.
func (j Job) Action() Action {
	if j.Task == nil {
		return ""
	}
	return j.Task.Action()
}

// Text returns the free text the prompt is derived from: the description for
// create jobs and the edit instruction for edit jobs.
func (j Job) Text() string {
	switch t := j.Task.(type) {
	case CreateTask:
		return t.Message
	case EditTask:
		return t.EditRequest
	default:
		return ""
	}
}

// CallbackPayload is the terminal result delivered to the originating system.
type CallbackPayload struct {
	JobID        string `json:"jobId"`
	CharacterID  string `json:"characterId,omitempty"`
	Status       string `json:"status"`
	ImageURL     string `json:"imageUrl,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// NewCallbackPayload derives the payload for a job that reached a terminal
// stage. imageURL is used only when the stage is completed and errorDetail
// only when it failed.
func NewCallbackPayload(job Job, stage Stage, imageURL, errorDetail string) CallbackPayload {
	p := CallbackPayload{
		JobID:       job.ID,
		CharacterID: job.CharacterID,
	}
	if stage == StageCompleted {
		p.Status = StatusCompleted
		p.ImageURL = imageURL
		return p
	}
	p.Status = StatusFailed
	p.ErrorMessage = errorDetail
	if p.ErrorMessage == "" {
		p.ErrorMessage = "job failed"
	}
	return p
}

// JobRecord is the persisted ledger entry for a job.
type JobRecord struct {
	ID          string     `json:"id"`
	Action      Action     `json:"action"`
	CharacterID string     `json:"character_id,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
	Stage       Stage      `json:"stage"`
	Prompt      string     `json:"prompt,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	Runs        int        `json:"runs"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Payload rebuilds the callback payload of a finished record.
func (r *JobRecord) Payload() CallbackPayload {
	return NewCallbackPayload(Job{ID: r.ID, CharacterID: r.CharacterID}, r.Stage, r.ImageURL, r.Error)
}

// StageEvent is one persisted stage transition of a job.
type StageEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Stage     Stage     `json:"stage"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
