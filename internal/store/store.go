package store

import (
	"context"
	"errors"

	"github.com/stolink/imageworker/internal/model"
)

// ErrInvalidTransition is returned when a job stage transition is not allowed.
var ErrInvalidTransition = errors.New("invalid stage transition")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStage  map[string]int `json:"count_by_stage"`
	CountByAction map[string]int `json:"count_by_action"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// StageUpdate carries the values produced by the stage being entered.
// Empty fields leave the stored value unchanged.
type StageUpdate struct {
	Prompt   string
	ImageURL string
}

// Store defines the persistence operations of the job ledger.
type Store interface {
	CreateJob(ctx context.Context, r *model.JobRecord) error
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error)
	RestartJob(ctx context.Context, id string) error
	AdvanceStage(ctx context.Context, id string, to model.Stage, u StageUpdate) error
	FinishJob(ctx context.Context, r *model.JobRecord) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertStageEvent(ctx context.Context, jobID string, stage model.Stage, detail string) (*model.StageEvent, error)
	GetStageEvents(ctx context.Context, jobID string) ([]model.StageEvent, error)
	Close() error
}
