package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stolink/imageworker/internal/model"
	"github.com/stolink/imageworker/internal/provider"
	"github.com/stolink/imageworker/internal/storage"
	"github.com/stolink/imageworker/internal/store"
)

// Defaults applied when a Config field is zero.
const (
	DefaultStageTimeout     = 90 * time.Second
	DefaultStageMaxAttempts = 2
	DefaultBackoffInitial   = 500 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second
)

// ErrUnclassified marks a failure outside the provider error taxonomy: a plain
// error returned by a provider or a panic. The run stops without reaching a
// terminal stage and the caller decides whether the job is redelivered.
var ErrUnclassified = errors.New("unclassified fault")

// ErrInProgress is returned when the job is already being run by this
// engine. The ledger entry and event stream of the live run are left alone.
var ErrInProgress = errors.New("job already in progress")

// Providers are the capabilities a run invokes.
type Providers struct {
	Prompt  provider.PromptProvider
	Creator provider.ImageCreator
	Editor  provider.ImageEditor
	Store   provider.ObjectStore
}

// Config controls stage timeouts and retries.
type Config struct {
	StageTimeout     time.Duration
	StageMaxAttempts int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.StageMaxAttempts <= 0 {
		c.StageMaxAttempts = DefaultStageMaxAttempts
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// State is the progress of one run. It is owned by the run that created it.
type State struct {
	Stage       model.Stage
	Prompt      string
	Artifact    provider.Artifact
	ArtifactURL string
	ErrorDetail string
	// History lists the stages visited, in order.
	History []model.Stage
	// Replayed is set when the job had already finished and was not run again.
	Replayed bool
}

// Payload builds the callback payload of a terminal state.
func (s State) Payload(job model.Job) model.CallbackPayload {
	return model.NewCallbackPayload(job, s.Stage, s.ArtifactURL, s.ErrorDetail)
}

// Engine runs jobs through the workflow.
type Engine struct {
	providers Providers
	cfg       Config
	store     store.Store
	broker    *EventBroker
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewEngine creates a workflow engine.
func NewEngine(p Providers, cfg Config, s store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		providers: p,
		cfg:       cfg.withDefaults(),
		store:     s,
		broker:    NewEventBroker(),
		logger:    logger,
		running:   make(map[string]struct{}),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// step is one provider-backed stage of the workflow.
type step struct {
	name       string
	capability provider.Capability
	next       model.Stage
	run        func(ctx context.Context, job model.Job, st *State) error
}

// Run drives job to a terminal stage and returns the final state. A job the
// ledger already holds as finished is not run again: its stored outcome is
// returned with Replayed set. A job with a live run on this engine is refused
// with ErrInProgress.
//
// A provider failure ends the run in the failed stage with a nil error. Any
// other non-nil error wraps ErrUnclassified and leaves the job without a
// terminal stage.
func (e *Engine) Run(ctx context.Context, job model.Job) (State, error) {
	start := time.Now().UTC()
	action := string(job.Action())

	if !e.claim(job.ID) {
		jobsTotal.WithLabelValues(action, "in_progress").Inc()
		return State{}, fmt.Errorf("%w: %s", ErrInProgress, job.ID)
	}
	defer e.release(job.ID)

	if st, done := e.begin(job, start); done {
		jobsTotal.WithLabelValues(action, "replayed").Inc()
		return st, nil
	}
	e.broker.Open(job.ID)
	defer e.broker.Close(job.ID)

	st := State{Stage: model.StageStarted, History: []model.Stage{model.StageStarted}}
	e.recordEvent(job.ID, model.StageStarted, "")

	produce, produceCap, err := e.imageStep(job)
	if err != nil {
		jobsTotal.WithLabelValues(action, outcomeUnclassified).Inc()
		return st, err
	}

	steps := []step{
		{name: "prompt", capability: provider.CapabilityPrompt, next: model.StagePromptReady, run: e.derivePrompt},
		{name: "image", capability: produceCap, next: model.StageImageReady, run: produce},
		{name: "upload", capability: provider.CapabilityStorage, next: model.StageUploaded, run: e.upload},
	}

	for _, s := range steps {
		if err := e.attempt(ctx, job, s, &st); err != nil {
			if _, ok := provider.AsError(err); !ok {
				e.logger.Error("unclassified fault", "job_id", job.ID, "stage", s.name, "error", err)
				jobsTotal.WithLabelValues(action, outcomeUnclassified).Inc()
				return st, fmt.Errorf("%w: %s stage: %w", ErrUnclassified, s.name, err)
			}
			e.fail(job, &st, err, start)
			jobsTotal.WithLabelValues(action, string(model.StageFailed)).Inc()
			return st, nil
		}
		if err := e.advance(job.ID, &st, s.next); err != nil {
			jobsTotal.WithLabelValues(action, outcomeUnclassified).Inc()
			return st, err
		}
	}

	e.complete(job, &st, start)
	jobsTotal.WithLabelValues(action, string(model.StageCompleted)).Inc()
	return st, nil
}

// claim marks the job as running. It reports false when a run of the same
// job is already live.
func (e *Engine) claim(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[jobID]; ok {
		return false
	}
	e.running[jobID] = struct{}{}
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, jobID)
}

// begin registers the run in the ledger. It reports done when the job already
// reached a terminal stage, returning the stored outcome.
func (e *Engine) begin(job model.Job, start time.Time) (State, bool) {
	ctx := context.Background()
	rec := &model.JobRecord{
		ID:          job.ID,
		Action:      job.Action(),
		CharacterID: job.CharacterID,
		ProjectID:   job.ProjectID,
		CallbackURL: job.CallbackURL,
		Stage:       model.StageStarted,
		Runs:        1,
		CreatedAt:   start,
		StartedAt:   &start,
	}

	err := e.store.CreateJob(ctx, rec)
	if err == nil {
		return State{}, false
	}
	if !errors.Is(err, store.ErrDuplicate) {
		e.logger.Error("failed to record job", "job_id", job.ID, "error", err)
		return State{}, false
	}

	existing, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		e.logger.Error("failed to read job", "job_id", job.ID, "error", err)
		return State{}, false
	}
	if existing.Stage.Terminal() {
		e.logger.Info("job already finished, skipping run", "job_id", job.ID, "stage", existing.Stage)
		return State{
			Stage:       existing.Stage,
			Prompt:      existing.Prompt,
			ArtifactURL: existing.ImageURL,
			ErrorDetail: existing.Error,
			History:     []model.Stage{existing.Stage},
			Replayed:    true,
		}, true
	}

	if err := e.store.RestartJob(ctx, job.ID); err != nil {
		e.logger.Error("failed to restart job", "job_id", job.ID, "error", err)
	}
	e.logger.Info("rerunning unfinished job", "job_id", job.ID, "runs", existing.Runs+1)
	return State{}, false
}

// imageStep selects the image stage for the job's action. The branch is
// decided once per run.
func (e *Engine) imageStep(job model.Job) (func(context.Context, model.Job, *State) error, provider.Capability, error) {
	switch job.Task.(type) {
	case model.CreateTask:
		return e.createImage, provider.CapabilityImageCreate, nil
	case model.EditTask:
		return e.editImage, provider.CapabilityImageEdit, nil
	default:
		return nil, "", fmt.Errorf("%w: job %s has unsupported task %T", ErrUnclassified, job.ID, job.Task)
	}
}

func (e *Engine) derivePrompt(ctx context.Context, job model.Job, st *State) error {
	purpose := provider.PurposeCreate
	if job.Action() == model.ActionEdit {
		purpose = provider.PurposeEdit
	}
	prompt, err := e.providers.Prompt.Derive(ctx, provider.PromptRequest{Purpose: purpose, Text: job.Text()})
	if err != nil {
		return err
	}
	st.Prompt = prompt
	return nil
}

func (e *Engine) createImage(ctx context.Context, _ model.Job, st *State) error {
	art, err := e.providers.Creator.Create(ctx, st.Prompt)
	if err != nil {
		return err
	}
	st.Artifact = art
	return nil
}

func (e *Engine) editImage(ctx context.Context, job model.Job, st *State) error {
	task := job.Task.(model.EditTask)
	art, err := e.providers.Editor.Edit(ctx, provider.EditRequest{
		SourceURL:   task.ImageURL,
		Instruction: task.EditRequest,
		Prompt:      st.Prompt,
	})
	if err != nil {
		return err
	}
	st.Artifact = art
	return nil
}

func (e *Engine) upload(ctx context.Context, job model.Job, st *State) error {
	key := storage.Key(job.CharacterID, job.ID, st.Artifact)
	url, err := e.providers.Store.Put(ctx, key, st.Artifact)
	if err != nil {
		return err
	}
	st.ArtifactURL = url
	return nil
}

// attempt runs a step, retrying transient provider failures with exponential
// backoff up to the configured number of attempts.
func (e *Engine) attempt(ctx context.Context, job model.Job, s step, st *State) error {
	var lastErr error
	op := func() error {
		err := e.invoke(ctx, job, s, st)
		if err == nil {
			return nil
		}
		lastErr = err
		if provider.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffInitial
	b.MaxInterval = e.cfg.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.StageMaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		stageRetriesTotal.WithLabelValues(s.name).Inc()
		e.logger.Warn("stage failed, retrying",
			"job_id", job.ID, "stage", s.name, "backoff_ms", wait.Milliseconds(), "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		// A cancelled context surfaces as ctx.Err(); the provider error is
		// the one worth reporting.
		if lastErr != nil {
			return lastErr
		}
		return provider.NewTransient(s.capability, "cancelled", err)
	}
	return nil
}

// invoke performs one provider call under the stage timeout. A call that
// outlives its deadline without a classified error counts as transient.
func (e *Engine) invoke(ctx context.Context, job model.Job, s step, st *State) (err error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s stage: %v", s.name, r)
		}
		stageDuration.WithLabelValues(s.name, outcome(err)).Observe(time.Since(start).Seconds())
	}()

	err = s.run(sctx, job, st)
	if err == nil {
		return nil
	}
	if _, ok := provider.AsError(err); ok {
		return err
	}
	if sctx.Err() != nil {
		return provider.NewTransient(s.capability, "stage timeout", err)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	perr, ok := provider.AsError(err)
	if !ok {
		return outcomeUnclassified
	}
	if perr.Kind == provider.Transient {
		return outcomeTransient
	}
	return outcomePermanent
}

// advance moves the run to the next stage and records the transition.
func (e *Engine) advance(jobID string, st *State, to model.Stage) error {
	if !model.ValidTransition(st.Stage, to) {
		return fmt.Errorf("%w: invalid transition %s -> %s", ErrUnclassified, st.Stage, to)
	}
	st.Stage = to
	st.History = append(st.History, to)

	var u store.StageUpdate
	switch to {
	case model.StagePromptReady:
		u.Prompt = st.Prompt
	case model.StageUploaded:
		u.ImageURL = st.ArtifactURL
	}
	if err := e.store.AdvanceStage(context.Background(), jobID, to, u); err != nil {
		e.logger.Error("failed to record stage", "job_id", jobID, "stage", to, "error", err)
	}
	e.recordEvent(jobID, to, "")
	e.logger.Debug("stage reached", "job_id", jobID, "stage", to)
	return nil
}

func (e *Engine) complete(job model.Job, st *State, start time.Time) {
	st.Stage = model.StageCompleted
	st.History = append(st.History, model.StageCompleted)
	e.finish(job.ID, st, start)
	e.recordEvent(job.ID, model.StageCompleted, st.ArtifactURL)
	e.logger.Info("job completed",
		"job_id", job.ID, "action", job.Action(), "image_url", st.ArtifactURL,
		"duration_ms", time.Since(start).Milliseconds())
}

// fail moves the run to the failed stage, keeping the provider's
// classification in the error detail.
func (e *Engine) fail(job model.Job, st *State, cause error, start time.Time) {
	failedAt := st.Stage
	st.ErrorDetail = cause.Error()
	st.Stage = model.StageFailed
	st.History = append(st.History, model.StageFailed)
	e.finish(job.ID, st, start)
	e.recordEvent(job.ID, model.StageFailed, st.ErrorDetail)
	e.logger.Warn("job failed",
		"job_id", job.ID, "action", job.Action(), "after_stage", failedAt, "error", st.ErrorDetail)
}

func (e *Engine) finish(jobID string, st *State, start time.Time) {
	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	rec := &model.JobRecord{
		ID:         jobID,
		Stage:      st.Stage,
		ImageURL:   st.ArtifactURL,
		Error:      st.ErrorDetail,
		DurationMS: &dur,
		FinishedAt: &now,
	}
	if err := e.store.FinishJob(context.Background(), rec); err != nil {
		e.logger.Error("failed to record terminal stage", "job_id", jobID, "stage", st.Stage, "error", err)
	}
}

// recordEvent dual-writes a stage event: persisted for history, then
// published for live subscribers.
func (e *Engine) recordEvent(jobID string, stage model.Stage, detail string) {
	ev, err := e.store.InsertStageEvent(context.Background(), jobID, stage, detail)
	if err != nil {
		e.logger.Error("failed to persist stage event", "job_id", jobID, "stage", stage, "error", err)
		ev = &model.StageEvent{JobID: jobID, Stage: stage, Detail: detail, CreatedAt: time.Now().UTC()}
	}
	e.broker.Publish(*ev)
}
