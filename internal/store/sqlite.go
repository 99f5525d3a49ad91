package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stolink/imageworker/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    action       TEXT NOT NULL,
    character_id TEXT NOT NULL DEFAULT '',
    project_id   TEXT NOT NULL DEFAULT '',
    callback_url TEXT NOT NULL DEFAULT '',
    stage        TEXT NOT NULL,
    prompt       TEXT NOT NULL DEFAULT '',
    image_url    TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    runs         INTEGER NOT NULL DEFAULT 1,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createStageEventsTable = `
CREATE TABLE IF NOT EXISTS stage_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    stage      TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    UNIQUE (job_id, seq)
)`

const jobColumns = `id, action, character_id, project_id, callback_url, stage,
	prompt, image_url, error, runs, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// ErrDuplicate is returned when creating a job whose ID already exists.
var ErrDuplicate = errors.New("job already exists")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{"jobs": createJobsTable, "stage_events": createStageEventsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.JobRecord, error) {
	r := &model.JobRecord{}
	err := row.Scan(
		&r.ID, &r.Action, &r.CharacterID, &r.ProjectID, &r.CallbackURL, &r.Stage,
		&r.Prompt, &r.ImageURL, &r.Error, &r.Runs, &r.DurationMS,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, r *model.JobRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Action, r.CharacterID, r.ProjectID, r.CallbackURL, r.Stage,
		r.Prompt, r.ImageURL, r.Error, r.Runs, r.DurationMS,
		r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	r, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return r, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// RestartJob resets a job that never reached a terminal stage so a redelivered
// message can run it again. Terminal jobs cannot be restarted.
func (s *SQLiteStore) RestartJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, prompt = '', image_url = '', error = '',
			runs = runs + 1, duration_ms = NULL, started_at = ?, finished_at = NULL
		WHERE id = ? AND stage NOT IN (?, ?)`,
		model.StageStarted, time.Now().UTC(), id, model.StageCompleted, model.StageFailed,
	)
	if err != nil {
		return fmt.Errorf("restart job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// currentStage reads the stored stage of a job inside tx.
func currentStage(ctx context.Context, tx *sql.Tx, id string) (model.Stage, error) {
	var stage model.Stage
	err := tx.QueryRowContext(ctx, "SELECT stage FROM jobs WHERE id = ?", id).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read stage: %w", err)
	}
	return stage, nil
}

// AdvanceStage moves a job to a non-terminal stage, storing the values the
// stage produced. The transition is validated against the stored stage.
func (s *SQLiteStore) AdvanceStage(ctx context.Context, id string, to model.Stage, u StageUpdate) error {
	if to.Terminal() {
		return fmt.Errorf("%w: use FinishJob for %s", ErrInvalidTransition, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStage(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET stage = ?,
			prompt = CASE WHEN ? = '' THEN prompt ELSE ? END,
			image_url = CASE WHEN ? = '' THEN image_url ELSE ? END
		WHERE id = ?`,
		to, u.Prompt, u.Prompt, u.ImageURL, u.ImageURL, id,
	); err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stage: %w", err)
	}
	return nil
}

// FinishJob records the terminal outcome of a job. r.Stage must be terminal
// and reachable from the stored stage.
func (s *SQLiteStore) FinishJob(ctx context.Context, r *model.JobRecord) error {
	if !r.Stage.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, r.Stage)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStage(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, r.Stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, r.Stage)
	}

	finished := r.FinishedAt
	if finished == nil {
		now := time.Now().UTC()
		finished = &now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET stage = ?,
			image_url = CASE WHEN ? = '' THEN image_url ELSE ? END,
			error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ?`,
		r.Stage, r.ImageURL, r.ImageURL, r.Error, r.DurationMS, finished, r.ID,
	); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

// GetJobStats returns aggregate counts and the average duration of finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStage:  make(map[string]int),
		CountByAction: make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM jobs",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := s.countBy(ctx, "stage", stats.CountByStage); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "action", stats.CountByAction); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills counts grouped by column, which must be a trusted column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, counts map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM jobs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate count by %s: %w", column, err)
	}
	return nil
}

// InsertStageEvent appends a stage event to a job's history. Sequence numbers
// continue across reruns of the same job.
func (s *SQLiteStore) InsertStageEvent(ctx context.Context, jobID string, stage model.Stage, detail string) (*model.StageEvent, error) {
	ev := &model.StageEvent{
		JobID:     jobID,
		Stage:     stage,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO stage_events (job_id, seq, stage, detail, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM stage_events WHERE job_id = ?), ?, ?, ?)
		RETURNING id, seq`,
		jobID, jobID, stage, detail, ev.CreatedAt,
	).Scan(&ev.ID, &ev.Seq)
	if err != nil {
		return nil, fmt.Errorf("insert stage event: %w", err)
	}
	return ev, nil
}

// GetStageEvents returns a job's stage events ordered by sequence number.
func (s *SQLiteStore) GetStageEvents(ctx context.Context, jobID string) ([]model.StageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, stage, detail, created_at
		FROM stage_events WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get stage events: %w", err)
	}
	defer rows.Close()

	events := []model.StageEvent{}
	for rows.Next() {
		var ev model.StageEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.Stage, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage events: %w", err)
	}
	return events, nil
}
