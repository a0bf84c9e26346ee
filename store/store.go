package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slipway-io/slipway/sdk"
)

// ErrNotFound is returned when a pipeline or run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for pipelines and their
// execution history. Execution history is append-only: runs are inserted,
// narrowed down with small single-purpose updates while live, and never
// deleted. Each update is its own commit so concurrent readers observe
// progressive state instead of blocking on a poll-long transaction.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const pipelineColumns = `id, repository_id, version, config, status, active, workspace, repo_slug, repo_url, branch, schedule, test_output, error_message, last_execution_at, created_at, updated_at`

// CreatePipeline inserts a new active pipeline, deactivating any prior
// active pipeline of the same repository in the same transaction so the
// uniqueness invariant holds throughout.
func (s *Store) CreatePipeline(p *sdk.Pipeline) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE pipelines SET active = 0, updated_at = ? WHERE repository_id = ? AND active = 1`,
		time.Now().UTC(), p.RepositoryID); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Active = true
	if p.Status == "" {
		p.Status = sdk.StatusPlanned
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Branch == "" {
		p.Branch = "main"
	}

	res, err := tx.Exec(`
		INSERT INTO pipelines (repository_id, version, config, status, active, workspace, repo_slug, repo_url, branch, schedule, test_output, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.RepositoryID, p.Version, p.Config, string(p.Status),
		p.Workspace, p.RepoSlug, p.RepoURL, p.Branch, p.Schedule,
		p.TestOutput, p.ErrorMessage, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id

	return tx.Commit()
}

// NewPipelineVersion supersedes the given pipeline with a fresh PLANNED
// version carrying the new configuration. The prior version keeps its
// history but loses the active flag.
func (s *Store) NewPipelineVersion(pipelineID int64, config string) (*sdk.Pipeline, error) {
	prior, err := s.GetPipeline(pipelineID)
	if err != nil {
		return nil, err
	}

	next := &sdk.Pipeline{
		RepositoryID: prior.RepositoryID,
		Version:      prior.Version + 1,
		Config:       config,
		Status:       sdk.StatusPlanned,
		Workspace:    prior.Workspace,
		RepoSlug:     prior.RepoSlug,
		RepoURL:      prior.RepoURL,
		Branch:       prior.Branch,
		Schedule:     prior.Schedule,
	}
	if err := s.CreatePipeline(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) GetPipeline(id int64) (*sdk.Pipeline, error) {
	row := s.db.QueryRow(`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	return scanPipeline(row)
}

// ActivePipeline returns the single active pipeline of a repository.
func (s *Store) ActivePipeline(repositoryID int64) (*sdk.Pipeline, error) {
	row := s.db.QueryRow(`SELECT `+pipelineColumns+` FROM pipelines WHERE repository_id = ? AND active = 1`, repositoryID)
	return scanPipeline(row)
}

// ListPipelines returns all versions for a repository, newest first.
func (s *Store) ListPipelines(repositoryID int64) ([]*sdk.Pipeline, error) {
	rows, err := s.db.Query(`SELECT `+pipelineColumns+` FROM pipelines WHERE repository_id = ? ORDER BY version DESC`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*sdk.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// ScheduledPipelines returns the active pipelines carrying a cron schedule.
func (s *Store) ScheduledPipelines() ([]*sdk.Pipeline, error) {
	rows, err := s.db.Query(`SELECT ` + pipelineColumns + ` FROM pipelines WHERE active = 1 AND schedule != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*sdk.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// UpdatePipelineStatus mirrors the most recent execution status onto the
// pipeline and stamps the last execution time.
func (s *Store) UpdatePipelineStatus(id int64, status sdk.Status, at time.Time) error {
	_, err := s.db.Exec(`UPDATE pipelines SET status = ?, last_execution_at = ?, updated_at = ? WHERE id = ?`,
		string(status), at.UTC(), time.Now().UTC(), id)
	return err
}

// SetPipelineTestResult records the outcome of a local dry run.
func (s *Store) SetPipelineTestResult(id int64, status sdk.Status, output, errMsg string) error {
	_, err := s.db.Exec(`UPDATE pipelines SET status = ?, test_output = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), output, errMsg, time.Now().UTC(), id)
	return err
}

const runColumns = `id, pipeline_id, status, trigger_kind, build_number, remote_uuid, commit_hash, logs, error_message, rolled_back, rollback_reason, previous_run_id, started_at, completed_at, duration_seconds`

// CreateRun appends a new execution record to a pipeline's history.
func (s *Store) CreateRun(r *sdk.ExecutionRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	var previous sql.NullString
	if r.PreviousRunID != "" {
		previous = sql.NullString{String: r.PreviousRunID, Valid: true}
	}
	var completed sql.NullTime
	if r.CompletedAt != nil {
		completed = sql.NullTime{Time: r.CompletedAt.UTC(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO execution_runs (id, pipeline_id, status, trigger_kind, build_number, remote_uuid, commit_hash, logs, error_message, rolled_back, rollback_reason, previous_run_id, started_at, completed_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.PipelineID, string(r.Status), string(r.Trigger),
		r.BuildNumber, r.RemoteUUID, r.CommitHash,
		r.Logs, r.ErrorMessage,
		r.RolledBack, r.RollbackReason, previous,
		r.StartedAt.UTC(), completed, r.DurationSeconds,
	)
	return err
}

// RecordFailedRun durably commits a terminal FAILED run. It exists as a
// separate operation because trigger-failure audit records must survive
// even when the caller rolls back its own unit of work: this insert is its
// own commit on the store's connection, outside any caller transaction.
func (s *Store) RecordFailedRun(r *sdk.ExecutionRun) error {
	r.Status = sdk.StatusFailed
	if r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return s.CreateRun(r)
}

func (s *Store) GetRun(id string) (*sdk.ExecutionRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM execution_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns a pipeline's execution history, newest first.
func (s *Store) ListRuns(pipelineID int64) ([]*sdk.ExecutionRun, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM execution_runs WHERE pipeline_id = ? ORDER BY started_at DESC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*sdk.ExecutionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus persists an observed status change on its own, so status
// is visible to readers before logs or completion land.
func (s *Store) UpdateRunStatus(id string, status sdk.Status) error {
	_, err := s.db.Exec(`UPDATE execution_runs SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// SetRunLogs replaces the captured transcript of a run.
func (s *Store) SetRunLogs(id, logs string) error {
	_, err := s.db.Exec(`UPDATE execution_runs SET logs = ? WHERE id = ?`, logs, id)
	return err
}

// SetRunError records an error encountered while monitoring a run.
func (s *Store) SetRunError(id, message string) error {
	_, err := s.db.Exec(`UPDATE execution_runs SET error_message = ? WHERE id = ?`, message, id)
	return err
}

// CompleteRun writes the terminal outcome: final status, full transcript,
// duration and completion timestamp.
func (s *Store) CompleteRun(id string, status sdk.Status, logs string, durationSeconds int, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE execution_runs SET status = ?, logs = ?, duration_seconds = ?, completed_at = ? WHERE id = ?`,
		string(status), logs, durationSeconds, completedAt.UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*sdk.Pipeline, error) {
	var p sdk.Pipeline
	var status string
	var lastExecution sql.NullTime

	err := row.Scan(
		&p.ID, &p.RepositoryID, &p.Version, &p.Config, &status, &p.Active,
		&p.Workspace, &p.RepoSlug, &p.RepoURL, &p.Branch, &p.Schedule,
		&p.TestOutput, &p.ErrorMessage,
		&lastExecution, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Status = sdk.Status(status)
	if lastExecution.Valid {
		p.LastExecutionAt = &lastExecution.Time
	}
	return &p, nil
}

func scanRun(row rowScanner) (*sdk.ExecutionRun, error) {
	var r sdk.ExecutionRun
	var status, trigger string
	var previous sql.NullString
	var completed sql.NullTime

	err := row.Scan(
		&r.ID, &r.PipelineID, &status, &trigger,
		&r.BuildNumber, &r.RemoteUUID, &r.CommitHash,
		&r.Logs, &r.ErrorMessage,
		&r.RolledBack, &r.RollbackReason, &previous,
		&r.StartedAt, &completed, &r.DurationSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Status = sdk.Status(status)
	r.Trigger = sdk.TriggerKind(trigger)
	if previous.Valid {
		r.PreviousRunID = previous.String
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}
