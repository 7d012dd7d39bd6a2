// Package store persists scan jobs and their results in SQLite. Jobs move
// through the lifecycle state machine with compare-and-swap updates so a
// terminal record can never be rewritten, no matter how requests race.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrResultNotFound    = errors.New("result not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobActive         = errors.New("job is held by a worker")
)

//go:embed schema.sql
var schemaFS embed.FS

// Open opens (or creates) the SQLite database at path and sets the pragmas
// shared by every consumer of the handle.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Store reads and writes jobs and results. The handle may be shared with the
// queue, which keeps its own tables in the same database.
type Store struct {
	db     *sql.DB
	logger logging.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: nil db handle")
	}
	if logger == nil {
		return nil, errors.New("store: nil logger")
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "store"}),
		now:    time.Now,
	}, nil
}

// CreateJob inserts a new job record. The job must carry an ID and a pending
// status; everything else is taken as given.
func (s *Store) CreateJob(ctx context.Context, job *model.ScanJob) error {
	if job == nil || job.ID == "" {
		return errors.New("store: job missing id")
	}

	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, target, depth, options, owner_id, status, progress, queue_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Target, int(job.Depth), string(optionsJSON), job.OwnerID,
		string(job.Status), job.Progress, job.QueueID, job.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the job by ID or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.ScanJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, target, depth, options, owner_id, status, progress,
		       last_error, cancel_requested, queue_id, created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJobRow(row)
}

// ListJobs returns recent jobs, newest first. An empty ownerID lists all
// owners.
func (s *Store) ListJobs(ctx context.Context, ownerID string, limit int) ([]*model.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, target, depth, options, owner_id, status, progress,
		       last_error, cancel_requested, queue_id, created_at, started_at, completed_at
		FROM jobs`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.ScanJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// TransitionStatus moves a job from one status to another, enforcing the
// state machine in a single compare-and-swap UPDATE. Terminal records are
// never rewritten; a lost race surfaces as ErrInvalidTransition.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to model.JobStatus) error {
	if !from.ValidTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := s.now().Unix()
	var res sql.Result
	var err error
	switch to {
	case model.JobInProgress:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
		`, string(to), now, id, string(from))
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?
		`, string(to), now, id, string(from))
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Either the job is gone or its status moved under us.
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// UpdateProgress raises the job's progress. Progress is monotone: a smaller
// value than the stored one is a silent no-op, as is any update on a job that
// is no longer in progress.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?
		WHERE id = ? AND progress < ? AND status = ?
	`, progress, id, progress, string(model.JobInProgress))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetLastError records the most recent failure message on the job.
func (s *Store) SetLastError(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("update last_error: %w", err)
	}
	return nil
}

// SetQueueID records the job's current queue correlation id. An empty id
// means the job has no live queue entry.
func (s *Store) SetQueueID(ctx context.Context, id, queueID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET queue_id = ? WHERE id = ?`, queueID, id)
	if err != nil {
		return fmt.Errorf("update queue_id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequestCancel sets the cancel flag on a non-terminal job. The worker that
// owns the job observes the flag between stages; nothing is interrupted
// mid-check. Cancelling a terminal job is ErrInvalidTransition.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1
		WHERE id = ? AND status IN (?, ?)
	`, id, string(model.JobPending), string(model.JobInProgress))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// CancelRequested reports whether a cancel has been requested for the job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return flag != 0, nil
}

// SaveResult writes the aggregate result for a job in one transaction. The
// result row either lands whole or not at all; there is no partial shape a
// reader could observe.
func (s *Store) SaveResult(ctx context.Context, result *model.ScanResult) error {
	if result == nil || result.JobID == "" {
		return errors.New("store: result missing job id")
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}

	payload, err := json.Marshal(resultPayload{
		Components: result.Components,
		Summary:    result.Summary,
		Analysis:   result.Analysis,
	})
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("rollback failed", logging.Field{Key: "error", Value: rbErr.Error()})
		}
	}()

	// Upsert on job_id keeps a redelivered run idempotent: the same job
	// rewriting its own result is not a second result.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO results (id, job_id, target, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, result.ID, result.JobID, result.Target, string(payload),
		result.CreatedAt.Unix(), result.ExpiresAt.Unix()); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetResult returns the result for a job, or ErrResultNotFound if the job has
// no result or the result has passed its retention window.
func (s *Store) GetResult(ctx context.Context, jobID string) (*model.ScanResult, error) {
	var (
		id, target, payload  string
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target, payload, created_at, expires_at
		FROM results WHERE job_id = ?
	`, jobID).Scan(&id, &target, &payload, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}

	if s.now().Unix() >= expiresAt {
		return nil, ErrResultNotFound
	}

	var decoded resultPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal result payload: %w", err)
	}

	return &model.ScanResult{
		ID:         id,
		JobID:      jobID,
		Target:     target,
		Components: decoded.Components,
		Summary:    decoded.Summary,
		Analysis:   decoded.Analysis,
		CreatedAt:  time.Unix(createdAt, 0),
		ExpiresAt:  time.Unix(expiresAt, 0),
	}, nil
}

// resultPayload is the JSON shape stored in the results.payload column.
type resultPayload struct {
	Components map[model.Component]model.ComponentResult `json:"components"`
	Summary    model.Summary                             `json:"summary"`
	Analysis   *model.AIAnalysis                         `json:"analysis,omitempty"`
}

// AttachAnalysis adds the advisory analysis to an already persisted result.
// Enrichment arrives after the result is written; a missing row is reported
// as ErrResultNotFound so the caller can decide how loudly to complain.
func (s *Store) AttachAnalysis(ctx context.Context, jobID string, analysis *model.AIAnalysis) error {
	if analysis == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("rollback failed", logging.Field{Key: "error", Value: rbErr.Error()})
		}
	}()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM results WHERE job_id = ?`, jobID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrResultNotFound
	}
	if err != nil {
		return fmt.Errorf("query result payload: %w", err)
	}

	var decoded resultPayload
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return fmt.Errorf("unmarshal result payload: %w", err)
	}
	decoded.Analysis = analysis

	updated, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE results SET payload = ? WHERE job_id = ?`, string(updated), jobID); err != nil {
		return fmt.Errorf("update result payload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteJob removes a job and its result. A job held by a worker is refused
// unless force is set; forced deletion is for operators who accept that the
// worker's final writes will land on nothing.
func (s *Store) DeleteJob(ctx context.Context, id string, force bool) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == model.JobInProgress && !force {
		return ErrJobActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("rollback failed", logging.Field{Key: "error", Value: rbErr.Error()})
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("job deleted",
		logging.Field{Key: "job_id", Value: id},
		logging.Field{Key: "force", Value: force},
		logging.Field{Key: "status_at_delete", Value: string(job.Status)})
	return nil
}

// AdminResetJob force-resets a job to pending, clearing progress, errors and
// the cancel flag. This is an out-of-band operator action that bypasses the
// state machine, so every use is logged.
func (s *Store) AdminResetJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, progress = 0, last_error = '', cancel_requested = 0,
		    queue_id = '', started_at = NULL, completed_at = NULL
		WHERE id = ?
	`, string(model.JobPending), id)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}

	s.logger.Warn("job force-reset by operator", logging.Field{Key: "job_id", Value: id})
	return nil
}

// ListStalled returns in-progress jobs whose work started before the cutoff.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time) ([]*model.ScanJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, depth, options, owner_id, status, progress,
		       last_error, cancel_requested, queue_id, created_at, started_at, completed_at
		FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`, string(model.JobInProgress), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query stalled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.ScanJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", err)
	}
	return jobs, nil
}

// PruneExpiredResults deletes results past their retention window and returns
// how many were dropped.
func (s *Store) PruneExpiredResults(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (*model.ScanJob, error) {
	var (
		job                    model.ScanJob
		depth, progress        int
		optionsJSON, status    string
		cancelRequested        int
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Target, &depth, &optionsJSON, &job.OwnerID,
		&status, &progress, &job.LastError, &cancelRequested, &job.QueueID,
		&createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}

	job.Depth = model.Depth(depth)
	job.Status = model.JobStatus(status)
	job.Progress = progress
	job.CancelRequested = cancelRequested != 0
	job.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}
	return &job, nil
}
