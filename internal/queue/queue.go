// Package queue implements a durable SQLite-backed work queue. Entries
// survive restarts; a claim is a lease with a visibility timeout, so work
// held by a crashed worker becomes claimable again instead of being lost.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/kansa/internal/logging"
)

var (
	ErrEmpty        = errors.New("queue is empty")
	ErrEntryClaimed = errors.New("queue entry is claimed")
	ErrNotQueued    = errors.New("job is not queued")
)

//go:embed schema.sql
var schemaFS embed.FS

// Config tunes claiming behavior.
type Config struct {
	// VisibilityTimeout is how long a claim holds before the entry becomes
	// claimable again.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// MaxAttempts bounds redelivery. The consumer checks Entry.Attempts
	// against this and gives up on the job when it is exceeded.
	MaxAttempts int `yaml:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 10 * time.Minute,
		MaxAttempts:       3,
	}
}

// Entry is one claimed unit of work.
type Entry struct {
	QueueID  string
	JobID    string
	Priority int
	Attempts int
}

// Queue shares its database handle with the store; its tables are its own.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger logging.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(db *sql.DB, cfg Config, logger logging.Logger) (*Queue, error) {
	if db == nil {
		return nil, errors.New("queue: nil db handle")
	}
	if logger == nil {
		return nil, errors.New("queue: nil logger")
	}
	def := DefaultConfig()
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Queue{
		db:     db,
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "queue"}),
		now:    time.Now,
	}, nil
}

// MaxAttempts returns the configured redelivery bound.
func (q *Queue) MaxAttempts() int { return q.cfg.MaxAttempts }

// Enqueue adds a job with the given priority. Higher priority is claimed
// first; ties go to the oldest entry.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) (string, error) {
	if jobID == "" {
		return "", errors.New("queue: empty job id")
	}
	queueID := uuid.New().String()
	now := q.now().Unix()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue (id, job_id, priority, enqueued_at, available_at)
		VALUES (?, ?, ?, ?, ?)
	`, queueID, jobID, priority, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return queueID, nil
}

// Claim leases the best available entry to workerID, bumping its attempt
// counter. Returns ErrEmpty when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Entry, error) {
	now := q.now().Unix()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			q.logger.Warn("rollback failed", logging.Field{Key: "error", Value: rbErr.Error()})
		}
	}()

	var e Entry
	err = tx.QueryRowContext(ctx, `
		SELECT id, job_id, priority, attempts FROM queue
		WHERE available_at <= ?
		  AND (claimed_by IS NULL OR visible_until <= ?)
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1
	`, now, now).Scan(&e.QueueID, &e.JobID, &e.Priority, &e.Attempts)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select entry: %w", err)
	}

	visibleUntil := q.now().Add(q.cfg.VisibilityTimeout).Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE queue
		SET claimed_by = ?, visible_until = ?, attempts = attempts + 1
		WHERE id = ? AND attempts = ?
	`, workerID, visibleUntil, e.QueueID, e.Attempts)
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Another worker won the race inside its own transaction.
		return nil, ErrEmpty
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.Attempts++
	return &e, nil
}

// Complete removes a finished entry.
func (q *Queue) Complete(ctx context.Context, queueID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}
	return nil
}

// Release gives up a claim and makes the entry available again after delay.
// The attempt counter is kept, so repeated failures eventually exhaust
// MaxAttempts.
func (q *Queue) Release(ctx context.Context, queueID string, delay time.Duration) error {
	availableAt := q.now().Add(delay).Unix()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue
		SET claimed_by = NULL, visible_until = NULL, available_at = ?
		WHERE id = ?
	`, availableAt, queueID)
	if err != nil {
		return fmt.Errorf("release entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotQueued
	}
	return nil
}

// Remove deletes the unclaimed entry for a job, used when a pending job is
// cancelled before any worker picks it up. A claimed entry is refused; the
// owning worker observes the cancel flag instead.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	now := q.now().Unix()
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue
		WHERE job_id = ? AND (claimed_by IS NULL OR visible_until <= ?)
	`, jobID, now)
	if err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("check entry: %w", err)
		}
		if exists == 0 {
			return ErrNotQueued
		}
		return ErrEntryClaimed
	}
	return nil
}

// RequeueExpired clears claims whose visibility window has lapsed and
// returns how many entries became claimable again.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.now().Unix()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue
		SET claimed_by = NULL, visible_until = NULL
		WHERE claimed_by IS NOT NULL AND visible_until <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		q.logger.Info("requeued expired claims", logging.Field{Key: "count", Value: affected})
	}
	return int(affected), nil
}

// Depth returns the number of entries currently in the queue, claimed or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
