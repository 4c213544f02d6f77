// Package postgres provides a PostgreSQL-backed implementation of the dispatch queue.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/queue"
)

// DefaultStaleTimeout is how long a job may sit in processing before
// another worker reclaims it.
const DefaultStaleTimeout = 10 * time.Minute

// PostgresQueue implements queue.Queue using PostgreSQL.
type PostgresQueue struct {
	db         *sql.DB
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:         db,
		logger:     logger,
		staleAfter: DefaultStaleTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithStaleTimeout sets how long a processing job is owned by its worker.
// Jobs of a worker that died past this point are handed out again with a
// retry charged.
func (q *PostgresQueue) WithStaleTimeout(d time.Duration) *PostgresQueue {
	if d > 0 {
		q.staleAfter = d
	}
	return q
}

// Enqueue adds a new dispatch job to the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.DispatchJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job to JSON: %w", err)
	}

	query := `
		INSERT INTO dispatch_queue (id, build_id, job_data, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)`

	_, err = q.db.ExecContext(ctx, query, job.ID, job.Request.BuildID, jobData, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting job into queue: %w", err)
	}

	q.logger.Debug("enqueued dispatch job", "job_id", job.ID, "build_id", job.Request.BuildID)
	return nil
}

// Dequeue retrieves and locks the next available dispatch job, or a
// processing job whose worker has gone quiet for longer than the stale
// timeout. Uses SELECT FOR UPDATE SKIP LOCKED for concurrent worker safety.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.DispatchJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, job_data
		FROM dispatch_queue
		WHERE status = 'pending'
		   OR (status = 'processing' AND started_at < $1)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	now := q.now()
	var jobID string
	var jobData []byte
	err = tx.QueryRowContext(ctx, selectQuery, now.Add(-q.staleAfter)).Scan(&jobID, &jobData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("selecting job from queue: %w", err)
	}

	// A reclaimed job counts as a failed attempt.
	updateQuery := `
		UPDATE dispatch_queue
		SET status = 'processing',
		    started_at = $2,
		    retry_count = CASE WHEN status = 'processing' THEN retry_count + 1 ELSE retry_count END
		WHERE id = $1
		RETURNING retry_count`

	var retryCount int
	if err := tx.QueryRowContext(ctx, updateQuery, jobID, now).Scan(&retryCount); err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	var job models.DispatchJob
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job from JSON: %w", err)
	}
	job.ID = jobID
	job.RetryCount = retryCount

	q.logger.Debug("dequeued dispatch job", "job_id", job.ID, "build_id", job.Request.BuildID)
	return &job, nil
}

// Ack acknowledges successful processing of a job, removing it from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, `
		DELETE FROM dispatch_queue
		WHERE id = $1 AND status = 'processing'`, "acknowledged")
}

// Nack returns a job to the queue and bumps its retry count.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, `
		UPDATE dispatch_queue
		SET status = 'pending', started_at = NULL, retry_count = retry_count + 1
		WHERE id = $1 AND status = 'processing'`, "nacked")
}

// Release returns a job to the queue without charging a retry.
func (q *PostgresQueue) Release(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, `
		UPDATE dispatch_queue
		SET status = 'pending', started_at = NULL
		WHERE id = $1 AND status = 'processing'`, "released")
}

func (q *PostgresQueue) finish(ctx context.Context, jobID, query, verb string) error {
	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug(verb+" dispatch job", "job_id", jobID)
	return nil
}
