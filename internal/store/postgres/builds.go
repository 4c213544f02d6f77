package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/meshenvy/firmware-builder/internal/models"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const buildColumns = `id, build_hash, config, status, started_at, updated_at, completed_at,
	run_id, run_id_history, firmware_path, source_path, error_message`

// GetOrCreate inserts the build unless its hash is already registered.
// The unique index on build_hash decides races: a losing insert does
// nothing and the winner is re-read. If a duplicate row still slipped in,
// the oldest row wins and ours is deleted.
func (s *BuildStore) GetOrCreate(ctx context.Context, b *models.Build) (*models.Build, bool, error) {
	existing, err := s.GetByHash(ctx, b.BuildHash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	configJSON, err := json.Marshal(b.Config)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling build config: %w", err)
	}
	if b.RunIDHistory == nil {
		b.RunIDHistory = []int64{}
	}

	query := `
		INSERT INTO builds (id, build_hash, config, status, started_at, updated_at,
			completed_at, run_id, run_id_history, firmware_path, source_path, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (build_hash) DO NOTHING
		RETURNING id`

	var insertedID string
	err = s.conn().QueryRowContext(ctx, query,
		b.ID,
		b.BuildHash,
		configJSON,
		b.Status,
		b.StartedAt,
		b.UpdatedAt,
		nullTime(b.CompletedAt),
		nullInt64(b.RunID),
		pq.Array(b.RunIDHistory),
		nullString(b.FirmwareArtifactPath),
		nullString(b.SourceArtifactPath),
		nullString(b.ErrorMessage),
	).Scan(&insertedID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("inserting build %s: %w", b.BuildHash, ErrDuplicateKey)
		}
		return nil, false, fmt.Errorf("inserting build %s: %w", b.BuildHash, err)
	}

	winner, err := s.oldestByHash(ctx, b.BuildHash)
	if err != nil {
		return nil, false, err
	}
	if insertedID == "" {
		s.logger.Debug("build created concurrently", "build_hash", b.BuildHash, "build_id", winner.ID)
		return winner, false, nil
	}
	if winner.ID != insertedID {
		if _, err := s.conn().ExecContext(ctx, `DELETE FROM builds WHERE id = $1`, insertedID); err != nil {
			return nil, false, fmt.Errorf("deleting orphan build %s: %w", insertedID, err)
		}
		s.logger.Warn("removed orphan build record", "build_hash", b.BuildHash, "orphan_id", insertedID, "build_id", winner.ID)
		return winner, false, nil
	}
	return winner, true, nil
}

func (s *BuildStore) oldestByHash(ctx context.Context, hash string) (*models.Build, error) {
	query := `SELECT ` + buildColumns + `
		FROM builds
		WHERE build_hash = $1
		ORDER BY started_at ASC, id ASC
		LIMIT 1`
	b, err := scanBuild(s.conn().QueryRowContext(ctx, query, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("re-reading build %s: %w", hash, err)
	}
	return b, nil
}

// Get retrieves a build by ID.
func (s *BuildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	return s.getOne(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
}

// GetByHash retrieves a build by its hash.
func (s *BuildStore) GetByHash(ctx context.Context, hash string) (*models.Build, error) {
	return s.getOne(ctx, `SELECT `+buildColumns+` FROM builds WHERE build_hash = $1`, hash)
}

// GetForUpdate retrieves a build by ID with a row lock.
func (s *BuildStore) GetForUpdate(ctx context.Context, id string) (*models.Build, error) {
	return s.getOne(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, id)
}

func (s *BuildStore) getOne(ctx context.Context, query string, arg string) (*models.Build, error) {
	b, err := scanBuild(s.conn().QueryRowContext(ctx, query, arg))
	if err != nil {
		// An id that is not a UUID cannot name a stored build.
		if errors.Is(err, sql.ErrNoRows) || isInvalidTextRepresentation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying build %s: %w", arg, err)
	}
	return b, nil
}

// Update persists the lifecycle fields of a build. Config and hash are
// immutable once created.
func (s *BuildStore) Update(ctx context.Context, b *models.Build) error {
	if b.RunIDHistory == nil {
		b.RunIDHistory = []int64{}
	}

	query := `
		UPDATE builds
		SET status = $2, started_at = $3, updated_at = $4, completed_at = $5,
			run_id = $6, run_id_history = $7, firmware_path = $8, source_path = $9,
			error_message = $10
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		b.ID,
		b.Status,
		b.StartedAt,
		b.UpdatedAt,
		nullTime(b.CompletedAt),
		nullInt64(b.RunID),
		pq.Array(b.RunIDHistory),
		nullString(b.FirmwareArtifactPath),
		nullString(b.SourceArtifactPath),
		nullString(b.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("updating build %s: %w", b.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List retrieves the most recently updated builds.
func (s *BuildStore) List(ctx context.Context, limit int) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + `
		FROM builds
		ORDER BY updated_at DESC
		LIMIT $1`
	return s.list(ctx, query, limit)
}

// ListByStatus retrieves builds in the given status, most recent first.
func (s *BuildStore) ListByStatus(ctx context.Context, status models.BuildStatus, limit int) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + `
		FROM builds
		WHERE status = $2
		ORDER BY updated_at DESC
		LIMIT $1`
	return s.list(ctx, query, limit, status)
}

func (s *BuildStore) list(ctx context.Context, query string, limit int, args ...any) ([]*models.Build, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn().QueryContext(ctx, query, append([]any{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return builds, nil
}

func scanBuild(row rowScanner) (*models.Build, error) {
	b := &models.Build{}
	var configJSON []byte
	var completedAt sql.NullTime
	var runID sql.NullInt64
	var history []int64
	var firmwarePath, sourcePath, errorMessage sql.NullString

	err := row.Scan(
		&b.ID,
		&b.BuildHash,
		&configJSON,
		&b.Status,
		&b.StartedAt,
		&b.UpdatedAt,
		&completedAt,
		&runID,
		pq.Array(&history),
		&firmwarePath,
		&sourcePath,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &b.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling build config: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	b.RunID = runID.Int64
	b.RunIDHistory = history
	if b.RunIDHistory == nil {
		b.RunIDHistory = []int64{}
	}
	b.FirmwareArtifactPath = firmwarePath.String
	b.SourceArtifactPath = sourcePath.String
	b.ErrorMessage = errorMessage.String
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
