package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/meshenvy/firmware-builder/internal/models"
)

// ProfileStore implements store.ProfileStore using PostgreSQL.
type ProfileStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ProfileStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new profile.
func (s *ProfileStore) Create(ctx context.Context, p *models.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshaling profile config: %w", err)
	}

	query := `
		INSERT INTO profiles (id, slug, name, description, config, is_public, flash_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.conn().ExecContext(ctx, query,
		p.ID, p.Slug, p.Name, nullString(p.Description), configJSON,
		p.IsPublic, p.FlashCount, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// Get retrieves a profile by ID.
func (s *ProfileStore) Get(ctx context.Context, id string) (*models.Profile, error) {
	return s.getOne(ctx, "id", id)
}

// GetBySlug retrieves a profile by slug.
func (s *ProfileStore) GetBySlug(ctx context.Context, slug string) (*models.Profile, error) {
	return s.getOne(ctx, "slug", slug)
}

func (s *ProfileStore) getOne(ctx context.Context, column, value string) (*models.Profile, error) {
	query := `
		SELECT id, slug, name, description, config, is_public, flash_count, created_at, updated_at
		FROM profiles
		WHERE ` + column + ` = $1`

	p := &models.Profile{}
	var description sql.NullString
	var configJSON []byte
	err := s.conn().QueryRowContext(ctx, query, value).Scan(
		&p.ID, &p.Slug, &p.Name, &description, &configJSON,
		&p.IsPublic, &p.FlashCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidTextRepresentation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	p.Description = description.String
	if err := json.Unmarshal(configJSON, &p.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling profile config: %w", err)
	}
	return p, nil
}

// IncrementFlashCount records one more build from the profile.
func (s *ProfileStore) IncrementFlashCount(ctx context.Context, id string) error {
	query := `
		UPDATE profiles
		SET flash_count = flash_count + 1, updated_at = $2
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("incrementing profile flash count: %w", err)
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
