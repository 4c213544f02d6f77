package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshenvy/firmware-builder/internal/models"
)

// PluginStore implements store.PluginStore using PostgreSQL.
type PluginStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *PluginStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// IncrementFlashCount upserts the plugin's counter.
func (s *PluginStore) IncrementFlashCount(ctx context.Context, slug string) error {
	query := `
		INSERT INTO plugins (slug, flash_count, updated_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (slug) DO UPDATE
		SET flash_count = plugins.flash_count + 1, updated_at = EXCLUDED.updated_at`

	if _, err := s.conn().ExecContext(ctx, query, slug, time.Now().UTC()); err != nil {
		return fmt.Errorf("incrementing plugin flash count for %s: %w", slug, err)
	}
	return nil
}

// Get returns the counters for a plugin.
func (s *PluginStore) Get(ctx context.Context, slug string) (*models.PluginStats, error) {
	stats := &models.PluginStats{Slug: slug}
	err := s.conn().QueryRowContext(ctx,
		`SELECT flash_count FROM plugins WHERE slug = $1`, slug,
	).Scan(&stats.FlashCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying plugin stats for %s: %w", slug, err)
	}
	return stats, nil
}
