// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/meshenvy/firmware-builder/internal/models"
)

// Errors shared by every store implementation.
var (
	ErrNotFound  = errors.New("resource not found")
	ErrDuplicate = errors.New("duplicate key")
)

// BuildStore defines operations for the hash-keyed build registry.
type BuildStore interface {
	// GetOrCreate returns the build for b.BuildHash, inserting b if none
	// exists. created reports whether b became the stored record. Concurrent
	// callers for the same hash always observe one surviving record.
	GetOrCreate(ctx context.Context, b *models.Build) (build *models.Build, created bool, err error)
	// Get retrieves a build by ID.
	Get(ctx context.Context, id string) (*models.Build, error)
	// GetByHash retrieves a build by its hash.
	GetByHash(ctx context.Context, hash string) (*models.Build, error)
	// GetForUpdate retrieves a build by ID and locks it until the enclosing
	// transaction ends. Outside a transaction it behaves like Get.
	GetForUpdate(ctx context.Context, id string) (*models.Build, error)
	// Update persists the mutable lifecycle fields of a build.
	Update(ctx context.Context, b *models.Build) error
	// List retrieves the most recently updated builds.
	List(ctx context.Context, limit int) ([]*models.Build, error)
	// ListByStatus retrieves builds in the given status, most recent first.
	ListByStatus(ctx context.Context, status models.BuildStatus, limit int) ([]*models.Build, error)
}

// ProfileStore defines operations for saved build profiles.
type ProfileStore interface {
	// Create creates a new profile.
	Create(ctx context.Context, p *models.Profile) error
	// Get retrieves a profile by ID.
	Get(ctx context.Context, id string) (*models.Profile, error)
	// GetBySlug retrieves a profile by slug.
	GetBySlug(ctx context.Context, slug string) (*models.Profile, error)
	// IncrementFlashCount records one more build from the profile.
	IncrementFlashCount(ctx context.Context, id string) error
}

// PluginStore tracks per-plugin usage counters.
type PluginStore interface {
	// IncrementFlashCount records one more build selecting the plugin.
	IncrementFlashCount(ctx context.Context, slug string) error
	// Get returns the counters for a plugin; an unseen plugin has zero counts.
	Get(ctx context.Context, slug string) (*models.PluginStats, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Builds returns the BuildStore for build registry operations.
	Builds() BuildStore
	// Profiles returns the ProfileStore for profile operations.
	Profiles() ProfileStore
	// Plugins returns the PluginStore for plugin counters.
	Plugins() PluginStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
