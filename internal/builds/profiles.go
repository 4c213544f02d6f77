package builds

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ErrProfileExists is returned when a profile slug is already taken.
var ErrProfileExists = errors.New("profile slug already exists")

// CreateProfile stores a saved configuration. The config is normalized the
// same way builds are, so the profile and its builds share one identity.
func (s *Service) CreateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	if !slugPattern.MatchString(p.Slug) {
		return nil, fmt.Errorf("%w: profile slug %q", ErrInvalidConfig, p.Slug)
	}
	if p.Name == "" {
		p.Name = p.Slug
	}
	if p.Config.Version == "" || p.Config.Target == "" {
		return nil, fmt.Errorf("%w: version and target are required", ErrInvalidConfig)
	}
	normalized, err := s.hasher.Normalize(p.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	now := s.now()
	p.ID = s.newID()
	p.Config = normalized
	p.FlashCount = 0
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.store.Profiles().Create(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrProfileExists, p.Slug)
		}
		return nil, fmt.Errorf("creating profile %s: %w", p.Slug, err)
	}
	s.logger.Info("created profile", "profile_id", p.ID, "slug", p.Slug)
	return p, nil
}

// GetProfile returns a profile by ID.
func (s *Service) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	p, err := s.store.Profiles().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p, err
}

// GetProfileBySlug returns a profile by slug.
func (s *Service) GetProfileBySlug(ctx context.Context, slug string) (*models.Profile, error) {
	p, err := s.store.Profiles().GetBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, slug)
	}
	return p, err
}

// PluginStats returns the usage counters of a plugin.
func (s *Service) PluginStats(ctx context.Context, slug string) (*models.PluginStats, error) {
	return s.store.Plugins().Get(ctx, slug)
}
