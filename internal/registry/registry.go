// Package registry provides typed, read-only views over the plugin registry
// and the hardware list. Both are validated once at load time.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/meshenvy/firmware-builder/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPluginRef is returned for malformed "slug@version" tokens.
var ErrInvalidPluginRef = errors.New("invalid plugin reference")

// PluginRef is a parsed pluginsEnabled token.
type PluginRef struct {
	Slug    string
	Version string
}

// String renders the reference as "slug" or "slug@version".
func (r PluginRef) String() string {
	if r.Version == "" {
		return r.Slug
	}
	return r.Slug + "@" + r.Version
}

// ParsePluginRef splits a "slug" or "slug@version" token. A version, when
// present, must be a valid semantic version.
func ParsePluginRef(token string) (PluginRef, error) {
	token = strings.TrimSpace(token)
	slug, version, hasVersion := strings.Cut(token, "@")
	if slug == "" {
		return PluginRef{}, fmt.Errorf("%w: %q has no slug", ErrInvalidPluginRef, token)
	}
	if !hasVersion {
		return PluginRef{Slug: slug}, nil
	}
	if _, err := semver.NewVersion(version); err != nil {
		return PluginRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidPluginRef, token, err)
	}
	return PluginRef{Slug: slug, Version: version}, nil
}

// Plugins is a read-only slug -> entry lookup.
type Plugins interface {
	Get(slug string) (*models.PluginRegistryEntry, bool)
}

// PluginRegistry is the in-memory plugin registry.
type PluginRegistry struct {
	entries map[string]*models.PluginRegistryEntry
}

// NewPluginRegistry indexes entries by slug. Entries without a slug are
// dropped; absent optional fields are treated as empty.
func NewPluginRegistry(entries []models.PluginRegistryEntry, logger *slog.Logger) *PluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &PluginRegistry{entries: make(map[string]*models.PluginRegistryEntry, len(entries))}
	for i := range entries {
		e := entries[i]
		if e.Slug == "" {
			logger.Warn("skipping plugin registry entry without slug", "name", e.Name)
			continue
		}
		if e.Version != "" {
			if _, err := semver.NewVersion(e.Version); err != nil {
				logger.Warn("plugin registry entry has non-semver version",
					"slug", e.Slug, "version", e.Version, "error", err)
			}
		}
		r.entries[e.Slug] = &e
	}

	for _, e := range r.entries {
		for dep, rng := range e.Dependencies {
			target, ok := r.entries[dep]
			if !ok || rng == "" || target.Version == "" {
				continue
			}
			if !satisfies(target.Version, rng) {
				logger.Warn("plugin dependency range not satisfied by registry version",
					"slug", e.Slug, "dependency", dep, "range", rng, "version", target.Version)
			}
		}
	}
	return r
}

// satisfies is informational; unparseable inputs count as satisfied.
func satisfies(version, rng string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return true
	}
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return true
	}
	return c.Check(v)
}

// Get returns the entry for slug.
func (r *PluginRegistry) Get(slug string) (*models.PluginRegistryEntry, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.entries[slug]
	return e, ok
}

// Slugs returns every registered slug in sorted order.
func (r *PluginRegistry) Slugs() []string {
	out := make([]string, 0, len(r.entries))
	for slug := range r.entries {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered plugins.
func (r *PluginRegistry) Len() int {
	return len(r.entries)
}

// ParsePlugins decodes a registry document. Both a list of entries and a
// slug-keyed map are accepted; in the map form the key fills a missing slug.
func ParsePlugins(rd io.Reader, logger *slog.Logger) (*PluginRegistry, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("reading plugin registry: %w", err)
	}

	var list []models.PluginRegistryEntry
	if err := yaml.Unmarshal(data, &list); err == nil {
		return NewPluginRegistry(list, logger), nil
	}

	var keyed map[string]models.PluginRegistryEntry
	if err := yaml.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("decoding plugin registry: %w", err)
	}
	slugs := make([]string, 0, len(keyed))
	for slug := range keyed {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	list = make([]models.PluginRegistryEntry, 0, len(keyed))
	for _, slug := range slugs {
		e := keyed[slug]
		if e.Slug == "" {
			e.Slug = slug
		}
		list = append(list, e)
	}
	return NewPluginRegistry(list, logger), nil
}

// LoadPluginsFile reads a plugin registry from path.
func LoadPluginsFile(path string, logger *slog.Logger) (*PluginRegistry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plugin registry: %w", err)
	}
	defer f.Close()
	return ParsePlugins(f, logger)
}
