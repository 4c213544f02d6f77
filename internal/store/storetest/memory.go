// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/store"
)

// MemoryStore is a goroutine-safe in-memory store.Store. WithTx holds a
// single global lock for the duration of the function, which serializes
// transactions the way row locks would for a single build.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	builds   map[string]*models.Build
	byHash   map[string]string
	profiles map[string]*models.Profile
	plugins  map[string]int

	// UpdateErr, when set, is returned by every build Update.
	UpdateErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		builds:   make(map[string]*models.Build),
		byHash:   make(map[string]string),
		profiles: make(map[string]*models.Profile),
		plugins:  make(map[string]int),
	}
}

// Builds returns the build store.
func (m *MemoryStore) Builds() store.BuildStore { return memBuilds{m} }

// Profiles returns the profile store.
func (m *MemoryStore) Profiles() store.ProfileStore { return memProfiles{m} }

// Plugins returns the plugin counter store.
func (m *MemoryStore) Plugins() store.PluginStore { return memPlugins{m} }

// WithTx runs fn while holding the transaction lock. Changes are not rolled
// back on error.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(txView{m})
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// BuildCount returns the number of stored builds.
func (m *MemoryStore) BuildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.builds)
}

// PluginFlashCount returns the counter of a plugin.
func (m *MemoryStore) PluginFlashCount(slug string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plugins[slug]
}

type txView struct{ *MemoryStore }

func (t txView) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(t)
}

// clone deep-copies through JSON so callers never share state with the store.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

type memBuilds struct{ m *MemoryStore }

func (s memBuilds) GetOrCreate(ctx context.Context, b *models.Build) (*models.Build, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if id, ok := s.m.byHash[b.BuildHash]; ok {
		return clone(s.m.builds[id]), false, nil
	}
	s.m.builds[b.ID] = clone(b)
	s.m.byHash[b.BuildHash] = b.ID
	return clone(b), true, nil
}

func (s memBuilds) Get(ctx context.Context, id string) (*models.Build, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	b, ok := s.m.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(b), nil
}

func (s memBuilds) GetByHash(ctx context.Context, hash string) (*models.Build, error) {
	s.m.mu.Lock()
	id, ok := s.m.byHash[hash]
	s.m.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s memBuilds) GetForUpdate(ctx context.Context, id string) (*models.Build, error) {
	return s.Get(ctx, id)
}

func (s memBuilds) Update(ctx context.Context, b *models.Build) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.UpdateErr != nil {
		return s.m.UpdateErr
	}
	if _, ok := s.m.builds[b.ID]; !ok {
		return store.ErrNotFound
	}
	s.m.builds[b.ID] = clone(b)
	return nil
}

func (s memBuilds) List(ctx context.Context, limit int) ([]*models.Build, error) {
	return s.filter(limit, func(*models.Build) bool { return true }), nil
}

func (s memBuilds) ListByStatus(ctx context.Context, status models.BuildStatus, limit int) ([]*models.Build, error) {
	return s.filter(limit, func(b *models.Build) bool { return b.Status == status }), nil
}

func (s memBuilds) filter(limit int, keep func(*models.Build) bool) []*models.Build {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Build
	for _, b := range s.m.builds {
		if keep(b) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type memProfiles struct{ m *MemoryStore }

func (s memProfiles) Create(ctx context.Context, p *models.Profile) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.profiles {
		if existing.Slug == p.Slug {
			return store.ErrDuplicate
		}
	}
	s.m.profiles[p.ID] = clone(p)
	return nil
}

func (s memProfiles) Get(ctx context.Context, id string) (*models.Profile, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(p), nil
}

func (s memProfiles) GetBySlug(ctx context.Context, slug string) (*models.Profile, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range s.m.profiles {
		if p.Slug == slug {
			return clone(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s memProfiles) IncrementFlashCount(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.profiles[id]
	if !ok {
		return store.ErrNotFound
	}
	p.FlashCount++
	return nil
}

type memPlugins struct{ m *MemoryStore }

func (s memPlugins) IncrementFlashCount(ctx context.Context, slug string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.plugins[slug]++
	return nil
}

func (s memPlugins) Get(ctx context.Context, slug string) (*models.PluginStats, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return &models.PluginStats{Slug: slug, FlashCount: s.m.plugins[slug]}, nil
}
