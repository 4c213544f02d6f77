// Package builds implements the build lifecycle: identity-keyed creation,
// dispatch to the compiler, webhook status updates and retries.
package builds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/meshenvy/firmware-builder/internal/buildhash"
	"github.com/meshenvy/firmware-builder/internal/dispatch"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/meshenvy/firmware-builder/internal/store"
	"golang.org/x/sync/singleflight"
)

// Once a build row exists its dispatch and any failure bookkeeping must
// finish even when the caller goes away, or the build stays queued with
// nothing behind it. Those steps run on contexts detached from the caller
// and bounded by these timeouts.
const (
	ensureTimeout   = time.Minute
	dispatchTimeout = 30 * time.Second
	recordTimeout   = 10 * time.Second
)

func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Service coordinates the build registry, hashing and dispatch.
type Service struct {
	store      store.Store
	hasher     *buildhash.Hasher
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger

	now   func() time.Time
	newID func() string

	ensureGroup singleflight.Group
}

// NewService creates a build service.
func NewService(s store.Store, hasher *buildhash.Hasher, d dispatch.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		hasher:     hasher,
		dispatcher: d,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}
}

// EnsureResult is the outcome of Ensure.
type EnsureResult struct {
	Build   *models.Build
	Existed bool
}

type ensureOutcome struct {
	build   *models.Build
	created bool
}

// Ensure returns the build for cfg, creating and dispatching it when no
// build with the same identity exists. Concurrent calls for one identity
// in this process share a single store round trip; the store's unique
// hash resolves races across processes.
func (s *Service) Ensure(ctx context.Context, cfg models.BuildConfig) (*EnsureResult, error) {
	if cfg.Version == "" || cfg.Target == "" {
		return nil, fmt.Errorf("%w: version and target are required", ErrInvalidConfig)
	}

	normalized, err := s.hasher.Normalize(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	canonical, err := s.hasher.Canonicalize(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	hash, err := canonical.Hash()
	if err != nil {
		return nil, err
	}

	// The shared call outlives any single caller: followers must not see
	// the leader's cancellation.
	leader := false
	v, err, _ := s.ensureGroup.Do(hash, func() (interface{}, error) {
		leader = true
		sctx, cancel := detach(ctx, ensureTimeout)
		defer cancel()
		return s.ensure(sctx, hash, normalized, canonical)
	})
	if err != nil {
		return nil, err
	}
	out := v.(*ensureOutcome)
	return &EnsureResult{Build: out.build, Existed: !(leader && out.created)}, nil
}

func (s *Service) ensure(ctx context.Context, hash string, cfg models.BuildConfig, canonical buildhash.Canonical) (*ensureOutcome, error) {
	build, created, err := s.store.Builds().GetOrCreate(ctx, models.NewBuild(s.newID(), hash, cfg, s.now()))
	if err != nil {
		return nil, fmt.Errorf("get-or-create build %s: %w", hash, err)
	}
	if !created {
		return &ensureOutcome{build: build}, nil
	}

	logger := s.logger.With("build_id", build.ID, "build_hash", hash)
	logger.Info("created build", "target", cfg.Target, "version", cfg.Version)

	for _, tok := range cfg.PluginsEnabled {
		slug := tok
		if ref, err := registry.ParsePluginRef(tok); err == nil {
			slug = ref.Slug
		}
		if err := s.store.Plugins().IncrementFlashCount(ctx, slug); err != nil {
			logger.Warn("failed to count plugin usage", "plugin", slug, "error", err)
		}
	}

	build = s.dispatch(ctx, build, canonical)
	return &ensureOutcome{build: build, created: true}, nil
}

// GetOrCreate registers cfg under hash without dispatching. existed is true
// when a build with the hash was already registered.
func (s *Service) GetOrCreate(ctx context.Context, hash string, cfg models.BuildConfig) (string, bool, error) {
	build, created, err := s.store.Builds().GetOrCreate(ctx, models.NewBuild(s.newID(), hash, cfg, s.now()))
	if err != nil {
		return "", false, fmt.Errorf("get-or-create build %s: %w", hash, err)
	}
	return build.ID, !created, nil
}

// EnsureFromProfile ensures the build described by a saved profile and
// counts the flash against the profile.
func (s *Service) EnsureFromProfile(ctx context.Context, profileID string) (*EnsureResult, *models.Profile, error) {
	profile, err := s.store.Profiles().Get(ctx, profileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
		}
		return nil, nil, err
	}

	res, err := s.Ensure(ctx, profile.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Profiles().IncrementFlashCount(ctx, profile.ID); err != nil {
		s.logger.Warn("failed to count profile flash", "profile_id", profile.ID, "error", err)
	}
	return res, profile, nil
}

// Get returns a build by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Build, error) {
	b, err := s.store.Builds().Get(ctx, id)
	return b, notFound(err, id)
}

// GetByHash returns a build by hash.
func (s *Service) GetByHash(ctx context.Context, hash string) (*models.Build, error) {
	b, err := s.store.Builds().GetByHash(ctx, hash)
	return b, notFound(err, hash)
}

// List returns builds, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.BuildStatus, limit int) ([]*models.Build, error) {
	if status == "" {
		return s.store.Builds().List(ctx, limit)
	}
	return s.store.Builds().ListByStatus(ctx, status, limit)
}

// ApplyStatus applies a lifecycle event under a row lock. applied is false
// when the event came from a superseded run and was ignored.
func (s *Service) ApplyStatus(ctx context.Context, buildID string, u models.StatusUpdate) (build *models.Build, applied bool, err error) {
	if !u.Status.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		b, err := tx.Builds().GetForUpdate(ctx, buildID)
		if err != nil {
			return notFound(err, buildID)
		}
		applied = b.ApplyStatus(u, s.now())
		build = b
		if !applied {
			return nil
		}
		return tx.Builds().Update(ctx, b)
	})
	if err != nil {
		return nil, false, err
	}

	logger := s.logger.With("build_id", build.ID, "build_hash", build.BuildHash, "status", u.Status, "run_id", u.RunID)
	if applied {
		logger.Info("applied build status")
	} else {
		logger.Info("ignored status from superseded run")
	}
	return build, applied, nil
}

// RecordDispatchFailure marks a build failed because its dispatch could not
// be delivered. The stored message names the build and its hash.
func (s *Service) RecordDispatchFailure(ctx context.Context, buildID string, cause error) error {
	return s.store.WithTx(ctx, func(tx store.Store) error {
		b, err := tx.Builds().GetForUpdate(ctx, buildID)
		if err != nil {
			return notFound(err, buildID)
		}
		derr := cause
		var existing *DispatchError
		if !errors.As(cause, &existing) {
			derr = &DispatchError{BuildID: b.ID, BuildHash: b.BuildHash, Err: cause}
		}
		b.ApplyStatus(models.StatusUpdate{
			Status:       models.BuildStatusFailure,
			ErrorMessage: derr.Error(),
		}, s.now())
		s.logger.Error("recorded dispatch failure", "build_id", b.ID, "build_hash", b.BuildHash, "error", cause)
		return tx.Builds().Update(ctx, b)
	})
}

// Retry starts a new dispatch cycle for a build using its stored config.
func (s *Service) Retry(ctx context.Context, buildID string) (*models.Build, error) {
	var build *models.Build
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		b, err := tx.Builds().GetForUpdate(ctx, buildID)
		if err != nil {
			return notFound(err, buildID)
		}
		b.ResetForRetry(s.now())
		build = b
		return tx.Builds().Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("build_id", build.ID, "build_hash", build.BuildHash)
	canonical, err := s.hasher.Canonicalize(build.Config)
	if err != nil {
		logger.Error("stored config no longer canonicalizes", "error", err)
		rctx, cancel := detach(ctx, recordTimeout)
		defer cancel()
		if recErr := s.RecordDispatchFailure(rctx, build.ID, err); recErr != nil {
			return nil, recErr
		}
		return s.Get(rctx, build.ID)
	}
	if recomputed, err := canonical.Hash(); err == nil && recomputed != build.BuildHash {
		logger.Warn("registry changes alter the hash of the stored config; dispatching under the stored hash",
			"recomputed_hash", recomputed)
	}

	logger.Info("retrying build")
	return s.dispatch(ctx, build, canonical), nil
}

// dispatch sends the build to the compiler. A failure is recorded on the
// build; the returned build reflects the recorded state.
func (s *Service) dispatch(ctx context.Context, build *models.Build, canonical buildhash.Canonical) *models.Build {
	req := models.DispatchRequest{
		BuildID:   build.ID,
		BuildHash: build.BuildHash,
		Target:    canonical.Target,
		Version:   canonical.Version,
		Flags:     canonical.Flags,
		Plugins:   canonical.Plugins,
	}

	dctx, cancel := detach(ctx, dispatchTimeout)
	err := s.dispatcher.Dispatch(dctx, req)
	cancel()
	if err == nil {
		return build
	}

	rctx, cancel := detach(ctx, recordTimeout)
	defer cancel()
	if recErr := s.RecordDispatchFailure(rctx, build.ID, err); recErr != nil {
		s.logger.Error("failed to record dispatch failure", "build_id", build.ID, "error", recErr)
		return build
	}
	if updated, getErr := s.Get(rctx, build.ID); getErr == nil {
		return updated
	}
	return build
}

func notFound(err error, key string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, key)
	}
	return err
}
