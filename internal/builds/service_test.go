package builds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/meshenvy/firmware-builder/internal/buildhash"
	"github.com/meshenvy/firmware-builder/internal/dispatch"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/meshenvy/firmware-builder/internal/store"
	"github.com/meshenvy/firmware-builder/internal/store/storetest"
)

var quietLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []models.DispatchRequest
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func testRegistry() *registry.PluginRegistry {
	return registry.NewPluginRegistry([]models.PluginRegistryEntry{
		{Slug: "bbs", Version: "1.2.0", Dependencies: map[string]string{"storage": "*"}},
		{Slug: "storage", Version: "0.4.0"},
	}, quietLogger)
}

func newTestService(d dispatch.Dispatcher) (*Service, *storetest.MemoryStore) {
	mem := storetest.NewMemoryStore()
	svc := NewService(mem, buildhash.New(testRegistry()), d, quietLogger)
	return svc, mem
}

func exampleConfig() models.BuildConfig {
	return models.BuildConfig{
		Version:         "2.7.16",
		Target:          "tbeam",
		ModulesExcluded: map[string]bool{"MQTT": true},
		PluginsEnabled:  []string{"bbs"},
	}
}

func TestEnsureExample(t *testing.T) {
	d := &recordingDispatcher{}
	svc, mem := newTestService(d)
	ctx := context.Background()

	first, err := svc.Ensure(ctx, exampleConfig())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if first.Existed {
		t.Error("first call must create")
	}
	if first.Build.Status != models.BuildStatusQueued {
		t.Errorf("status = %s", first.Build.Status)
	}

	second, err := svc.Ensure(ctx, exampleConfig())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !second.Existed || second.Build.ID != first.Build.ID {
		t.Errorf("second call: existed=%v id=%s, want existed id=%s", second.Existed, second.Build.ID, first.Build.ID)
	}

	if d.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", d.count())
	}
	want := models.DispatchRequest{
		BuildID:   first.Build.ID,
		BuildHash: first.Build.BuildHash,
		Target:    "tbeam",
		Version:   "2.7.16",
		Flags:     "-DMQTT=1",
		Plugins:   []string{"bbs@1.2.0", "storage@0.4.0"},
	}
	if diff := cmp.Diff(want, d.requests[0]); diff != "" {
		t.Errorf("dispatch request mismatch (-want +got):\n%s", diff)
	}
	if mem.PluginFlashCount("bbs") != 1 || mem.PluginFlashCount("storage") != 0 {
		t.Errorf("plugin counters: bbs=%d storage=%d", mem.PluginFlashCount("bbs"), mem.PluginFlashCount("storage"))
	}
}

func TestEnsureStoresExplicitOnly(t *testing.T) {
	svc, _ := newTestService(&recordingDispatcher{})
	ctx := context.Background()

	cfg := exampleConfig()
	cfg.PluginsEnabled = []string{"storage", "bbs"}
	res, err := svc.Ensure(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bbs"}, res.Build.Config.PluginsEnabled); diff != "" {
		t.Errorf("stored plugins mismatch (-want +got):\n%s", diff)
	}

	again, err := svc.Ensure(ctx, exampleConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !again.Existed || again.Build.ID != res.Build.ID {
		t.Error("explicitly listing a dependency must resolve to the same build")
	}
}

func TestEnsureConcurrent(t *testing.T) {
	d := &recordingDispatcher{}
	svc, mem := newTestService(d)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*EnsureResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Ensure(ctx, exampleConfig())
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	creators := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Build.ID != results[0].Build.ID {
			t.Errorf("got two build ids: %s and %s", res.Build.ID, results[0].Build.ID)
		}
		if !res.Existed {
			creators++
		}
	}
	if creators != 1 {
		t.Errorf("creators = %d, want 1", creators)
	}
	if d.count() != 1 || mem.BuildCount() != 1 {
		t.Errorf("dispatches=%d builds=%d", d.count(), mem.BuildCount())
	}
}

func TestEnsureInvalidConfig(t *testing.T) {
	svc, _ := newTestService(&recordingDispatcher{})
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, models.BuildConfig{Target: "tbeam"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing version: got %v", err)
	}
	cfg := exampleConfig()
	cfg.PluginsEnabled = []string{"bbs@nope"}
	if _, err := svc.Ensure(ctx, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad plugin ref: got %v", err)
	}
}

func TestEnsureDispatchFailure(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("connection refused")}
	svc, _ := newTestService(d)

	res, err := svc.Ensure(context.Background(), exampleConfig())
	if err != nil {
		t.Fatalf("dispatch failures must not surface as errors: %v", err)
	}
	if res.Build.Status != models.BuildStatusFailure {
		t.Fatalf("status = %s, want failure", res.Build.Status)
	}
	if res.Build.CompletedAt == nil {
		t.Error("failure must set completedAt")
	}
	if !strings.Contains(res.Build.ErrorMessage, res.Build.BuildHash) ||
		!strings.Contains(res.Build.ErrorMessage, "connection refused") {
		t.Errorf("error message lacks context: %q", res.Build.ErrorMessage)
	}
}

func TestApplyStatus(t *testing.T) {
	svc, _ := newTestService(&recordingDispatcher{})
	ctx := context.Background()
	res, _ := svc.Ensure(ctx, exampleConfig())
	id := res.Build.ID

	if _, _, err := svc.ApplyStatus(ctx, "missing", models.StatusUpdate{Status: "in_progress"}); !errors.Is(err, ErrBuildNotFound) {
		t.Errorf("expected ErrBuildNotFound, got %v", err)
	}
	if _, _, err := svc.ApplyStatus(ctx, id, models.StatusUpdate{}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}

	b, applied, err := svc.ApplyStatus(ctx, id, models.StatusUpdate{Status: "in_progress", RunID: 100})
	if err != nil || !applied {
		t.Fatalf("ApplyStatus: %v applied=%v", err, applied)
	}
	b, _, _ = svc.ApplyStatus(ctx, id, models.StatusUpdate{Status: models.BuildStatusSuccess, RunID: 100, FirmwarePath: "fw.tar.gz"})
	if b.CompletedAt == nil || b.FirmwareArtifactPath != "fw.tar.gz" {
		t.Errorf("success not recorded: %+v", b)
	}

	// Replaying the same callback does not duplicate history.
	svc.ApplyStatus(ctx, id, models.StatusUpdate{Status: models.BuildStatusSuccess, RunID: 100})
	stored, _ := svc.Get(ctx, id)
	if len(stored.RunIDHistory) != 0 {
		t.Errorf("history = %v", stored.RunIDHistory)
	}
}

func TestRetry(t *testing.T) {
	d := &recordingDispatcher{}
	svc, _ := newTestService(d)
	ctx := context.Background()
	current := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }

	res, _ := svc.Ensure(ctx, exampleConfig())
	id := res.Build.ID
	svc.ApplyStatus(ctx, id, models.StatusUpdate{Status: models.BuildStatusFailure, RunID: 7, FirmwarePath: "fw.tar.gz"})

	current = current.Add(time.Hour)
	b, err := svc.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if b.Status != models.BuildStatusQueued || b.CompletedAt != nil || b.FirmwareArtifactPath != "" {
		t.Errorf("retry did not reset build: %+v", b)
	}
	if !b.StartedAt.Equal(current) {
		t.Errorf("startedAt = %v", b.StartedAt)
	}
	if d.count() != 2 {
		t.Fatalf("dispatches = %d, want 2", d.count())
	}
	if diff := cmp.Diff(d.requests[0], d.requests[1]); diff != "" {
		t.Errorf("retry dispatched a different request (-first +retry):\n%s", diff)
	}

	// A late callback from run 7 is ignored once run 8 starts.
	svc.ApplyStatus(ctx, id, models.StatusUpdate{Status: "in_progress", RunID: 8})
	_, applied, err := svc.ApplyStatus(ctx, id, models.StatusUpdate{Status: models.BuildStatusFailure, RunID: 7})
	if err != nil || applied {
		t.Errorf("stale callback applied=%v err=%v", applied, err)
	}

	if _, err := svc.Retry(ctx, "missing"); !errors.Is(err, ErrBuildNotFound) {
		t.Errorf("expected ErrBuildNotFound, got %v", err)
	}
}

func TestRetryDispatchFailure(t *testing.T) {
	d := &recordingDispatcher{}
	svc, _ := newTestService(d)
	ctx := context.Background()
	res, _ := svc.Ensure(ctx, exampleConfig())

	d.err = &dispatch.HTTPError{StatusCode: 502}
	b, err := svc.Retry(ctx, res.Build.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if b.Status != models.BuildStatusFailure || !strings.Contains(b.ErrorMessage, "502") {
		t.Errorf("build = %+v", b)
	}
}

func TestEnsureFromProfile(t *testing.T) {
	svc, mem := newTestService(&recordingDispatcher{})
	ctx := context.Background()

	p := &models.Profile{ID: "p-1", Slug: "solar", Name: "Solar", Config: exampleConfig()}
	if err := mem.Profiles().Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	res, profile, err := svc.EnsureFromProfile(ctx, "p-1")
	if err != nil {
		t.Fatalf("EnsureFromProfile: %v", err)
	}
	if profile.Slug != "solar" || res.Existed {
		t.Errorf("profile=%+v existed=%v", profile, res.Existed)
	}
	svc.EnsureFromProfile(ctx, "p-1")
	stored, _ := mem.Profiles().Get(ctx, "p-1")
	if stored.FlashCount != 2 {
		t.Errorf("flash count = %d", stored.FlashCount)
	}

	if _, _, err := svc.EnsureFromProfile(ctx, "nope"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	svc, _ := newTestService(&recordingDispatcher{})
	ctx := context.Background()

	id1, existed, err := svc.GetOrCreate(ctx, "h1", exampleConfig())
	if err != nil || existed {
		t.Fatalf("first: %v existed=%v", err, existed)
	}
	id2, existed, err := svc.GetOrCreate(ctx, "h1", exampleConfig())
	if err != nil || !existed || id2 != id1 {
		t.Fatalf("second: id=%s existed=%v err=%v", id2, existed, err)
	}
}

// ctxStore fails transactions on a finished context like a database would.
type ctxStore struct {
	*storetest.MemoryStore
}

func (s ctxStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestEnsureRecordsFailureAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := dispatch.DispatcherFunc(func(context.Context, models.DispatchRequest) error {
		// The client hangs up while the compiler call is in flight.
		cancel()
		return context.Canceled
	})
	svc := NewService(ctxStore{storetest.NewMemoryStore()}, buildhash.New(testRegistry()), d, quietLogger)

	res, err := svc.Ensure(ctx, exampleConfig())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if res.Build.Status != models.BuildStatusFailure {
		t.Fatalf("status = %s, want failure recorded despite the cancelled request", res.Build.Status)
	}
	if !strings.Contains(res.Build.ErrorMessage, "context canceled") {
		t.Errorf("ErrorMessage = %q", res.Build.ErrorMessage)
	}

	again, err := svc.Ensure(context.Background(), exampleConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !again.Existed || again.Build.Status != models.BuildStatusFailure {
		t.Errorf("existed=%v status=%s, want the stored failure", again.Existed, again.Build.Status)
	}
}

func TestEnsureDispatchOutlivesLeaderContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var dispatchErr error
	d := dispatch.DispatcherFunc(func(ctx context.Context, req models.DispatchRequest) error {
		close(started)
		<-release
		dispatchErr = ctx.Err()
		return nil
	})
	svc, _ := newTestService(d)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		res *EnsureResult
		err error
	}
	leaderCh := make(chan result, 1)
	go func() {
		res, err := svc.Ensure(ctx, exampleConfig())
		leaderCh <- result{res, err}
	}()
	<-started

	followerCh := make(chan result, 1)
	go func() {
		res, err := svc.Ensure(context.Background(), exampleConfig())
		followerCh <- result{res, err}
	}()

	cancel()
	close(release)

	leader := <-leaderCh
	follower := <-followerCh
	if dispatchErr != nil {
		t.Errorf("dispatch saw %v after the leader's request ended", dispatchErr)
	}
	if leader.err != nil || follower.err != nil {
		t.Fatalf("leader err = %v, follower err = %v", leader.err, follower.err)
	}
	if follower.res.Build.Status != models.BuildStatusQueued {
		t.Errorf("follower status = %s, want queued", follower.res.Build.Status)
	}
	if !follower.res.Existed {
		t.Error("follower must report an existing build")
	}
}
