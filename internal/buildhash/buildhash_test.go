package buildhash

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/registry"
)

var quietLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func testRegistry() *registry.PluginRegistry {
	return registry.NewPluginRegistry([]models.PluginRegistryEntry{
		{Slug: "bbs", Version: "1.2.0", Dependencies: map[string]string{"storage": "^0.4.0", "meshtastic": ">=2.6"}},
		{Slug: "storage", Version: "0.4.0"},
		{
			Slug:    "lo-fs",
			Version: "0.3.1",
			ConfigOptions: map[string]models.PluginConfigOption{
				"compress": {Name: "Compression", Define: "LOFS_COMPRESS"},
				"noDefine": {Name: "No define"},
			},
		},
	}, quietLogger)
}

func exampleConfig() models.BuildConfig {
	return models.BuildConfig{
		Version:         "2.7.16",
		Target:          "tbeam",
		ModulesExcluded: map[string]bool{"MQTT": true},
		PluginsEnabled:  []string{"bbs"},
	}
}

func TestCanonicalizeExample(t *testing.T) {
	h := New(testRegistry())

	got, err := h.Canonicalize(exampleConfig())
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := Canonical{
		Version: "2.7.16",
		Target:  "tbeam",
		Flags:   "-DMQTT=1",
		Plugins: []string{"bbs@1.2.0", "storage@0.4.0"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Canonicalize mismatch (-want +got):\n%s", diff)
	}

	first, err := h.Hash(exampleConfig())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	second, _ := h.Hash(exampleConfig())
	if first != second {
		t.Errorf("hash not stable: %s != %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("expected 64 hex chars, got %d (%s)", len(first), first)
	}
}

func TestCanonicalBytes(t *testing.T) {
	c := Canonical{Version: "2.7.16", Target: "tbeam", Flags: "-DMQTT=1", Plugins: []string{"bbs@1.2.0"}}
	b, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := `{"flags":"-DMQTT=1","plugins":["bbs@1.2.0"],"target":"tbeam","version":"2.7.16"}`
	if string(b) != want {
		t.Errorf("canonical JSON = %s, want %s", b, want)
	}

	empty, err := Canonical{}.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(empty) != `{"flags":"","plugins":[],"target":"","version":""}` {
		t.Errorf("unexpected empty encoding %s", empty)
	}
}

func TestFlags(t *testing.T) {
	h := New(testRegistry())

	tests := []struct {
		name string
		cfg  models.BuildConfig
		want string
	}{
		{
			name: "no exclusions",
			cfg:  models.BuildConfig{},
			want: "",
		},
		{
			name: "false entries contribute nothing",
			cfg: models.BuildConfig{ModulesExcluded: map[string]bool{
				"SERIAL": false, "MQTT": true, "AUDIO": true,
			}},
			want: "-DAUDIO=1 -DMQTT=1",
		},
		{
			name: "diagnostics for implicit dependency",
			cfg: models.BuildConfig{
				PluginsEnabled: []string{"bbs"},
				PluginConfigs:  map[string]map[string]bool{"storage": {"diagnostics": true}},
			},
			want: "-DSTORAGE_PLUGIN_DIAGNOSTICS",
		},
		{
			name: "options of disabled plugins are ignored",
			cfg: models.BuildConfig{
				PluginConfigs: map[string]map[string]bool{"storage": {"diagnostics": true}},
			},
			want: "",
		},
		{
			name: "registry defines and hyphenated slug",
			cfg: models.BuildConfig{
				ModulesExcluded: map[string]bool{"MQTT": true},
				PluginsEnabled:  []string{"lo-fs"},
				PluginConfigs: map[string]map[string]bool{"lo-fs": {
					"diagnostics": true, "compress": true, "noDefine": true, "unknown": true,
				}},
			},
			want: "-DMQTT=1 -DLOFS_COMPRESS -DLO_FS_PLUGIN_DIAGNOSTICS",
		},
		{
			name: "false options contribute nothing",
			cfg: models.BuildConfig{
				PluginsEnabled: []string{"lo-fs"},
				PluginConfigs:  map[string]map[string]bool{"lo-fs": {"diagnostics": false}},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Flags(tt.cfg)
			if err != nil {
				t.Fatalf("Flags: %v", err)
			}
			if got != tt.want {
				t.Errorf("Flags = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPluginTokens(t *testing.T) {
	h := New(testRegistry())

	tests := []struct {
		name    string
		enabled []string
		want    []string
	}{
		{"registry version", []string{"storage"}, []string{"storage@0.4.0"}},
		{"pinned version wins", []string{"storage@0.5.0"}, []string{"storage@0.5.0"}},
		{"unknown plugin keeps bare slug", []string{"custom"}, []string{"custom"}},
		{"unknown plugin keeps pinned version", []string{"custom@1.0.0"}, []string{"custom@1.0.0"}},
		{"pinned and bare duplicate", []string{"storage", "storage@0.5.0"}, []string{"storage@0.5.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Canonicalize(models.BuildConfig{PluginsEnabled: tt.enabled})
			if err != nil {
				t.Fatalf("Canonicalize: %v", err)
			}
			if diff := cmp.Diff(tt.want, got.Plugins); diff != "" {
				t.Errorf("plugins mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCanonicalizeErrors(t *testing.T) {
	h := New(testRegistry())

	_, err := h.Hash(models.BuildConfig{PluginsEnabled: []string{"storage@not-a-version"}})
	if !errors.Is(err, registry.ErrInvalidPluginRef) {
		t.Errorf("expected ErrInvalidPluginRef, got %v", err)
	}

	_, err = h.Hash(models.BuildConfig{PluginsEnabled: []string{"storage@0.4.0", "storage@0.5.0"}})
	if !errors.Is(err, ErrConflictingPluginVersion) {
		t.Errorf("expected ErrConflictingPluginVersion, got %v", err)
	}
}

func TestHashImplicitEqualsExplicit(t *testing.T) {
	h := New(testRegistry())

	implicit, err := h.Hash(models.BuildConfig{Version: "2.7.16", Target: "tbeam", PluginsEnabled: []string{"bbs"}})
	if err != nil {
		t.Fatal(err)
	}
	explicit, err := h.Hash(models.BuildConfig{Version: "2.7.16", Target: "tbeam", PluginsEnabled: []string{"storage", "bbs"}})
	if err != nil {
		t.Fatal(err)
	}
	if implicit != explicit {
		t.Errorf("listing a dependency explicitly changed the hash: %s != %s", implicit, explicit)
	}
}

func TestDiagnosticsDefine(t *testing.T) {
	if got := DiagnosticsDefine("lofs"); got != "LOFS_PLUGIN_DIAGNOSTICS" {
		t.Errorf("DiagnosticsDefine(lofs) = %s", got)
	}
	if got := DiagnosticsDefine("meshtastic-mpm"); got != "MESHTASTIC_MPM_PLUGIN_DIAGNOSTICS" {
		t.Errorf("DiagnosticsDefine(meshtastic-mpm) = %s", got)
	}
}

func TestNormalize(t *testing.T) {
	h := New(testRegistry())

	cfg := models.BuildConfig{
		Version:         "2.7.16",
		Target:          "tbeam",
		ModulesExcluded: map[string]bool{"MQTT": true, "AUDIO": false},
		PluginsEnabled:  []string{"storage", "bbs", "lo-fs@0.3.1"},
		PluginConfigs: map[string]map[string]bool{
			"storage": {"diagnostics": true},
			"ghost":   {"diagnostics": true},
		},
	}
	got, err := h.Normalize(cfg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := models.BuildConfig{
		Version:         "2.7.16",
		Target:          "tbeam",
		ModulesExcluded: map[string]bool{"MQTT": true},
		PluginsEnabled:  []string{"bbs", "lo-fs@0.3.1"},
		PluginConfigs:   map[string]map[string]bool{"storage": {"diagnostics": true}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}

	before, _ := h.Hash(cfg)
	after, _ := h.Hash(got)
	if before != after {
		t.Errorf("normalization changed the hash")
	}

	pinned, err := h.Normalize(models.BuildConfig{PluginsEnabled: []string{"bbs", "storage@0.5.0"}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bbs", "storage@0.5.0"}, pinned.PluginsEnabled); diff != "" {
		t.Errorf("pinned dependency dropped (-want +got):\n%s", diff)
	}
}
