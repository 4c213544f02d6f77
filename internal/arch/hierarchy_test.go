package arch

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strPtr(s string) *string { return &s }

func TestAncestors(t *testing.T) {
	h := Default()

	tests := []struct {
		target string
		want   []string
	}{
		{"tbeam", []string{"tbeam", "esp32"}},
		{"nrf52840", []string{"nrf52840", "nrf52"}},
		{"heltec_v4", []string{"heltecv4", "heltecv4base", "esp32s3", "esp32"}},
		{"tracker-t1000-e", []string{"trackert1000e", "nrf52840", "nrf52"}},
		{"esp32", []string{"esp32"}},
		{"unknown-board", []string{"unknownboard"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got := h.Ancestors(tt.target)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Ancestors(%q) mismatch (-want +got):\n%s", tt.target, diff)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	h := Default()

	tests := []struct {
		name     string
		includes []string
		excludes []string
		target   string
		want     bool
	}{
		{"no constraints", nil, nil, "tbeam", true},
		{"include matches ancestor", []string{"esp32"}, nil, "tbeam", true},
		{"include misses chain", []string{"esp32"}, nil, "nrf52840", false},
		{"include matches target itself", []string{"rak4631"}, nil, "rak4631", true},
		{"include with separators", []string{"nrf_52840"}, nil, "rak4631", true},
		{"exclude matches ancestor", nil, []string{"esp32"}, "tbeam", false},
		{"exclude misses", nil, []string{"nrf52"}, "tbeam", true},
		{"exclude wins over include", []string{"esp32"}, []string{"esp32s3"}, "heltecv3", false},
		{"no target is permissive", []string{"nrf52"}, nil, "", true},
		{"unknown target with include", []string{"esp32"}, nil, "mystery", false},
		{"unknown target with matching include", []string{"mystery"}, nil, "mystery", true},
		{"case is significant", []string{"ESP32"}, nil, "tbeam", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.Compatible(tt.includes, tt.excludes, tt.target); got != tt.want {
				t.Errorf("Compatible(%v, %v, %q) = %v, want %v", tt.includes, tt.excludes, tt.target, got, tt.want)
			}
		})
	}
}

func TestNewRejectsSelfReference(t *testing.T) {
	_, _, err := New(map[string]*string{"esp32": strPtr("esp_32")})
	if !errors.Is(err, ErrSelfReference) {
		t.Fatalf("expected ErrSelfReference, got %v", err)
	}
}

func TestNewRejectsCycle(t *testing.T) {
	_, _, err := New(map[string]*string{
		"a": strPtr("b"),
		"b": strPtr("c"),
		"c": strPtr("a"),
	})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestNewWarnsOnMissingParent(t *testing.T) {
	h, warnings, err := New(map[string]*string{
		"board": strPtr("ghost"),
		"esp32": nil,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "ghost") {
		t.Fatalf("expected one warning about ghost, got %v", warnings)
	}
	if diff := cmp.Diff([]string{"board", "ghost"}, h.Ancestors("board")); diff != "" {
		t.Errorf("Ancestors mismatch (-want +got):\n%s", diff)
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
nrf52: null
nrf52840: nrf52
rak_4631: nrf52840
`
	h, _, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", h.Len())
	}
	if !h.Known("rak4631") {
		t.Error("expected normalized key rak4631 to be known")
	}
	if !h.Compatible([]string{"nrf52"}, nil, "rak4631") {
		t.Error("rak4631 should be compatible with nrf52")
	}
}
