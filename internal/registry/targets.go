package registry

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/meshenvy/firmware-builder/internal/models"
	"gopkg.in/yaml.v3"
)

// Targets is the hardware list keyed by PlatformIO target.
type Targets struct {
	byName map[string]models.Target
	order  []string
}

// NewTargets indexes the hardware list, sorted by display name. Entries
// without a PlatformIO target are skipped.
func NewTargets(list []models.Target) *Targets {
	t := &Targets{byName: make(map[string]models.Target, len(list))}
	for _, hw := range list {
		if hw.PlatformIOTarget == "" {
			continue
		}
		if hw.DisplayName == "" {
			hw.DisplayName = hw.PlatformIOTarget
		}
		if _, dup := t.byName[hw.PlatformIOTarget]; !dup {
			t.order = append(t.order, hw.PlatformIOTarget)
		}
		t.byName[hw.PlatformIOTarget] = hw
	}
	sort.SliceStable(t.order, func(i, j int) bool {
		a, b := t.byName[t.order[i]], t.byName[t.order[j]]
		if a.DisplayName != b.DisplayName {
			return strings.ToLower(a.DisplayName) < strings.ToLower(b.DisplayName)
		}
		return a.PlatformIOTarget < b.PlatformIOTarget
	})
	return t
}

// Get returns the target with the given PlatformIO name.
func (t *Targets) Get(name string) (models.Target, bool) {
	if t == nil {
		return models.Target{}, false
	}
	hw, ok := t.byName[name]
	return hw, ok
}

// All returns every target in display order.
func (t *Targets) All() []models.Target {
	if t == nil {
		return nil
	}
	out := make([]models.Target, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	return out
}

// Filter returns the targets accepted by keep, in display order.
func (t *Targets) Filter(keep func(models.Target) bool) []models.Target {
	var out []models.Target
	for _, hw := range t.All() {
		if keep(hw) {
			out = append(out, hw)
		}
	}
	return out
}

// ParseTargets decodes a hardware list (JSON or YAML array).
func ParseTargets(rd io.Reader) (*Targets, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("reading hardware list: %w", err)
	}
	var list []models.Target
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding hardware list: %w", err)
	}
	return NewTargets(list), nil
}

// LoadTargetsFile reads a hardware list from path.
func LoadTargetsFile(path string) (*Targets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening hardware list: %w", err)
	}
	defer f.Close()
	return ParseTargets(f)
}
