// Package arch resolves hardware targets to their architecture ancestry and
// decides whether a plugin's include/exclude constraints admit a target.
package arch

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed hierarchy.json
var defaultHierarchy []byte

// maxDepth bounds ancestor walks over maps that were not validated.
const maxDepth = 100

// Common errors returned while loading a hierarchy.
var (
	ErrSelfReference = errors.New("self-reference in architecture hierarchy")
	ErrCycle         = errors.New("cycle in architecture hierarchy")
)

// Normalize strips hyphens and underscores. Upstream data sources disagree on
// separator style; case is preserved.
func Normalize(name string) string {
	return strings.NewReplacer("-", "", "_", "").Replace(name)
}

// Hierarchy is a read-only child -> parent map over normalized names.
// A base architecture maps to the empty string.
type Hierarchy struct {
	parents map[string]string
}

// New builds a Hierarchy from a raw parent map, normalizing keys and values.
// A nil parent marks a base architecture. Self-references and cycles are
// rejected; parents that are not themselves keys are returned as warnings.
func New(raw map[string]*string) (*Hierarchy, []string, error) {
	parents := make(map[string]string, len(raw))
	for child, parent := range raw {
		key := Normalize(child)
		if parent == nil {
			parents[key] = ""
			continue
		}
		parents[key] = Normalize(*parent)
	}

	h := &Hierarchy{parents: parents}
	warnings, err := h.validate()
	if err != nil {
		return nil, warnings, err
	}
	return h, warnings, nil
}

// Parse reads a JSON or YAML parent map.
func Parse(r io.Reader) (*Hierarchy, []string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading architecture hierarchy: %w", err)
	}
	var raw map[string]*string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decoding architecture hierarchy: %w", err)
	}
	return New(raw)
}

// LoadFile reads a parent map from path.
func LoadFile(path string) (*Hierarchy, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening architecture hierarchy: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Default returns the hierarchy bundled with the binary.
func Default() *Hierarchy {
	h, _, err := Parse(strings.NewReader(string(defaultHierarchy)))
	if err != nil {
		panic(fmt.Sprintf("embedded architecture hierarchy is invalid: %v", err))
	}
	return h
}

func (h *Hierarchy) validate() ([]string, error) {
	keys := make([]string, 0, len(h.parents))
	for k := range h.parents {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []string
	for _, child := range keys {
		parent := h.parents[child]
		if parent == child {
			return warnings, fmt.Errorf("%w: %q", ErrSelfReference, child)
		}
		if parent != "" {
			if _, ok := h.parents[parent]; !ok {
				warnings = append(warnings, fmt.Sprintf("%q references missing parent %q", child, parent))
			}
		}

		visited := map[string]bool{}
		for cur := child; cur != ""; cur = h.parents[cur] {
			if visited[cur] {
				return warnings, fmt.Errorf("%w: involving %q", ErrCycle, cur)
			}
			visited[cur] = true
		}
	}
	return warnings, nil
}

// Len returns the number of entries in the map.
func (h *Hierarchy) Len() int {
	return len(h.parents)
}

// Known reports whether the normalized name has an entry.
func (h *Hierarchy) Known(name string) bool {
	_, ok := h.parents[Normalize(name)]
	return ok
}

// Ancestors returns the normalized target followed by every ancestor up to
// the base architecture. An unmapped target yields a chain of length one.
func (h *Hierarchy) Ancestors(target string) []string {
	cur := Normalize(target)
	if cur == "" {
		return nil
	}

	chain := []string{cur}
	seen := map[string]bool{cur: true}
	for i := 0; i < maxDepth; i++ {
		parent, ok := h.parents[cur]
		if !ok || parent == "" || seen[parent] {
			break
		}
		chain = append(chain, parent)
		seen[parent] = true
		cur = parent
	}
	return chain
}

// Compatible reports whether a plugin with the given constraints can be
// built for target. Excludes win over includes. Without constraints, or
// without a target, the answer is true.
func (h *Hierarchy) Compatible(includes, excludes []string, target string) bool {
	if len(includes) == 0 && len(excludes) == 0 {
		return true
	}
	if target == "" {
		return true
	}

	set := make(map[string]struct{})
	for _, name := range h.Ancestors(target) {
		set[name] = struct{}{}
	}

	for _, ex := range excludes {
		if _, ok := set[Normalize(ex)]; ok {
			return false
		}
	}

	if len(includes) == 0 {
		return true
	}
	for _, in := range includes {
		if _, ok := set[Normalize(in)]; ok {
			return true
		}
	}
	return false
}
