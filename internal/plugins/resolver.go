// Package plugins resolves plugin dependency closures and implements the
// explicit/implicit selection rules used when users toggle plugins.
package plugins

import (
	"sort"

	"github.com/meshenvy/firmware-builder/internal/registry"
)

// Resolver computes dependency closures against a plugin registry. It holds
// no mutable state and is safe for concurrent use.
type Resolver struct {
	registry registry.Plugins
}

// NewResolver creates a Resolver over reg.
func NewResolver(reg registry.Plugins) *Resolver {
	return &Resolver{registry: reg}
}

// Closure returns the explicit slugs plus every dependency reachable from
// them, sorted. Dependencies that are not registry entries are ignored, and
// a slug is expanded at most once, so cycles terminate.
func (r *Resolver) Closure(explicit []string) []string {
	visited := make(map[string]bool, len(explicit))
	for _, slug := range explicit {
		r.visit(slug, visited)
	}
	return sortedKeys(visited)
}

func (r *Resolver) visit(slug string, visited map[string]bool) {
	if slug == "" || visited[slug] {
		return
	}
	visited[slug] = true

	entry, ok := r.registry.Get(slug)
	if !ok {
		return
	}
	deps := make([]string, 0, len(entry.Dependencies))
	for dep := range entry.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		if _, known := r.registry.Get(dep); !known {
			continue
		}
		r.visit(dep, visited)
	}
}

// ImplicitOnly returns the slugs present in the closure only because
// something else requires them.
func (r *Resolver) ImplicitOnly(explicit []string) map[string]bool {
	isExplicit := make(map[string]bool, len(explicit))
	for _, slug := range explicit {
		isExplicit[slug] = true
	}
	out := make(map[string]bool)
	for _, slug := range r.Closure(explicit) {
		if !isExplicit[slug] {
			out[slug] = true
		}
	}
	return out
}

// IsRequiredByOthers reports whether another explicit selection's closure
// contains slug.
func (r *Resolver) IsRequiredByOthers(slug string, explicit []string) bool {
	for _, other := range explicit {
		if other == slug {
			continue
		}
		for _, dep := range r.Closure([]string{other}) {
			if dep == slug {
				return true
			}
		}
	}
	return false
}

// Compatible reports whether every plugin in the closure of explicit admits
// target under check. Unknown slugs impose no constraint.
func (r *Resolver) Compatible(explicit []string, target string, check func(includes, excludes []string, target string) bool) bool {
	for _, slug := range r.Closure(explicit) {
		entry, ok := r.registry.Get(slug)
		if !ok {
			continue
		}
		if !check(entry.Includes, entry.Excludes, target) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
