package plugins

import (
	"slices"
	"sort"
)

// Selection is the user-held plugin state: the explicitly selected slugs and
// per-plugin boolean options.
type Selection struct {
	Explicit []string                   `json:"explicit"`
	Options  map[string]map[string]bool `json:"options,omitempty"`
}

// Clone returns a deep copy of the selection.
func (s Selection) Clone() Selection {
	out := Selection{Explicit: slices.Clone(s.Explicit)}
	if s.Options != nil {
		out.Options = make(map[string]map[string]bool, len(s.Options))
		for slug, opts := range s.Options {
			cp := make(map[string]bool, len(opts))
			for k, v := range opts {
				cp[k] = v
			}
			out.Options[slug] = cp
		}
	}
	return out
}

// ToggleResult reports the outcome of a toggle.
type ToggleResult struct {
	Selection Selection `json:"selection"`
	Changed   bool      `json:"changed"`
	// Reason explains a rejected disable.
	Reason string `json:"reason,omitempty"`
}

// Rejection reasons for disabling a plugin.
const (
	ReasonImplicit   = "implicit_dependency"
	ReasonRequired   = "required_by_other"
	ReasonNotEnabled = "not_enabled"
)

// Toggle enables or disables slug. Enabling always makes slug explicit.
// Disabling is refused when slug is only present as a dependency or when
// another explicit selection still requires it. After a successful disable,
// options of plugins that left the closure are pruned.
func (r *Resolver) Toggle(sel Selection, slug string, enabled bool) ToggleResult {
	next := sel.Clone()

	if enabled {
		if slices.Contains(next.Explicit, slug) {
			return ToggleResult{Selection: next}
		}
		next.Explicit = append(next.Explicit, slug)
		sort.Strings(next.Explicit)
		return ToggleResult{Selection: next, Changed: true}
	}

	if r.ImplicitOnly(next.Explicit)[slug] {
		return ToggleResult{Selection: next, Reason: ReasonImplicit}
	}
	if r.IsRequiredByOthers(slug, next.Explicit) {
		return ToggleResult{Selection: next, Reason: ReasonRequired}
	}
	if !slices.Contains(next.Explicit, slug) {
		return ToggleResult{Selection: next, Reason: ReasonNotEnabled}
	}

	next.Explicit = slices.DeleteFunc(next.Explicit, func(s string) bool { return s == slug })

	stillNeeded := make(map[string]bool)
	for _, s := range r.Closure(next.Explicit) {
		stillNeeded[s] = true
	}
	for pluginSlug := range next.Options {
		if !stillNeeded[pluginSlug] && !slices.Contains(next.Explicit, pluginSlug) {
			delete(next.Options, pluginSlug)
		}
	}
	return ToggleResult{Selection: next, Changed: true}
}

// SetOption enables or clears one boolean option of a plugin. Clearing the
// last option removes the plugin's option map.
func SetOption(sel Selection, slug, key string, enabled bool) Selection {
	next := sel.Clone()
	if enabled {
		if next.Options == nil {
			next.Options = make(map[string]map[string]bool)
		}
		if next.Options[slug] == nil {
			next.Options[slug] = make(map[string]bool)
		}
		next.Options[slug][key] = true
		return next
	}

	if opts, ok := next.Options[slug]; ok {
		delete(opts, key)
		if len(opts) == 0 {
			delete(next.Options, slug)
		}
	}
	return next
}

// ExplicitOnly drops explicit slugs that the remaining explicit selections
// already pull in; those are recovered by resolution and must not be stored.
// Slugs are considered in sorted order, so of two plugins that depend on each
// other only the later one is kept. The closure is unchanged.
func (r *Resolver) ExplicitOnly(explicit []string) []string {
	kept := make(map[string]bool, len(explicit))
	for _, slug := range explicit {
		kept[slug] = true
	}
	for _, slug := range sortedKeys(kept) {
		delete(kept, slug)
		if !slices.Contains(r.Closure(sortedKeys(kept)), slug) {
			kept[slug] = true
		}
	}
	return sortedKeys(kept)
}

// EffectiveOptions returns the options of plugins in the closure of the
// selection, dropping options of plugins that are not enabled.
func (r *Resolver) EffectiveOptions(sel Selection) map[string]map[string]bool {
	closure := r.Closure(sel.Explicit)
	out := make(map[string]map[string]bool)
	for _, slug := range closure {
		opts, ok := sel.Options[slug]
		if !ok {
			continue
		}
		kept := make(map[string]bool)
		for k, v := range opts {
			if v {
				kept[k] = true
			}
		}
		if len(kept) > 0 {
			out[slug] = kept
		}
	}
	return out
}
