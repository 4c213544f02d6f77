// Package buildhash turns a build configuration into its canonical form and
// content-addressed identity.
//
// The identity is the lowercase hex SHA-256 of the RFC 8785 canonical JSON
// object {"flags", "plugins", "target", "version"}, where plugins is the
// sorted dependency closure rendered as slug@version tokens.
package buildhash

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/plugins"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/opencontainers/go-digest"
)

// DiagnosticsOption is the plugin option every plugin supports.
const DiagnosticsOption = "diagnostics"

// ErrConflictingPluginVersion is returned when pluginsEnabled names the same
// slug with two different versions.
var ErrConflictingPluginVersion = errors.New("conflicting plugin versions")

// Canonical is the order-independent form of a BuildConfig. Two configs are
// the same build iff their Canonical values are equal.
type Canonical struct {
	Version string   `json:"version"`
	Target  string   `json:"target"`
	Flags   string   `json:"flags"`
	Plugins []string `json:"plugins"`
}

// Hasher canonicalizes configurations against a plugin registry.
type Hasher struct {
	registry registry.Plugins
	resolver *plugins.Resolver
}

// New creates a Hasher over reg.
func New(reg registry.Plugins) *Hasher {
	return &Hasher{registry: reg, resolver: plugins.NewResolver(reg)}
}

// Resolver returns the dependency resolver the hasher uses.
func (h *Hasher) Resolver() *plugins.Resolver {
	return h.resolver
}

// Canonicalize computes the flags string and the sorted closure tokens.
func (h *Hasher) Canonicalize(cfg models.BuildConfig) (Canonical, error) {
	refs, err := explicitRefs(cfg.PluginsEnabled)
	if err != nil {
		return Canonical{}, err
	}

	slugs := make([]string, 0, len(refs))
	for slug := range refs {
		slugs = append(slugs, slug)
	}
	closure := h.resolver.Closure(slugs)

	tokens := make([]string, 0, len(closure))
	for _, slug := range closure {
		tokens = append(tokens, h.token(slug, refs[slug]))
	}

	return Canonical{
		Version: cfg.Version,
		Target:  cfg.Target,
		Flags:   h.flags(cfg, closure),
		Plugins: tokens,
	}, nil
}

// Hash returns the identity string of cfg.
func (h *Hasher) Hash(cfg models.BuildConfig) (string, error) {
	c, err := h.Canonicalize(cfg)
	if err != nil {
		return "", err
	}
	return c.Hash()
}

// Flags returns only the flags string of cfg.
func (h *Hasher) Flags(cfg models.BuildConfig) (string, error) {
	c, err := h.Canonicalize(cfg)
	if err != nil {
		return "", err
	}
	return c.Flags, nil
}

// Normalize returns cfg with pluginsEnabled reduced to explicit-only
// selections in sorted order (pinned versions are always kept), module exclusions reduced to true entries,
// and plugin options reduced to enabled options of plugins in the closure.
// The hash of the result equals the hash of cfg.
func (h *Hasher) Normalize(cfg models.BuildConfig) (models.BuildConfig, error) {
	refs, err := explicitRefs(cfg.PluginsEnabled)
	if err != nil {
		return models.BuildConfig{}, err
	}
	slugs := make([]string, 0, len(refs))
	for slug := range refs {
		slugs = append(slugs, slug)
	}

	out := models.BuildConfig{
		Version:         cfg.Version,
		Target:          cfg.Target,
		ModulesExcluded: make(map[string]bool),
	}
	for id, excluded := range cfg.ModulesExcluded {
		if excluded {
			out.ModulesExcluded[id] = true
		}
	}
	keep := make(map[string]bool, len(slugs))
	for _, slug := range h.resolver.ExplicitOnly(slugs) {
		keep[slug] = true
	}
	// A pinned version is not recoverable from the registry, so pinned
	// dependencies stay explicit.
	for slug, version := range refs {
		if version != "" {
			keep[slug] = true
		}
	}
	for _, slug := range slugs {
		if keep[slug] {
			out.PluginsEnabled = append(out.PluginsEnabled, registry.PluginRef{Slug: slug, Version: refs[slug]}.String())
		}
	}
	sort.Strings(out.PluginsEnabled)
	if opts := h.resolver.EffectiveOptions(plugins.Selection{Explicit: slugs, Options: cfg.PluginConfigs}); len(opts) > 0 {
		out.PluginConfigs = opts
	}
	return out, nil
}

// Bytes returns the canonical JSON hash input.
func (c Canonical) Bytes() ([]byte, error) {
	if c.Plugins == nil {
		c.Plugins = []string{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical config: %w", err)
	}
	out, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize config: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the canonical JSON.
func (c Canonical) Hash() (string, error) {
	b, err := c.Bytes()
	if err != nil {
		return "", err
	}
	return digest.SHA256.FromBytes(b).Encoded(), nil
}

// explicitRefs maps each explicit slug to its pinned version ("" if none).
func explicitRefs(tokens []string) (map[string]string, error) {
	refs := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		ref, err := registry.ParsePluginRef(tok)
		if err != nil {
			return nil, err
		}
		prev, seen := refs[ref.Slug]
		switch {
		case !seen || prev == ref.Version:
			refs[ref.Slug] = ref.Version
		case prev == "":
			refs[ref.Slug] = ref.Version
		case ref.Version != "":
			return nil, fmt.Errorf("%w: %s@%s and %s@%s",
				ErrConflictingPluginVersion, ref.Slug, prev, ref.Slug, ref.Version)
		}
	}
	return refs, nil
}

func (h *Hasher) token(slug, pinned string) string {
	version := pinned
	if version == "" {
		if entry, ok := h.registry.Get(slug); ok {
			version = entry.Version
		}
	}
	return registry.PluginRef{Slug: slug, Version: version}.String()
}

func (h *Hasher) flags(cfg models.BuildConfig, closure []string) string {
	var out []string

	modules := make([]string, 0, len(cfg.ModulesExcluded))
	for id, excluded := range cfg.ModulesExcluded {
		if excluded {
			modules = append(modules, id)
		}
	}
	sort.Strings(modules)
	for _, id := range modules {
		out = append(out, "-D"+id+"=1")
	}

	for _, slug := range closure {
		opts := cfg.PluginConfigs[slug]
		if len(opts) == 0 {
			continue
		}
		keys := make([]string, 0, len(opts))
		for k, on := range opts {
			if on {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var entry *models.PluginRegistryEntry
		if e, ok := h.registry.Get(slug); ok {
			entry = e
		}
		for _, key := range keys {
			if key == DiagnosticsOption {
				out = append(out, "-D"+DiagnosticsDefine(slug))
				continue
			}
			if entry == nil {
				continue
			}
			if opt, ok := entry.ConfigOptions[key]; ok && opt.Define != "" {
				out = append(out, "-D"+opt.Define)
			}
		}
	}

	return strings.Join(out, " ")
}

// DiagnosticsDefine returns the preprocessor define enabling a plugin's
// diagnostics, e.g. "lofs" -> "LOFS_PLUGIN_DIAGNOSTICS".
func DiagnosticsDefine(slug string) string {
	return strings.ReplaceAll(strings.ToUpper(slug), "-", "_") + "_PLUGIN_DIAGNOSTICS"
}
