package models

// PluginConfigOption describes a boolean option a plugin exposes to builds.
type PluginConfigOption struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Define is the preprocessor symbol emitted when the option is enabled.
	Define string `json:"define,omitempty" yaml:"define,omitempty"`
}

// PluginRegistryEntry is one plugin as published by the plugin registry.
type PluginRegistryEntry struct {
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version" yaml:"version"`
	// Dependencies maps dependency slug to a version range. The range is
	// informational; presence alone makes the dependency required.
	Dependencies  map[string]string             `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Includes      []string                      `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes      []string                      `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	ConfigOptions map[string]PluginConfigOption `json:"configOptions,omitempty" yaml:"configOptions,omitempty"`
}

// PluginStats tracks how often a plugin has been selected for a build.
type PluginStats struct {
	Slug       string `json:"slug"`
	FlashCount int    `json:"flash_count"`
}

// Target is a hardware board from the hardware list.
type Target struct {
	PlatformIOTarget string   `json:"platformioTarget" yaml:"platformioTarget"`
	DisplayName      string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Architecture     string   `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	Tags             []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Category returns the first tag of the target, or "Other".
func (t Target) Category() string {
	if len(t.Tags) > 0 && t.Tags[0] != "" {
		return t.Tags[0]
	}
	return "Other"
}
