// Package config defines the on-disk shape of the backend fleet: the
// mcpServers / mcpTemplates mapping described in spec §6, and the
// BackendConfig entity described in spec §3.
package config

import (
	"reflect"
	"time"
)

// Kind identifies the transport a backend speaks. It is usually inferred
// from the shape of the config (command vs url) rather than set explicitly.
type Kind string

const (
	KindUnspecified    Kind = ""
	KindStdio          Kind = "stdio"
	KindHTTP           Kind = "http"
	KindSSE            Kind = "sse"
	KindStreamableHTTP Kind = "streamable-http"
)

// EnableDisableList is the enable/disable filter attached to one capability
// kind (tools, resources or prompts) of a backend. Enabled, when non-empty,
// is an allow-list that overrides Disabled entirely.
type EnableDisableList struct {
	Enabled  []string `yaml:"enabled,omitempty"`
	Disabled []string `yaml:"disabled,omitempty"`
}

// Allows reports whether name passes this list's filter.
func (l EnableDisableList) Allows(name string) bool {
	if len(l.Enabled) > 0 {
		for _, n := range l.Enabled {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, n := range l.Disabled {
		if n == name {
			return false
		}
	}
	return true
}

// Filters bundles the three per-kind enable/disable lists of a backend.
type Filters struct {
	Tools     EnableDisableList `yaml:"tools,omitempty"`
	Resources EnableDisableList `yaml:"resources,omitempty"`
	Prompts   EnableDisableList `yaml:"prompts,omitempty"`
}

// TemplateBlock marks a BackendConfig as a template and controls how its
// instances are pooled by the Template Instance Pool (spec §4.5).
type TemplateBlock struct {
	Shareable    bool          `yaml:"shareable,omitempty"`
	PerClient    bool          `yaml:"perClient,omitempty"`
	MaxInstances int           `yaml:"maxInstances,omitempty"`
	IdleTimeout  time.Duration `yaml:"idleTimeout,omitempty"`
}

// EnvFilter restricts which parent-process environment variables are
// inherited by a stdio backend's child process (spec §4.1).
type EnvFilter struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// BackendConfig is the static, user-authored description of one outbound
// MCP backend or template (spec §3).
type BackendConfig struct {
	Name    string `yaml:"-"` // set from the map key, not the YAML body
	Kind    Kind   `yaml:"type,omitempty"`
	Command string `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	EnvFilter EnvFilter `yaml:"envFilter,omitempty"`
	Cwd     string `yaml:"cwd,omitempty"`

	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`

	Tags []string `yaml:"tags,omitempty"`

	Filters  Filters `yaml:"filters,omitempty"`
	Disabled bool    `yaml:"disabled,omitempty"`

	Instructions string `yaml:"instructions,omitempty"`

	Template *TemplateBlock `yaml:"template,omitempty"`
}

// TagSet returns the backend's tags as a lookup set.
func (c BackendConfig) TagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Tags))
	for _, t := range c.Tags {
		set[t] = struct{}{}
	}
	return set
}

// IsTemplate reports whether this config describes a template rather than a
// directly-started backend.
func (c BackendConfig) IsTemplate() bool {
	return c.Template != nil
}

// Equal reports whether c and other describe the same backend, used by the
// config-directory watcher to decide whether a changed file actually altered
// a given entry or just touched unrelated ones.
func (c BackendConfig) Equal(other BackendConfig) bool {
	return reflect.DeepEqual(c, other)
}

// PresetStrategy selects how a PresetConfig's tags/expression are combined
// into a TagFilter (spec §4.6 "A preset resolves to an expression via its
// stored strategy").
type PresetStrategy string

const (
	PresetStrategyOr       PresetStrategy = "or"
	PresetStrategyAnd      PresetStrategy = "and"
	PresetStrategyAdvanced PresetStrategy = "advanced"
)

// PresetConfig is a named, pre-stored tag filter that sessions can select
// via `preset=<name>` instead of an inline tags/tag-filter expression.
type PresetConfig struct {
	Name       string         `yaml:"-"`
	Strategy   PresetStrategy `yaml:"strategy,omitempty"`
	Tags       []string       `yaml:"tags,omitempty"`
	Expression string         `yaml:"expression,omitempty"`
}

// MCPConfig is the parsed form of the on-disk configuration document: a
// `mcpServers` mapping and an optional `mcpTemplates` mapping, both keyed by
// unique backend name (spec §6).
type MCPConfig struct {
	Servers   map[string]BackendConfig `yaml:"mcpServers"`
	Templates map[string]BackendConfig `yaml:"mcpTemplates"`
	Presets   map[string]PresetConfig  `yaml:"presets"`
}
