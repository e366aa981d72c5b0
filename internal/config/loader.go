package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mcpproxy/pkg/logging"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// LoadResult is the outcome of loading a configuration directory: the valid
// definitions that were parsed, plus any per-entry validation errors that
// were encountered but did not abort the load (spec §4.1/§6: "unknown
// fields are ignored with a warning").
type LoadResult struct {
	Servers   map[string]BackendConfig
	Templates map[string]BackendConfig
	Presets   map[string]PresetConfig
	Errors    ValidationErrors
}

// Load reads config.yaml from configDir, parses the mcpServers/mcpTemplates
// mapping, and validates every entry. Invalid entries are dropped and
// recorded in the result's Errors rather than aborting the whole load.
func Load(configDir string) (*LoadResult, error) {
	path := filepath.Join(configDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, starting with an empty fleet", path)
			return &LoadResult{Servers: map[string]BackendConfig{}, Templates: map[string]BackendConfig{}}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc MCPConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if strictErr := dec.Decode(&doc); strictErr != nil && !errors.Is(strictErr, io.EOF) {
		doc = MCPConfig{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		logging.Warn("ConfigLoader", "Ignoring unknown fields in %s: %v", path, strictErr)
	}

	result := &LoadResult{
		Servers:   make(map[string]BackendConfig, len(doc.Servers)),
		Templates: make(map[string]BackendConfig, len(doc.Templates)),
		Presets:   make(map[string]PresetConfig, len(doc.Presets)),
	}

	for name, def := range doc.Servers {
		def.Name = name
		if err := ValidateBackend(name, def); err != nil {
			result.Errors.Add(name, err.Error())
			logging.Warn("ConfigLoader", "Dropping invalid backend %q: %v", name, err)
			continue
		}
		result.Servers[name] = def
	}

	for name, def := range doc.Templates {
		def.Name = name
		if def.Template == nil {
			def.Template = &TemplateBlock{}
		}
		if err := ValidateBackend(name, def); err != nil {
			result.Errors.Add(name, err.Error())
			logging.Warn("ConfigLoader", "Dropping invalid template %q: %v", name, err)
			continue
		}
		result.Templates[name] = def
	}

	for name, def := range doc.Presets {
		def.Name = name
		if def.Strategy == "" {
			def.Strategy = PresetStrategyOr
		}
		result.Presets[name] = def
	}

	logging.Info("ConfigLoader", "Loaded %d backends, %d templates and %d presets from %s", len(result.Servers), len(result.Templates), len(result.Presets), path)
	return result, nil
}
