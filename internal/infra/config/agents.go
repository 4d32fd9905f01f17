package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"convergio/internal/domain"
)

// FileDefinitionLoader loads agent definitions from a YAML file of the form:
//
//	agents:
//	  - id: researcher
//	    display_name: Researcher
//	    tier: specialist
//	    default_model: anthropic/claude-sonnet-4
//	    ...
type FileDefinitionLoader struct {
	Path string
}

var _ domain.DefinitionLoader = (*FileDefinitionLoader)(nil)

// Load implements domain.DefinitionLoader.
func (l *FileDefinitionLoader) Load() ([]domain.AgentDefinition, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read agent definitions: %w", err)
	}
	var doc struct {
		Agents []domain.AgentDefinition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agent definitions: %w", err)
	}
	if err := ValidateDefinitions(doc.Agents); err != nil {
		return nil, err
	}
	return doc.Agents, nil
}

// StaticDefinitionLoader serves definitions embedded in the main config.
type StaticDefinitionLoader struct {
	Definitions []domain.AgentDefinition
}

var _ domain.DefinitionLoader = (*StaticDefinitionLoader)(nil)

// Load implements domain.DefinitionLoader.
func (l *StaticDefinitionLoader) Load() ([]domain.AgentDefinition, error) {
	if err := ValidateDefinitions(l.Definitions); err != nil {
		return nil, err
	}
	return l.Definitions, nil
}

// ValidateDefinitions checks every definition once at load time; lookups
// never re-validate.
func ValidateDefinitions(defs []domain.AgentDefinition) error {
	if len(defs) == 0 {
		return fmt.Errorf("agent definitions: %w: empty set", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("agent definitions[%d]: %w: id required", i, domain.ErrInvalidInput)
		}
		if seen[d.ID] {
			// Duplicates inside one load are a config mistake; idempotent
			// re-registration is for hot reload, not for one file.
			return fmt.Errorf("agent definitions[%d]: %w: id %q", i, domain.ErrDuplicate, d.ID)
		}
		seen[d.ID] = true
		if !d.Tier.Valid() {
			return fmt.Errorf("agent %q: %w: unknown tier %q", d.ID, domain.ErrInvalidInput, d.Tier)
		}
		if _, err := domain.ParseModelRef(d.DefaultModel); err != nil {
			return fmt.Errorf("agent %q: default_model: %w", d.ID, err)
		}
		if d.FallbackModel != "" {
			if _, err := domain.ParseModelRef(d.FallbackModel); err != nil {
				return fmt.Errorf("agent %q: fallback_model: %w", d.ID, err)
			}
		}
	}
	return nil
}

// DefinitionLoaderFor picks the loader matching the agents config section.
func DefinitionLoaderFor(cfg AgentsConfig) domain.DefinitionLoader {
	if len(cfg.Definitions) > 0 {
		return &StaticDefinitionLoader{Definitions: cfg.Definitions}
	}
	return &FileDefinitionLoader{Path: cfg.File}
}
