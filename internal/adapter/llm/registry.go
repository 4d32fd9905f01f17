package llm

import (
	"fmt"
	"log/slog"
	"sort"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
)

// Registry holds the constructed provider adapters by name.
type Registry struct {
	providers map[string]domain.StreamingLLMProvider
}

// NewRegistry builds provider adapters from configuration. Unknown kinds are
// rejected; config validation should have caught them already.
func NewRegistry(cfgs []config.ProviderConfig, logger *slog.Logger) (*Registry, error) {
	r := &Registry{providers: make(map[string]domain.StreamingLLMProvider, len(cfgs))}
	for _, cfg := range cfgs {
		var p domain.StreamingLLMProvider
		switch cfg.Kind {
		case "openai":
			p = NewOpenAIProvider(cfg, logger)
		case "anthropic":
			p = NewAnthropicProvider(cfg, logger)
		case "ollama":
			p = NewOllamaProvider(cfg, logger)
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", cfg.Name, cfg.Kind)
		}
		if _, dup := r.providers[cfg.Name]; dup {
			return nil, fmt.Errorf("provider %q: duplicate name", cfg.Name)
		}
		r.providers[cfg.Name] = p
		logger.Info("provider registered", "provider", cfg.Name, "kind", cfg.Kind)
	}
	return r, nil
}

// Get returns the provider by name, or ErrProviderNotFound.
func (r *Registry) Get(name string) (domain.StreamingLLMProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("llm.Registry", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Local returns the providers backed by a local Ollama runtime, sorted by
// name. The composition root warms these up at startup and the status surface
// probes them directly; their health is a localhost fact, not a circuit
// state.
func (r *Registry) Local() []*OllamaProvider {
	var locals []*OllamaProvider
	for _, name := range r.Names() {
		if p, ok := r.providers[name].(*OllamaProvider); ok {
			locals = append(locals, p)
		}
	}
	return locals
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
