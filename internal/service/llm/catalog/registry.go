// Package catalog holds the model catalog served to clients and consulted
// when resolving which model a completion may use.
package catalog

import (
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/*.yaml
var configFiles embed.FS

// Registry manages catalog entries across providers.
type Registry struct {
	providers map[string]*ProviderModels
	mu        sync.RWMutex
}

// NewRegistry creates a registry and loads the embedded YAML files.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		providers: make(map[string]*ProviderModels),
	}

	if err := r.loadProviderFile("openrouter"); err != nil {
		return nil, fmt.Errorf("failed to load openrouter catalog: %w", err)
	}

	return r, nil
}

func (r *Registry) loadProviderFile(provider string) error {
	filename := fmt.Sprintf("config/%s.yaml", provider)
	data, err := configFiles.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var models ProviderModels
	if err := yaml.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filename, err)
	}

	r.mu.Lock()
	r.providers[provider] = &models
	r.mu.Unlock()

	return nil
}

// GetModel returns the catalog entry for a model id, searching all providers.
func (r *Registry) GetModel(model string) (*ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, provider := range r.providers {
		for i := range provider.Models {
			if provider.Models[i].ID == model {
				return &provider.Models[i], nil
			}
		}
	}

	return nil, fmt.Errorf("unknown model: %s", model)
}

// IsFree reports whether a model is usable without a credential. Unknown
// models are not free.
func (r *Registry) IsFree(model string) bool {
	info, err := r.GetModel(model)
	if err != nil {
		return false
	}
	return info.IsFree()
}

// ListModels returns all catalog entries in YAML order, across providers.
func (r *Registry) ListModels() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var models []ModelInfo
	for _, provider := range r.providers {
		models = append(models, provider.Models...)
	}
	return models
}
