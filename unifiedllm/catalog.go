package unifiedllm

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-opus-4-6"

// fallbackContextWindow is assumed for models missing from the catalog.
const fallbackContextWindow = 128000

// Pricing is in USD per million tokens.
type Pricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// ModelInfo is one catalog entry. A zero MaxOutput means unknown; a nil
// Pricing means the model is free to run.
type ModelInfo struct {
	ID                string   `yaml:"id"`
	Provider          string   `yaml:"provider"`
	DisplayName       string   `yaml:"display_name"`
	ContextWindow     int      `yaml:"context_window"`
	MaxOutput         int      `yaml:"max_output"`
	SupportsTools     bool     `yaml:"tools"`
	SupportsReasoning bool     `yaml:"reasoning"`
	Pricing           *Pricing `yaml:"pricing"`
	Aliases           []string `yaml:"aliases"`
}

//go:embed models.yaml
var modelsYAML []byte

type catalog struct {
	models []ModelInfo
	byName map[string]int
}

var loadCatalog = sync.OnceValue(func() *catalog {
	c, err := parseCatalog(modelsYAML)
	if err != nil {
		panic(err)
	}
	return c
})

func parseCatalog(data []byte) (*catalog, error) {
	c := &catalog{byName: map[string]int{}}
	if err := yaml.Unmarshal(data, &c.models); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	for i, m := range c.models {
		for _, name := range append([]string{m.ID}, m.Aliases...) {
			if prev, dup := c.byName[name]; dup {
				return nil, fmt.Errorf("model catalog: %q names both %s and %s", name, c.models[prev].ID, m.ID)
			}
			c.byName[name] = i
		}
	}
	return c, nil
}

// GetModelInfo looks a model up by id or alias. It returns nil for models
// the catalog does not know.
func GetModelInfo(name string) *ModelInfo {
	c := loadCatalog()
	i, ok := c.byName[name]
	if !ok {
		return nil
	}
	m := c.models[i]
	return &m
}

// ResolveModel maps an alias to its canonical id. Unknown names pass
// through so new models work before the catalog lists them.
func ResolveModel(name string) string {
	if info := GetModelInfo(name); info != nil {
		return info.ID
	}
	return name
}

// ListModels returns the catalog, or one provider's part of it when
// provider is set.
func ListModels(provider string) []ModelInfo {
	var out []ModelInfo
	for _, m := range loadCatalog().models {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// LatestModel returns provider's newest model, or nil.
func LatestModel(provider string) *ModelInfo {
	if models := ListModels(provider); provider != "" && len(models) > 0 {
		return &models[0]
	}
	return nil
}

// ContextWindowFor returns a model's context window in tokens.
func ContextWindowFor(name string) int {
	if info := GetModelInfo(name); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return fallbackContextWindow
}

// CostFor prices usage on a model. Unknown and unpriced models cost
// nothing.
func CostFor(name string, usage Usage) float64 {
	info := GetModelInfo(name)
	if info == nil || info.Pricing == nil {
		return 0
	}
	p := info.Pricing
	cost := float64(usage.InputTokens)*p.Input + float64(usage.OutputTokens)*p.Output
	if usage.CacheReadTokens != nil {
		cost += float64(*usage.CacheReadTokens) * p.CacheRead
	}
	if usage.CacheWriteTokens != nil {
		cost += float64(*usage.CacheWriteTokens) * p.CacheWrite
	}
	return cost / 1e6
}
