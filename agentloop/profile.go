package agentloop

import (
	"fmt"

	"github.com/martinemde/tapir/unifiedllm"
)

// ProviderProfile is the provider-aligned prompt and request configuration
// for one model.
type ProviderProfile interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai").
	ID() string

	// ModelID returns the model identifier (e.g., "claude-opus-4-6").
	ModelID() string

	// ToolRegistry returns the tools offered to the model.
	ToolRegistry() *ToolRegistry

	// BuildSystemPrompt renders the system prompt for env.
	BuildSystemPrompt(env PromptEnvironment) string

	// ProviderOptions returns provider-specific request options.
	ProviderOptions() map[string]any

	// ReasoningEffort returns "", "low", "medium" or "high".
	ReasoningEffort() string

	ContextWindowSize() int
	MaxOutputTokens() int
	SupportsReasoning() bool
}

// BaseProfile provides common profile fields and default implementations.
type BaseProfile struct {
	providerID        string
	model             string
	registry          *ToolRegistry
	supportsReasoning bool
	contextWindowSize int
	maxOutputTokens   int
}

func newBaseProfile(provider, model string) BaseProfile {
	p := BaseProfile{
		providerID:        provider,
		model:             model,
		registry:          NewCoreToolRegistry(),
		contextWindowSize: unifiedllm.ContextWindowFor(model),
		maxOutputTokens:   8192,
	}
	if info := unifiedllm.GetModelInfo(model); info != nil {
		p.supportsReasoning = info.SupportsReasoning
		if info.MaxOutput > 0 {
			p.maxOutputTokens = info.MaxOutput
		}
	}
	return p
}

func (p *BaseProfile) ID() string { return p.providerID }
func (p *BaseProfile) ModelID() string { return p.model }
func (p *BaseProfile) ToolRegistry() *ToolRegistry { return p.registry }
func (p *BaseProfile) ProviderOptions() map[string]any { return nil }
func (p *BaseProfile) ReasoningEffort() string { return "" }
func (p *BaseProfile) ContextWindowSize() int { return p.contextWindowSize }
func (p *BaseProfile) MaxOutputTokens() int { return p.maxOutputTokens }
func (p *BaseProfile) SupportsReasoning() bool { return p.supportsReasoning }

// NewProfile returns the profile for provider and model. An empty provider
// is taken from the model catalog; an empty model selects the provider's
// newest catalog model, or the default.
func NewProfile(provider, model string) (ProviderProfile, error) {
	if model == "" {
		model = unifiedllm.DefaultModel
		if latest := unifiedllm.LatestModel(provider); latest != nil {
			model = latest.ID
		}
	}
	model = unifiedllm.ResolveModel(model)
	if provider == "" {
		if info := unifiedllm.GetModelInfo(model); info != nil {
			provider = info.Provider
		} else {
			provider = "anthropic"
		}
	}
	switch provider {
	case "anthropic":
		return NewAnthropicProfile(model), nil
	case "openai", "ollama", "groq", "mistral", "deepseek", "openrouter":
		return NewGollmProfile(provider, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}
