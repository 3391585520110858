package llm

import (
	"sort"
	"strings"
)

// Endpoint is the static description of a named provider.
type Endpoint struct {
	Family       Family `json:"family"`
	BaseURL      string `json:"base_url,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	RequiresKey  bool   `json:"requires_key"`
	// Moderated providers reject content more eagerly; requests to them get the
	// moderation directive appended to the system instruction.
	Moderated bool `json:"moderated"`
}

// Endpoints maps provider ids to their endpoint description. It is a plain value
// threaded through configuration; nothing reads it from global state.
type Endpoints map[ProviderID]Endpoint

// DefaultEndpoints returns a fresh copy of the well-known provider table.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Gemini: {
			Family:       FamilySchemaNative,
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
			DefaultModel: "gemini-2.5-flash",
			RequiresKey:  true,
		},
		OpenAI: {
			Family:       FamilyMessageProtocol,
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o-mini",
			RequiresKey:  true,
		},
		DeepSeek: {
			Family:       FamilyMessageProtocol,
			BaseURL:      "https://api.deepseek.com/v1",
			DefaultModel: "deepseek-chat",
			RequiresKey:  true,
			Moderated:    true,
		},
		OpenRouter: {
			Family:       FamilyMessageProtocol,
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "openai/gpt-4o-mini",
			RequiresKey:  true,
		},
		SiliconFlow: {
			Family:       FamilyMessageProtocol,
			BaseURL:      "https://api.siliconflow.cn/v1",
			DefaultModel: "deepseek-ai/DeepSeek-V3",
			RequiresKey:  true,
			Moderated:    true,
		},
		Moonshot: {
			Family:       FamilyMessageProtocol,
			BaseURL:      "https://api.moonshot.cn/v1",
			DefaultModel: "moonshot-v1-8k",
			RequiresKey:  true,
			Moderated:    true,
		},
		// custom is any OpenAI-compatible server (llama.cpp, vLLM, Ollama, ...).
		Custom: {
			Family: FamilyMessageProtocol,
		},
	}
}

// IDs returns the provider ids in stable order.
func (e Endpoints) IDs() []ProviderID {
	ids := make([]ProviderID, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ProviderConfig is supplied by the caller with every request.
type ProviderConfig struct {
	Provider        ProviderID        `json:"provider" mapstructure:"provider"`
	BaseURL         string            `json:"base_url,omitempty" mapstructure:"base_url"`
	APIKey          string            `json:"-" mapstructure:"api_key"`
	Model           string            `json:"model,omitempty" mapstructure:"model"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty" mapstructure:"max_output_tokens"`
	Options         map[string]string `json:"options,omitempty" mapstructure:"options"`
}

// Resolved is a ProviderConfig merged with its endpoint table entry.
type Resolved struct {
	ID              ProviderID
	Family          Family
	BaseURL         string
	APIKey          string
	Model           string
	MaxOutputTokens int
	Moderated       bool
	Options         map[string]string
}

// Resolve validates cfg against the table and fills in defaults. It never touches
// the network and fails with a *ConfigurationError when a required field is absent.
func (e Endpoints) Resolve(cfg ProviderConfig) (Resolved, error) {
	ep, ok := e[cfg.Provider]
	if !ok {
		return Resolved{}, &ConfigurationError{Provider: cfg.Provider, Field: "provider"}
	}

	r := Resolved{
		ID:              cfg.Provider,
		Family:          ep.Family,
		BaseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:          cfg.APIKey,
		Model:           cfg.Model,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Moderated:       ep.Moderated,
		Options:         cfg.Options,
	}
	if r.BaseURL == "" {
		r.BaseURL = strings.TrimRight(ep.BaseURL, "/")
	}
	if r.Model == "" {
		r.Model = ep.DefaultModel
	}

	switch {
	case r.BaseURL == "":
		return Resolved{}, &ConfigurationError{Provider: cfg.Provider, Field: "base_url"}
	case ep.RequiresKey && r.APIKey == "":
		return Resolved{}, &ConfigurationError{Provider: cfg.Provider, Field: "api_key"}
	case r.Model == "":
		return Resolved{}, &ConfigurationError{Provider: cfg.Provider, Field: "model"}
	}
	return r, nil
}

// ClampTokens applies the provider's output cap to a requested token budget.
func (r Resolved) ClampTokens(requested int) int {
	if r.MaxOutputTokens <= 0 {
		return requested
	}
	if requested <= 0 || requested > r.MaxOutputTokens {
		return r.MaxOutputTokens
	}
	return requested
}

const moderationDirective = "Keep all content suitable for a general audience: " +
	"no explicit sexual content, graphic violence, or instructions for illegal activity. " +
	"Handle mature themes through implication rather than description."

// ShapeSystemInstruction is the provider-specific request shaping hook applied
// before a request leaves the gateway.
func (r Resolved) ShapeSystemInstruction(system string) string {
	if !r.Moderated {
		return system
	}
	if system == "" {
		return moderationDirective
	}
	return system + "\n\n" + moderationDirective
}
