package autofix

import (
	"appfactory/internal/config"
)

// Provider names match the payload.provider values written by the build pipeline.
const (
	ProviderGemini = "gemini"
	ProviderGrok   = "grok"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// preferenceOrder ranks fallback candidates, free-tier providers first.
var preferenceOrder = []string{ProviderGemini, ProviderGrok, ProviderOpenAI, ProviderClaude}

// Registry knows which AI providers are usable. A provider is available when
// its API key is configured; the registry never performs provider calls.
type Registry struct {
	keys map[string]string
}

// NewRegistry builds the registry from configured API keys.
func NewRegistry(cfg config.Config) *Registry {
	return &Registry{keys: map[string]string{
		ProviderGemini: cfg.GeminiAPIKey,
		ProviderGrok:   cfg.GrokAPIKey,
		ProviderOpenAI: cfg.OpenAIAPIKey,
		ProviderClaude: cfg.ClaudeAPIKey,
	}}
}

// NewRegistryWithKeys is a test seam bypassing env config.
func NewRegistryWithKeys(keys map[string]string) *Registry {
	if keys == nil {
		keys = map[string]string{}
	}
	return &Registry{keys: keys}
}

// Available reports whether the named provider has a key configured.
func (r *Registry) Available(provider string) bool {
	return r.keys[provider] != ""
}

// Fallback returns the highest-preference available provider other than
// current, or "" when no alternative exists.
func (r *Registry) Fallback(current string) string {
	for _, p := range preferenceOrder {
		if p == current {
			continue
		}
		if r.Available(p) {
			return p
		}
	}
	return ""
}
