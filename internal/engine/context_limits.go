package engine

import (
	"strings"

	"github.com/basket/go-helm/internal/shared"
)

// reservedTokens is the headroom kept free for the model's reply when
// budgeting a prompt against the context window.
const reservedTokens = 10_000

var contextLimitOverrides map[string]int

// SetContextLimitOverrides installs config-driven context window overrides.
// Keys are "provider/model" or bare model names.
func SetContextLimitOverrides(m map[string]int) {
	contextLimitOverrides = m
}

// ContextLimitForModel returns the context window in tokens for a
// provider+model pair. Unknown models fall back by model prefix, then by
// provider.
func ContextLimitForModel(provider, model string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	if v, ok := contextLimitOverrides[provider+"/"+model]; ok {
		return v
	}
	if v, ok := contextLimitOverrides[model]; ok {
		return v
	}

	switch model {
	case "gemini-2.5-flash", "gemini-2.5-pro":
		return 1_048_576
	case "claude-sonnet-4-5", "claude-haiku-4-5":
		return 200_000
	case "gpt-4o", "gpt-4o-mini":
		return 128_000
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-"):
		return 128_000
	}

	switch provider {
	case "google":
		return 1_048_576
	case "anthropic":
		return 200_000
	case "ollama":
		// Local models default to small windows unless overridden.
		return 32_768
	}

	// openai, openrouter, openai_compatible and anything unknown.
	return 128_000
}

// exceedsContextWindow reports whether prompt plus system prompt would
// overflow the model's window once reply headroom is reserved. Also returns
// the token estimate and the window for the error message.
func exceedsContextWindow(provider, model, prompt, systemPrompt string) (bool, int, int) {
	limit := ContextLimitForModel(provider, model)
	est := shared.EstimateTokens(prompt) + shared.EstimateTokens(systemPrompt)
	return est > limit-reservedTokens, est, limit
}
