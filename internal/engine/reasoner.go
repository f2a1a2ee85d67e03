// Package engine runs the perceive-reason-decide-act loop that pursues a
// goal. Each iteration reads the memory tiers, asks the Reasoner to
// synthesize observations and choose the next action, then dispatches the
// chosen agent under a capability token scoped to that agent's profile. The
// loop is bounded by max_iterations and abortable between iterations.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/go-helm/internal/config"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Reasoner is the reasoning-model abstraction behind the loop's reason and
// decide phases. Implementations must be safe for concurrent use; the
// Manager runs many goals at once.
type Reasoner interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// ReasonerConfig selects the provider behind the GenkitReasoner.
type ReasonerConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter" or "ollama". Empty defaults to
	// "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider. Empty falls back to the
	// provider's environment variable.
	APIKey string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitReasoner drives the configured provider through Genkit. Without an
// API key it degrades to a deterministic offline reply whose decide phase
// blocks the goal immediately, so the binary starts without credentials.
type GenkitReasoner struct {
	g     *genkit.Genkit
	cfg   ReasonerConfig
	llmOn bool
}

// NewGenkitReasoner initializes Genkit with the configured LLM provider.
func NewGenkitReasoner(ctx context.Context, cfg ReasonerConfig) *GenkitReasoner {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("reasoner initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; reasoner offline")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("reasoner initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; reasoner offline")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("reasoner initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; reasoner offline")
		}

	case "openrouter":
		if apiKey != "" {
			openrouterPlugin := &compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openrouterPlugin))
			llmOn = true
			slog.Info("reasoner initialized", "provider", "openrouter", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenRouter API key missing; reasoner offline")
		}

	case "ollama":
		baseURL := strings.TrimSpace(cfg.OpenAICompatibleBaseURL)
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		ollamaPlugin := &compat_oai.OpenAICompatible{
			Provider: "ollama",
			APIKey:   "ollama", // the compat shim requires a token; Ollama ignores it
			BaseURL:  baseURL,
		}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if OllamaModelReady(baseURL, modelID) {
			llmOn = true
			slog.Info("reasoner initialized", "provider", "ollama", "model", modelID, "base_url", baseURL)
		} else {
			slog.Warn("ollama model unavailable; reasoner offline", "model", modelID, "base_url", baseURL)
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("reasoner initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; reasoner offline")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; reasoner offline", "provider", provider)
	}

	cfg.Provider = provider
	cfg.Model = modelID
	return &GenkitReasoner{g: g, cfg: cfg, llmOn: llmOn}
}

// Online reports whether a provider key was found at init.
func (r *GenkitReasoner) Online() bool {
	return r.llmOn
}

// offlineReply is returned when no provider key is configured. The decide
// phase parses it as a blocked decision and the goal terminates on the first
// iteration; the reason phase rejects it against the synthesis schema and
// falls back to an empty synthesis.
const offlineReply = `{"action": "blocked", "agent": "", "parameters": {}, "reasoning": "blocked: reasoner offline, configure an LLM API key"}`

// Generate produces one completion for the prompt under the optional system
// prompt.
func (r *GenkitReasoner) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", fmt.Errorf("empty prompt")
	}

	if !r.llmOn {
		return offlineReply, nil
	}

	if over, est, limit := exceedsContextWindow(r.cfg.Provider, r.cfg.Model, trimmed, systemPrompt); over {
		return "", fmt.Errorf("context window exceeded: prompt ~%d tokens, window %d for %s", est, limit, r.cfg.Model)
	}

	modelName := modelNameForProvider(r.cfg.Provider, r.cfg.Model)
	opts := []ai.GenerateOption{
		ai.WithModelName(modelName),
		ai.WithPrompt(trimmed),
	}
	if sys := strings.TrimSpace(systemPrompt); sys != "" {
		// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(sys, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, r.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	// Normalize openai_compatible to openai for the DefaultModels lookup.
	if provider == "openai_compatible" {
		provider = "openai"
	}
	return config.DefaultModels[provider]
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "ollama":
		return "" // local provider, no key
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	case "openrouter":
		return model // OpenRouter uses full model names like "anthropic/claude-sonnet-4-5"
	case "ollama":
		if strings.HasPrefix(model, "ollama/") {
			return model
		}
		return "ollama/" + model
	case "google", "":
		return "googleai/" + model
	default:
		return "googleai/" + model
	}
}
