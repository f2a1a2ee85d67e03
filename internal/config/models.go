package config

import "os"

// DefaultModels maps each reasoner provider to the model used when the
// config leaves llm.model empty.
var DefaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-4o-mini",
	"openrouter": "openrouter/auto",
	"ollama":     "llama3.2",
}

// AvailableModels returns models usable with the API keys present in the
// environment.
func AvailableModels() []string {
	var models []string
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		models = append(models, "gemini-2.5-pro", "gemini-2.5-flash")
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		models = append(models, "claude-sonnet-4-5", "claude-haiku-4-5")
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		models = append(models, "gpt-4o", "gpt-4o-mini")
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		models = append(models, "openrouter/auto")
	}
	return models
}
