package engine

import (
	"strings"
	"testing"
)

func TestContextLimitOverrides(t *testing.T) {
	SetContextLimitOverrides(map[string]int{
		"google/gemini-2.5-flash": 500_000,
		"my-custom-model":         42_000,
	})
	defer SetContextLimitOverrides(nil)

	// Full provider/model key
	if got := ContextLimitForModel("google", "gemini-2.5-flash"); got != 500_000 {
		t.Errorf("override google/gemini-2.5-flash = %d; want 500000", got)
	}

	// Model-only key
	if got := ContextLimitForModel("anything", "my-custom-model"); got != 42_000 {
		t.Errorf("override my-custom-model = %d; want 42000", got)
	}

	// Non-overridden model falls through to defaults
	if got := ContextLimitForModel("anthropic", "claude-sonnet-4-5"); got != 200_000 {
		t.Errorf("non-overridden claude = %d; want 200000", got)
	}
}

func TestContextLimitForModel(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     int
	}{
		{"google", "gemini-2.5-flash", 1_048_576},
		{"google", "gemini-2.5-pro", 1_048_576},
		{"google", "unknown-gemini", 1_048_576},
		{"google", "", 1_048_576},

		{"anthropic", "claude-sonnet-4-5", 200_000},
		{"anthropic", "claude-haiku-4-5", 200_000},
		{"anthropic", "", 200_000},

		{"openai", "gpt-4o", 128_000},
		{"openai", "gpt-4o-mini", 128_000},
		{"openai", "", 128_000},

		{"ollama", "llama3.2", 32_768},
		{"openrouter", "mistral-large-latest", 128_000},
		{"", "gemini-2.5-flash", 1_048_576}, // Matches model name
		{"", "unknown-model", 128_000},      // Ultimate fallback
	}

	for _, tt := range tests {
		got := ContextLimitForModel(tt.provider, tt.model)
		if got != tt.want {
			t.Errorf("ContextLimitForModel(%q, %q) = %d; want %d", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestExceedsContextWindow(t *testing.T) {
	if over, _, _ := exceedsContextWindow("ollama", "llama3.2", "summarize the day", ""); over {
		t.Error("small prompt should fit")
	}

	huge := strings.Repeat("x", 200_000) // ~50k tokens against a 32k window
	over, est, limit := exceedsContextWindow("ollama", "llama3.2", huge, "")
	if !over {
		t.Error("expected overflow for huge prompt")
	}
	if est <= 0 || limit != 32_768 {
		t.Errorf("est = %d, limit = %d; want positive estimate and 32768 limit", est, limit)
	}

	// The same prompt fits a large-window model.
	if over, _, _ := exceedsContextWindow("google", "gemini-2.5-flash", huge, ""); over {
		t.Error("huge prompt should fit a 1M window")
	}
}
