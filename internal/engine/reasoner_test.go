package engine

import (
	"context"
	"strings"
	"testing"
)

func TestNewGenkitReasoner_OfflineWithoutKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	r := NewGenkitReasoner(context.Background(), ReasonerConfig{Provider: "openrouter"})
	if r == nil {
		t.Fatal("expected non-nil reasoner")
	}
	if r.Online() {
		t.Fatal("expected offline reasoner without API key")
	}

	resp, err := r.Generate(context.Background(), "what next?", "system")
	if err != nil {
		t.Fatalf("offline generate: %v", err)
	}
	if resp != offlineReply {
		t.Fatalf("expected deterministic offline reply, got: %s", resp)
	}

	dec, ok := parseDecision(resp)
	if !ok {
		t.Fatal("offline reply should parse as a decision")
	}
	if dec.Action != ActionBlocked {
		t.Fatalf("expected blocked action, got %q", dec.Action)
	}
	if !strings.Contains(dec.Reasoning, "reasoner offline") {
		t.Fatalf("expected offline texture in reasoning, got %q", dec.Reasoning)
	}
}

func TestGenkitReasoner_EmptyPrompt(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	r := NewGenkitReasoner(context.Background(), ReasonerConfig{Provider: "openrouter"})
	if _, err := r.Generate(context.Background(), "   ", ""); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestDefaultModelForProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"google", "gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5"},
		{"openai", "gpt-4o-mini"},
		{"openai_compatible", "gpt-4o-mini"},
		{"openrouter", "openrouter/auto"},
	}
	for _, tt := range tests {
		if got := defaultModelForProvider(tt.provider); got != tt.want {
			t.Errorf("defaultModelForProvider(%s) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     string
	}{
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-4o-mini", "openai/gpt-4o-mini"},
		{"openai_compatible", "llama3", "llama3"},
		{"openrouter", "anthropic/claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"google", "", "googleai/gemini-2.5-flash"},
	}
	for _, tt := range tests {
		if got := modelNameForProvider(tt.provider, tt.model); got != tt.want {
			t.Errorf("modelNameForProvider(%s, %s) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestEnvAPIKeyForProvider(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key-123")
	if got := envAPIKeyForProvider("openrouter"); got != "test-key-123" {
		t.Fatalf("envAPIKeyForProvider(openrouter) = %q, want %q", got, "test-key-123")
	}

	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("GOOGLE_API_KEY", "goog-key")
	if got := envAPIKeyForProvider("google"); got != "gem-key" {
		t.Fatalf("expected GEMINI_API_KEY to win, got %q", got)
	}
	t.Setenv("GEMINI_API_KEY", "")
	if got := envAPIKeyForProvider("google"); got != "goog-key" {
		t.Fatalf("expected GOOGLE_API_KEY fallback, got %q", got)
	}
}
