package engine

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaBaseURL is the OpenAI-compatible endpoint of a local Ollama.
const DefaultOllamaBaseURL = "http://localhost:11434/v1"

// OllamaModelReady reports whether a local Ollama instance serves the given
// model. Ollama needs no API key, so this probe is what decides whether the
// reasoner comes up online. baseURL is the OpenAI-compat URL ending in /v1;
// the probe talks to the native API underneath it. model may carry an
// "ollama/" prefix, which Ollama itself does not expect. Any error counts
// as not ready.
func OllamaModelReady(baseURL, model string) bool {
	nativeURL := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	model = strings.TrimPrefix(model, "ollama/")

	client := &http.Client{Timeout: 3 * time.Second}
	body := fmt.Sprintf(`{"model":%q}`, model)
	resp, err := client.Post(nativeURL+"/api/show", "application/json", strings.NewReader(body))
	if err != nil {
		slog.Debug("ollama probe failed", "error", err, "model", model)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Debug("ollama model not installed", "status", resp.StatusCode, "model", model)
		return false
	}
	return true
}
