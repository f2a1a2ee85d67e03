package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/config"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxHTTPResponse    = 1 << 20
)

// HTTPServer forwards tool calls to a remote tool server as JSON over POST.
// The request body is {"tool": ..., "args": {...}}; the response is either
// {"result": "..."} or a raw body taken verbatim.
type HTTPServer struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPServer builds a server from one http_servers config entry.
func NewHTTPServer(cfg config.HTTPToolServerConfig) (*HTTPServer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("http tool server: empty name")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http tool server %q: empty base_url", cfg.Name)
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &HTTPServer{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPServer) Name() string { return h.name }

type httpToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type httpToolResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (h *HTTPServer) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	body, err := json.Marshal(httpToolRequest{Tool: tool, Args: args})
	if err != nil {
		return "", fmt.Errorf("marshal tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool server %q: %w", h.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponse))
	if err != nil {
		return "", fmt.Errorf("tool server %q: read response: %w", h.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tool server %q returned %d: %s", h.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed httpToolResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Servers that reply with plain text are accepted as-is.
		return string(raw), nil
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("tool server %q: %s", h.name, parsed.Error)
	}
	return parsed.Result, nil
}
