package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	maxFetchRedirects = 10
	maxFetchContent   = 8000
)

// SearchOutput is the JSON payload the web_search tool returns.
type SearchOutput struct {
	Provider string         `json:"provider,omitempty"`
	Results  []SearchResult `json:"results"`
}

// DefaultSearchProviders builds the provider chain from the environment.
// Order: Brave, Perplexity, DuckDuckGo; preferred moves to the front.
func DefaultSearchProviders(preferred string) []SearchProvider {
	providers := []SearchProvider{
		NewBraveProvider(os.Getenv("BRAVE_API_KEY")),
		NewPerplexityProvider(os.Getenv("PERPLEXITY_API_KEY")),
		NewDDGProvider(),
	}
	return orderProviders(providers, preferred)
}

// NewBuiltinServer assembles the in-process tool server: web_search over the
// provider chain and fetch_url for page reads.
func NewBuiltinServer(providers []SearchProvider, logger *slog.Logger) *FuncServer {
	if logger == nil {
		logger = slog.Default()
	}
	srv := NewFuncServer("builtin")

	srv.RegisterFunc("web_search", func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		out, err := searchWithFallback(ctx, query, providers, logger)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})

	srv.RegisterFunc("fetch_url", func(ctx context.Context, args map[string]any) (string, error) {
		rawURL, _ := args["url"].(string)
		return fetchURL(ctx, rawURL)
	})

	return srv
}

// searchWithFallback iterates providers in order: skip unavailable, try
// search, fall through on error. First success wins.
func searchWithFallback(ctx context.Context, query string, providers []SearchProvider, logger *slog.Logger) (SearchOutput, error) {
	if strings.TrimSpace(query) == "" {
		return SearchOutput{}, fmt.Errorf("empty search query")
	}

	logger.Info("web_search tool called", "query", query)

	for _, p := range providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, query)
		if err != nil {
			logger.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			continue
		}
		if len(results) == 0 {
			return SearchOutput{Provider: p.Name(), Results: []SearchResult{{
				Title:   "No results found",
				Snippet: fmt.Sprintf("No results found for %q.", query),
			}}}, nil
		}
		return SearchOutput{Provider: p.Name(), Results: results}, nil
	}

	return SearchOutput{Results: []SearchResult{{
		Title:   "Search unavailable",
		Snippet: fmt.Sprintf("Could not search for %q. Set BRAVE_API_KEY or PERPLEXITY_API_KEY, or check network access.", query),
	}}}, nil
}

// fetchURL fetches a page and returns it as simplified text, truncated to a
// size the reasoner can digest.
func fetchURL(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "GoHelm/1.0 (autonomous agent)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}

	content := htmlToText(string(body))
	if len(content) > maxFetchContent {
		content = content[:maxFetchContent] + "\n\n[Content truncated]"
	}
	return content, nil
}

var (
	reScript   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBlockTag = regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr)[^>]*>`)
	reAnyTag   = regexp.MustCompile(`<[^>]+>`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reNewlines = regexp.MustCompile(`\n{3,}`)
)

// htmlToText converts HTML to simplified plain text without a browser.
func htmlToText(html string) string {
	html = reScript.ReplaceAllString(html, "")
	html = reStyle.ReplaceAllString(html, "")
	html = reComment.ReplaceAllString(html, "")

	// Block-level tags become newlines so paragraphs survive.
	html = reBlockTag.ReplaceAllString(html, "\n")
	html = reAnyTag.ReplaceAllString(html, "")

	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", "\"")
	html = strings.ReplaceAll(html, "&#39;", "'")
	html = strings.ReplaceAll(html, "&nbsp;", " ")

	html = reSpaces.ReplaceAllString(html, " ")
	html = reNewlines.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
