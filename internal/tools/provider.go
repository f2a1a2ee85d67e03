package tools

import "context"

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider is one web search backend. Providers report availability so
// the built-in web_search tool can skip unconfigured ones; capability
// enforcement happens at the registry, not here.
type SearchProvider interface {
	Name() string
	Description() string
	Available() bool
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// orderProviders returns providers with the preferred name moved to the
// front. Unknown names leave the order untouched.
func orderProviders(providers []SearchProvider, preferred string) []SearchProvider {
	if preferred == "" {
		return providers
	}
	for i, p := range providers {
		if p.Name() == preferred {
			out := make([]SearchProvider, 0, len(providers))
			out = append(out, p)
			out = append(out, providers[:i]...)
			out = append(out, providers[i+1:]...)
			return out
		}
	}
	return providers
}
