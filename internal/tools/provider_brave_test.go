package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBraveProvider_Metadata(t *testing.T) {
	p := NewBraveProvider("test-key")
	if p.Name() != "brave_search" {
		t.Errorf("expected name brave_search, got %q", p.Name())
	}
	if !p.Available() {
		t.Error("expected Available()=true with API key")
	}
	if NewBraveProvider("").Available() {
		t.Error("expected Available()=false without API key")
	}
}

func TestParseBraveJSON(t *testing.T) {
	data := []byte(`{"web": {"results": [
		{"title": "Go", "url": "https://go.dev", "description": "The Go site"},
		{"title": "Wiki", "url": "https://wiki.org", "description": "Encyclopedia"}
	]}}`)

	results, err := parseBraveJSON(data)
	if err != nil {
		t.Fatalf("parseBraveJSON: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "Go" || results[0].URL != "https://go.dev" || results[0].Snippet != "The Go site" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
}

func TestParseBraveJSON_Limit5(t *testing.T) {
	type result struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	var resp struct {
		Web struct {
			Results []result `json:"results"`
		} `json:"web"`
	}
	for i := 0; i < 8; i++ {
		resp.Web.Results = append(resp.Web.Results, result{Title: "t", URL: "u"})
	}
	data, _ := json.Marshal(resp)

	results, err := parseBraveJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results (capped), got %d", len(results))
	}
}

func TestParseBraveJSON_InvalidJSON(t *testing.T) {
	if _, err := parseBraveJSON([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestBraveProvider_Search_HTTPTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("q"); got != "golang" {
			t.Errorf("expected query golang, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web": {"results": [{"title": "Go", "url": "https://go.dev", "description": "d"}]}}`))
	}))
	defer srv.Close()

	p := NewBraveProvider("test-key")
	p.endpoint = srv.URL

	results, err := p.Search(context.Background(), "golang")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://go.dev" {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestBraveProvider_Search_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewBraveProvider("test-key")
	p.endpoint = srv.URL

	if _, err := p.Search(context.Background(), "golang"); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}
