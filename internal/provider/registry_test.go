package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TobiSchelling/AICouncil/internal/config"
)

func boolPtr(b bool) *bool { return &b }

// ollamaTags serves an Ollama /api/tags listing with the given models.
func ollamaTags(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models": [`))
		for i, m := range models {
			if i > 0 {
				w.Write([]byte(","))
			}
			w.Write([]byte(`{"name": "` + m + `"}`))
		}
		w.Write([]byte(`]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFromConfig(t *testing.T) {
	t.Setenv("AICOUNCIL_TEST_MISSING_KEY", "")
	ollama := ollamaTags(t, "llama3.2:latest")
	cfg := &config.Config{
		Providers: []config.Provider{
			{Name: "grok", Kind: config.KindOpenAI, Model: "grok-3", APIKeyEnv: "AICOUNCIL_TEST_MISSING_KEY", Search: config.SearchNone},
			{Name: "local", Kind: config.KindOllama, Model: "llama3.2", BaseURL: ollama.URL, Search: config.SearchNone},
			{Name: "spare", Kind: config.KindOllama, Model: "llama3.2", Enabled: boolPtr(false), Search: config.SearchNone},
			{Name: "offline", Kind: config.KindOllama, Model: "mistral", BaseURL: ollama.URL, Search: config.SearchNone},
		},
	}

	reg := FromConfig(context.Background(), cfg, nil, nil)

	if got := reg.Names(); len(got) != 4 || got[0] != "grok" {
		t.Errorf("expected providers in config order, got %v", got)
	}
	enabled := reg.Enabled()
	if len(enabled) != 1 || enabled[0] != "local" {
		t.Errorf("expected only local enabled, got %v", enabled)
	}

	grok, ok := reg.Get("grok")
	if !ok {
		t.Fatal("unconfigured provider should still be registered")
	}
	if _, err := grok.Research(context.Background(), "any topic here"); !errors.Is(err, ErrProviderFailed) {
		t.Errorf("expected ErrProviderFailed from unconfigured provider, got %v", err)
	}
	offline, ok := reg.Get("offline")
	if !ok {
		t.Fatal("ollama provider without its model should still be registered")
	}
	if _, err := offline.Research(context.Background(), "any topic here"); !errors.Is(err, ErrProviderFailed) {
		t.Errorf("expected ErrProviderFailed from missing ollama model, got %v", err)
	}
	if reg.IsEnabled("nope") {
		t.Error("unknown provider cannot be enabled")
	}
}

func TestFromConfigUnreachableOllama(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.Provider{
			{Name: "local", Kind: config.KindOllama, Model: "llama3.2", BaseURL: "http://127.0.0.1:1", Search: config.SearchNone},
		},
	}
	reg := FromConfig(context.Background(), cfg, nil, nil)
	if reg.IsEnabled("local") {
		t.Error("unreachable ollama must be registered as disabled")
	}
}

func TestFromConfigNewsfeedSearch(t *testing.T) {
	ollama := ollamaTags(t, "llama3.2")
	cfg := &config.Config{
		Providers: []config.Provider{
			{Name: "local", Kind: config.KindOllama, Model: "llama3.2", BaseURL: ollama.URL, Search: config.SearchNewsfeed},
		},
		Search: config.Search{
			Newsfeed: config.NewsfeedSearch{URLTemplate: "https://example.com/rss?q=%s", MaxResults: 3},
		},
	}
	reg := FromConfig(context.Background(), cfg, nil, nil)
	a, _ := reg.Get("local")
	if !a.HasSearch() {
		t.Error("expected newsfeed search backend")
	}
}
