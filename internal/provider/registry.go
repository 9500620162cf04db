package provider

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/config"
)

// Registry holds the configured provider adapters in config order.
type Registry struct {
	adapters map[string]*Adapter
	order    []string
	enabled  map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter), enabled: make(map[string]bool)}
}

// Add registers an adapter. Disabled adapters can be looked up but are not
// part of Enabled.
func (r *Registry) Add(a *Adapter, enabled bool) {
	if _, ok := r.adapters[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
	r.enabled[a.Name()] = enabled
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (*Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// IsEnabled reports whether the named provider exists and is enabled.
func (r *Registry) IsEnabled(name string) bool {
	return r.enabled[name]
}

// Names returns all provider names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Enabled returns the enabled provider names in registration order.
func (r *Registry) Enabled() []string {
	var names []string
	for _, n := range r.order {
		if r.enabled[n] {
			names = append(names, n)
		}
	}
	return names
}

// FromConfig builds an adapter for every configured provider. A provider whose
// backend cannot be constructed (missing API key, unreachable Ollama model,
// bad search settings) is registered as disabled and the reason logged.
func FromConfig(ctx context.Context, cfg *config.Config, recorder Recorder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		researcher, err := newResearcher(ctx, pc)
		if err != nil {
			logger.Warn("provider unavailable", zap.String("provider", pc.Name), zap.Error(err))
			reg.Add(NewAdapter(pc.Name, unavailable{err}, nil, AdapterOptions{}), false)
			continue
		}

		searcher, err := newSearcher(ctx, pc.Search, cfg.Search, logger)
		if err != nil {
			logger.Warn("web search unavailable, continuing without it",
				zap.String("provider", pc.Name), zap.Error(err))
			searcher = nil
		}

		reg.Add(NewAdapter(pc.Name, researcher, searcher, AdapterOptions{
			Timeout:           pc.Timeout,
			RequestsPerMinute: pc.RequestsPerMinute,
			CostPer1KTokens:   pc.CostPer1KTokens,
			Recorder:          recorder,
			Logger:            logger,
		}), pc.IsEnabled())
	}
	return reg
}

func newResearcher(ctx context.Context, pc config.Provider) (Researcher, error) {
	var c Completer
	switch pc.Kind {
	case config.KindOpenAI:
		key := pc.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%s is not set", pc.APIKeyEnv)
		}
		c = NewOpenAICompleter(key, pc.BaseURL, pc.Model)
	case config.KindGemini:
		key := pc.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%s is not set", pc.APIKeyEnv)
		}
		g, err := NewGeminiCompleter(ctx, key, pc.BaseURL, pc.Model)
		if err != nil {
			return nil, err
		}
		c = g
	case config.KindOllama:
		o := NewOllamaCompleter(pc.Model, pc.BaseURL)
		if pc.IsEnabled() && !o.IsConfigured(ctx) {
			return nil, fmt.Errorf("ollama model %s not available at %s", pc.Model, o.BaseURL)
		}
		c = o
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
	return NewLLMResearcher(c, pc.MaxTokens), nil
}

func newSearcher(ctx context.Context, backend string, sc config.Search, logger *zap.Logger) (Searcher, error) {
	var s Searcher
	switch backend {
	case config.SearchNone, "":
		return nil, nil
	case config.SearchGoogle:
		g, err := NewGoogleSearcher(ctx, os.Getenv(sc.Google.APIKeyEnv), os.Getenv(sc.Google.EngineIDEnv), sc.Google.Results)
		if err != nil {
			return nil, err
		}
		s = g
	case config.SearchNewsfeed:
		f, err := NewFeedSearcher(sc.Newsfeed.URLTemplate, sc.Newsfeed.MaxResults)
		if err != nil {
			return nil, err
		}
		s = f
	default:
		return nil, fmt.Errorf("unknown search backend %q", backend)
	}
	if sc.Enrich.Enabled && sc.Enrich.TopN > 0 {
		s = WithEnrichment(s, NewEnricher(sc.Enrich.TopN, sc.Enrich.Timeout, logger))
	}
	return s, nil
}

// unavailable is the researcher of a provider that could not be set up.
type unavailable struct{ err error }

func (u unavailable) Research(context.Context, string) (*Result, error) {
	return nil, fmt.Errorf("provider not configured: %w", u.err)
}
