package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []tree.Interaction
}

func (m *memRecorder) AppendInteraction(_ context.Context, rec *tree.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memRecorder) all() []tree.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tree.Interaction(nil), m.recs...)
}

type funcResearcher func(ctx context.Context, topic string) (*Result, error)

func (f funcResearcher) Research(ctx context.Context, topic string) (*Result, error) {
	return f(ctx, topic)
}

type funcSearcher func(ctx context.Context, topic string) ([]tree.WebResult, error)

func (f funcSearcher) Search(ctx context.Context, topic string) ([]tree.WebResult, error) {
	return f(ctx, topic)
}

func TestAdapterResearchRecordsTokensAndCost(t *testing.T) {
	rec := &memRecorder{}
	a := NewAdapter("grok", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		return &Result{Payload: &tree.Payload{Summary: "ok"}, Raw: `{"summary":"ok"}`, Tokens: 2000}, nil
	}), nil, AdapterOptions{CostPer1KTokens: 0.5, Recorder: rec})

	ctx := WithScope(context.Background(), "g1", "root-1")
	p, err := a.Research(ctx, "renewable energy policy")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if p.Summary != "ok" {
		t.Errorf("unexpected payload: %+v", p)
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(recs))
	}
	r := recs[0]
	if r.GuideID != "g1" || r.NodeID != "root-1" || r.Provider != "grok" || r.Operation != OpResearch {
		t.Errorf("interaction not attributed: %+v", r)
	}
	if !r.Success || r.Tokens != 2000 || r.CostUSD != 1.0 {
		t.Errorf("unexpected accounting: %+v", r)
	}
}

func TestAdapterTimeout(t *testing.T) {
	rec := &memRecorder{}
	a := NewAdapter("slow", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil, AdapterOptions{Timeout: 20 * time.Millisecond, Recorder: rec})

	_, err := a.Research(context.Background(), "renewable energy policy")
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Provider != "slow" || callErr.Operation != OpResearch {
		t.Errorf("expected CallError for slow/research, got %#v", err)
	}

	recs := rec.all()
	if len(recs) != 1 || recs[0].Success || recs[0].Error == "" {
		t.Errorf("failed call must be recorded with its error: %+v", recs)
	}
	if recs[0].Tokens == 0 {
		t.Error("expected an estimated token count for the request")
	}
}

func TestAdapterTimeoutWhenBackendIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	a := NewAdapter("stuck", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		<-release
		return nil, nil
	}), nil, AdapterOptions{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := a.Research(context.Background(), "renewable energy policy")
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("adapter did not return at its deadline")
	}
}

func TestAdapterBackendFailure(t *testing.T) {
	cause := errors.New("429 rate limited")
	a := NewAdapter("grok", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		return nil, cause
	}), nil, AdapterOptions{})

	_, err := a.Research(context.Background(), "renewable energy policy")
	if !errors.Is(err, ErrProviderFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrProviderFailed wrapping cause, got %v", err)
	}
	if errors.Is(err, ErrProviderTimeout) {
		t.Error("backend failure is not a timeout")
	}
}

func TestAdapterRecoversPanics(t *testing.T) {
	a := NewAdapter("crashy", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		panic("nil map write")
	}), nil, AdapterOptions{})

	_, err := a.Research(context.Background(), "renewable energy policy")
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
}

func TestAdapterCancelledCallerIsNotTimeout(t *testing.T) {
	a := NewAdapter("grok", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil, AdapterOptions{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := a.Research(ctx, "renewable energy policy")
	if !errors.Is(err, ErrProviderFailed) || errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
}

func TestAdapterWebSearch(t *testing.T) {
	rec := &memRecorder{}
	a := NewAdapter("grok", nil, funcSearcher(func(ctx context.Context, topic string) ([]tree.WebResult, error) {
		return []tree.WebResult{{Title: "IEA", Link: "https://iea.org"}}, nil
	}), AdapterOptions{Recorder: rec})

	if !a.HasSearch() {
		t.Fatal("expected search backend")
	}
	results, err := a.WebSearch(context.Background(), "renewable energy policy")
	if err != nil {
		t.Fatalf("WebSearch: %v", err)
	}
	if len(results) != 1 || results[0].Title != "IEA" {
		t.Errorf("unexpected results: %+v", results)
	}
	if recs := rec.all(); len(recs) != 1 || recs[0].Operation != OpWebSearch {
		t.Errorf("expected one web_search interaction, got %+v", recs)
	}
}

func TestAdapterWithoutSearch(t *testing.T) {
	rec := &memRecorder{}
	a := NewAdapter("grok", nil, nil, AdapterOptions{Recorder: rec})

	_, err := a.WebSearch(context.Background(), "renewable energy policy")
	if !errors.Is(err, ErrNoSearch) {
		t.Fatalf("expected ErrNoSearch, got %v", err)
	}
	if len(rec.all()) != 0 {
		t.Error("no call was made, so nothing is recorded")
	}
}

func TestAdapterRateLimitTimesOut(t *testing.T) {
	calls := 0
	a := NewAdapter("limited", funcResearcher(func(ctx context.Context, topic string) (*Result, error) {
		calls++
		return &Result{Payload: &tree.Payload{}}, nil
	}), nil, AdapterOptions{Timeout: 50 * time.Millisecond, RequestsPerMinute: 1})

	if _, err := a.Research(context.Background(), "first topic here"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := a.Research(context.Background(), "second topic here")
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected the limiter wait to exceed the deadline, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 backend call, got %d", calls)
	}
}
