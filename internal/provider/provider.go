// Package provider adapts external AI research and web-search backends to a
// uniform interface. Every call made through an Adapter is bounded by the
// provider's timeout and recorded as an interaction.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Operation names recorded on interactions.
const (
	OpResearch  = "research"
	OpWebSearch = "web_search"
	OpFeedback  = "feedback"
	OpStart     = "start_research"
)

var (
	ErrProviderTimeout = errors.New("provider timeout")
	ErrProviderFailed  = errors.New("provider error")
	ErrNoSearch        = errors.New("provider has no web search backend")
)

// CallError describes a failed provider call. It matches ErrProviderTimeout
// or ErrProviderFailed with errors.Is, as well as the underlying cause.
type CallError struct {
	Provider  string
	Operation string
	Elapsed   time.Duration
	Kind      error
	Err       error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s %s: %v after %s", e.Provider, e.Operation, e.Kind, e.Elapsed.Round(time.Millisecond))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Result is the outcome of one deep-research call.
type Result struct {
	Payload *tree.Payload
	Raw     string
	Tokens  int
}

// Researcher performs deep research on a topic.
type Researcher interface {
	Research(ctx context.Context, topic string) (*Result, error)
}

// Searcher returns web results for a topic.
type Searcher interface {
	Search(ctx context.Context, topic string) ([]tree.WebResult, error)
}

// Completion is a raw LLM response.
type Completion struct {
	Text   string
	Tokens int
}

// Completer sends a single prompt to an LLM.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error)
}

// Recorder persists interaction records.
type Recorder interface {
	AppendInteraction(ctx context.Context, rec *tree.Interaction) error
}

type scopeKey struct{}

// Scope identifies what a provider call is made for.
type Scope struct {
	GuideID string
	NodeID  string
}

// WithScope attaches the guide and node a call belongs to, so the resulting
// interaction record can be attributed.
func WithScope(ctx context.Context, guideID, nodeID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, Scope{GuideID: guideID, NodeID: nodeID})
}

// ScopeFrom returns the scope attached by WithScope, if any.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return (n + 3) / 4
}
