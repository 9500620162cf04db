// Package research runs node research against the configured providers. The
// Coordinator fans a topic out into one tree per provider, expands nodes into
// subtopics and drives every node through its lifecycle in the background.
package research

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrUnknownProvider = errors.New("unknown or disabled provider")
	ErrNoProviders     = errors.New("no providers enabled")
	ErrClosed          = errors.New("coordinator is closed")
	ErrNotRetryable    = errors.New("only nodes in error can be retried")
	ErrEmptyFeedback   = errors.New("feedback is empty")
)

// Options tunes a Coordinator. Zero values fall back to defaults.
type Options struct {
	// MaxInFlight caps research tasks running at once across all guides.
	MaxInFlight int
	// ProviderAttempts is how often a research call failing with a provider
	// error is tried. Timeouts are never retried.
	ProviderAttempts int
	RetryBackoff     time.Duration
	// AppendAttempts bounds how often linking a finished child into its
	// parent is retried after a conflict.
	AppendAttempts int
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 8
	}
	if o.ProviderAttempts <= 0 {
		o.ProviderAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.AppendAttempts <= 0 {
		o.AppendAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
