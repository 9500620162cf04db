package tree

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
)

// RetryPolicy bounds how long a store operation is retried after
// ErrStoreUnavailable before the error is escalated to the caller.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for zero-valued policy fields.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

// WithRetry wraps store so that every operation failing with
// ErrStoreUnavailable is retried with exponential backoff. All other errors,
// ErrConflict included, are returned on the first attempt.
func WithRetry(store Store, policy RetryPolicy, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryStore{next: store, policy: policy.withDefaults(), logger: logger}
}

type retryStore struct {
	next   Store
	policy RetryPolicy
	logger *zap.Logger
}

func withRetry[T any](ctx context.Context, s *retryStore, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialInterval
	b.MaxInterval = s.policy.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.StoreRetries.WithLabelValues(op).Inc()
			s.logger.Warn("store unavailable, retrying",
				zap.String("operation", op),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
}

func (s *retryStore) do(ctx context.Context, op string, fn func() error) error {
	_, err := withRetry(ctx, s, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (s *retryStore) CreateGuide(ctx context.Context, g *Guide) error {
	return s.do(ctx, "create_guide", func() error { return s.next.CreateGuide(ctx, g) })
}

func (s *retryStore) GetGuide(ctx context.Context, guideID string) (*Guide, error) {
	return withRetry(ctx, s, "get_guide", func() (*Guide, error) { return s.next.GetGuide(ctx, guideID) })
}

func (s *retryStore) ListGuides(ctx context.Context) ([]Guide, error) {
	return withRetry(ctx, s, "list_guides", func() ([]Guide, error) { return s.next.ListGuides(ctx) })
}

func (s *retryStore) AdvanceStage(ctx context.Context, guideID string, from, to Stage) error {
	return s.do(ctx, "advance_stage", func() error { return s.next.AdvanceStage(ctx, guideID, from, to) })
}

func (s *retryStore) CreateRoot(ctx context.Context, key Key, topic string) (string, error) {
	return withRetry(ctx, s, "create_root", func() (string, error) { return s.next.CreateRoot(ctx, key, topic) })
}

func (s *retryStore) CreateChild(ctx context.Context, key Key, parentID, topic string) (string, error) {
	return withRetry(ctx, s, "create_child", func() (string, error) {
		return s.next.CreateChild(ctx, key, parentID, topic)
	})
}

func (s *retryStore) Transition(ctx context.Context, key Key, nodeID string, from, to Status, u Update) error {
	return s.do(ctx, "transition", func() error { return s.next.Transition(ctx, key, nodeID, from, to, u) })
}

func (s *retryStore) AppendChild(ctx context.Context, key Key, parentID, childID string) error {
	return s.do(ctx, "append_child", func() error { return s.next.AppendChild(ctx, key, parentID, childID) })
}

func (s *retryStore) GetNode(ctx context.Context, key Key, nodeID string) (*Node, error) {
	return withRetry(ctx, s, "get_node", func() (*Node, error) { return s.next.GetNode(ctx, key, nodeID) })
}

func (s *retryStore) RootID(ctx context.Context, key Key) (string, error) {
	return withRetry(ctx, s, "root_id", func() (string, error) { return s.next.RootID(ctx, key) })
}

func (s *retryStore) ListNodes(ctx context.Context, key Key) ([]Node, error) {
	return withRetry(ctx, s, "list_nodes", func() ([]Node, error) { return s.next.ListNodes(ctx, key) })
}

func (s *retryStore) AppendInteraction(ctx context.Context, rec *Interaction) error {
	return s.do(ctx, "append_interaction", func() error { return s.next.AppendInteraction(ctx, rec) })
}

func (s *retryStore) ListInteractions(ctx context.Context, guideID string) ([]Interaction, error) {
	return withRetry(ctx, s, "list_interactions", func() ([]Interaction, error) {
		return s.next.ListInteractions(ctx, guideID)
	})
}

func (s *retryStore) Close() error {
	return s.next.Close()
}
