package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Expand creates a child of parentID for topic and researches it in the
// background with the tree's provider. The child is linked into the parent's
// child list once its research is terminal; until then the tree view lists
// it as unlinked.
func (c *Coordinator) Expand(ctx context.Context, key tree.Key, parentID, topic string) (string, error) {
	if err := ValidateSubtopic(topic); err != nil {
		return "", err
	}
	topic = strings.TrimSpace(topic)
	if _, ok := c.registry.Get(key.Provider); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, key.Provider)
	}
	if c.isClosed() {
		return "", ErrClosed
	}

	childID, err := c.store.CreateChild(ctx, key, parentID, topic)
	if err != nil {
		return "", err
	}
	err = c.launch(key, childID, topic, func(tree.Status) {
		c.link(key, parentID, childID)
	})
	if err != nil {
		return childID, err
	}

	c.logger.Info("expansion started",
		zap.String("guide", key.GuideID),
		zap.String("provider", key.Provider),
		zap.String("parent", parentID),
		zap.String("node", childID),
		zap.String("topic", topic))
	return childID, nil
}

// ExpandMany expands parentID once per distinct topic. It stops at the first
// failure and returns the children created so far.
func (c *Coordinator) ExpandMany(ctx context.Context, key tree.Key, parentID string, topics []string) ([]string, error) {
	seen := make(map[string]bool, len(topics))
	var ids []string
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if seen[topic] {
			continue
		}
		seen[topic] = true
		id, err := c.Expand(ctx, key, parentID, topic)
		if err != nil {
			return ids, fmt.Errorf("expanding %q: %w", topic, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ExpandSuggested expands every further-research suggestion of a node that
// does not already have a child with the same topic.
func (c *Coordinator) ExpandSuggested(ctx context.Context, key tree.Key, nodeID string) ([]string, error) {
	node, err := c.store.GetNode(ctx, key, nodeID)
	if err != nil {
		return nil, err
	}
	suggested := node.Payload.SuggestedTopics()
	if len(suggested) == 0 {
		return nil, nil
	}

	nodes, err := c.store.ListNodes(ctx, key)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool)
	for _, n := range nodes {
		if n.ParentID == nodeID {
			existing[strings.TrimSpace(n.Topic)] = true
		}
	}
	var topics []string
	for _, t := range suggested {
		if !existing[t] {
			topics = append(topics, t)
		}
	}
	return c.ExpandMany(ctx, key, nodeID, topics)
}

// Retry researches an errored node's topic again. Nodes are never reset in
// place: a child gets a new sibling, a root is replaced as the tree's root.
func (c *Coordinator) Retry(ctx context.Context, key tree.Key, nodeID string) (string, error) {
	node, err := c.store.GetNode(ctx, key, nodeID)
	if err != nil {
		return "", err
	}
	if node.Status != tree.StatusError {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRetryable, nodeID, node.Status)
	}
	if !node.IsRoot() {
		return c.Expand(ctx, key, node.ParentID, node.Topic)
	}

	if _, ok := c.registry.Get(key.Provider); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, key.Provider)
	}
	if c.isClosed() {
		return "", ErrClosed
	}
	rootID, err := c.store.CreateRoot(ctx, key, node.Topic)
	if err != nil {
		return "", err
	}
	c.logger.Info("root replaced",
		zap.String("guide", key.GuideID),
		zap.String("provider", key.Provider),
		zap.String("old", nodeID),
		zap.String("node", rootID))
	return rootID, c.launch(key, rootID, node.Topic, nil)
}

// link appends a finished child to its parent, retrying lost races. Each
// attempt is applied against the parent as currently stored.
func (c *Coordinator) link(key tree.Key, parentID, childID string) {
	ctx := context.WithoutCancel(c.base)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.store.AppendChild(ctx, key, parentID, childID)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, tree.ErrConflict):
			metrics.Conflicts.WithLabelValues("append_child").Inc()
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.AppendAttempts)),
	)
	if err != nil {
		c.logger.Error("linking child failed, it stays visible as unlinked",
			zap.String("guide", key.GuideID),
			zap.String("provider", key.Provider),
			zap.String("parent", parentID),
			zap.String("node", childID),
			zap.Error(err))
	}
}
