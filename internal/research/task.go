package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

const shutdownDetail = "research cancelled: coordinator shut down before the task started"

// run drives one node from pending to a terminal status and returns the
// status it ended in, or "" when this task did not own the node.
func (c *Coordinator) run(key tree.Key, nodeID, topic string) tree.Status {
	logger := c.logger.With(
		zap.String("guide", key.GuideID),
		zap.String("provider", key.Provider),
		zap.String("node", nodeID))
	// Status writes must land even after Close cancelled the base context.
	write := context.WithoutCancel(c.base)

	if err := c.budget.Acquire(c.base, 1); err != nil {
		return c.abandon(write, key, nodeID, logger)
	}
	defer c.budget.Release(1)
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	if !c.start(write, key, nodeID, logger) {
		return ""
	}

	var (
		payload *tree.Payload
		err     error
	)
	if a, ok := c.registry.Get(key.Provider); ok {
		payload, err = c.gather(provider.WithScope(c.base, key.GuideID, nodeID), a, topic, logger)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnknownProvider, key.Provider)
	}
	return c.finish(write, key, nodeID, payload, err, logger)
}

// start moves the node through initializing to in_progress. A conflict means
// another task owns the node and this one must stop.
func (c *Coordinator) start(ctx context.Context, key tree.Key, nodeID string, logger *zap.Logger) bool {
	if err := c.machine.Schedule(ctx, key, nodeID); err != nil {
		c.logOwnership(logger, "schedule", err)
		return false
	}
	if err := c.machine.Dispatch(ctx, key, nodeID); err != nil {
		c.logOwnership(logger, "dispatch", err)
		return false
	}
	return true
}

func (c *Coordinator) logOwnership(logger *zap.Logger, step string, err error) {
	if errors.Is(err, tree.ErrConflict) {
		logger.Debug("node owned by another task", zap.String("step", step))
		return
	}
	logger.Error("node transition failed", zap.String("step", step), zap.Error(err))
}

// gather runs research and web search in parallel and merges the outcomes.
func (c *Coordinator) gather(ctx context.Context, a *provider.Adapter, topic string, logger *zap.Logger) (*tree.Payload, error) {
	var (
		payload     *tree.Payload
		researchErr error
		web         []tree.WebResult
		webErr      error
	)
	var g errgroup.Group
	g.Go(func() error {
		payload, researchErr = c.research(ctx, a, topic, logger)
		return nil
	})
	if a.HasSearch() {
		g.Go(func() error {
			web, webErr = a.WebSearch(ctx, topic)
			return nil
		})
	} else {
		webErr = provider.ErrNoSearch
	}
	_ = g.Wait()

	if webErr != nil && !errors.Is(webErr, provider.ErrNoSearch) {
		logger.Warn("web search failed", zap.Error(webErr))
	}
	return Merge(payload, researchErr, web, webErr)
}

// research calls the provider, retrying provider errors with backoff.
// Timeouts and cancellation end the attempt loop.
func (c *Coordinator) research(ctx context.Context, a *provider.Adapter, topic string, logger *zap.Logger) (*tree.Payload, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBackoff

	return backoff.Retry(ctx, func() (*tree.Payload, error) {
		p, err := a.Research(ctx, topic)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil || errors.Is(err, provider.ErrProviderTimeout) || !errors.Is(err, provider.ErrProviderFailed) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.ProviderAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("research failed, retrying", zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

// finish writes the terminal status. Losing the race means another writer
// already finished the node; the result is discarded.
func (c *Coordinator) finish(ctx context.Context, key tree.Key, nodeID string, payload *tree.Payload, researchErr error, logger *zap.Logger) tree.Status {
	status, outcome := tree.StatusCompleted, "completed"
	var err error
	if researchErr != nil {
		status, outcome = tree.StatusError, "error"
		if errors.Is(researchErr, provider.ErrProviderTimeout) {
			outcome = "timeout"
		}
		err = c.machine.Fail(ctx, key, nodeID, researchErr.Error())
	} else {
		if payload.Partial {
			outcome = "partial"
		}
		err = c.machine.Complete(ctx, key, nodeID, payload)
	}

	switch {
	case err == nil:
		logger.Info("research finished", zap.String("status", string(status)), zap.NamedError("cause", researchErr))
	case errors.Is(err, tree.ErrConflict):
		logger.Warn("node finished by another writer, discarding result")
		outcome = "discarded"
		status = ""
		if n, gerr := c.store.GetNode(ctx, key, nodeID); gerr == nil && n.Status.Terminal() {
			status = n.Status
		}
	default:
		logger.Error("recording research result failed", zap.Error(err))
		outcome, status = "store_error", ""
	}
	metrics.ResearchTasks.WithLabelValues(key.Provider, outcome).Inc()
	return status
}

// abandon fails a node whose task never got a budget slot because the
// coordinator is shutting down.
func (c *Coordinator) abandon(ctx context.Context, key tree.Key, nodeID string, logger *zap.Logger) tree.Status {
	if !c.start(ctx, key, nodeID, logger) {
		return ""
	}
	if err := c.machine.Fail(ctx, key, nodeID, shutdownDetail); err != nil {
		c.logOwnership(logger, "abandon", err)
		return ""
	}
	metrics.ResearchTasks.WithLabelValues(key.Provider, "abandoned").Inc()
	return tree.StatusError
}
