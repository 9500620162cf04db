package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Coordinator owns the background research tasks of a process.
type Coordinator struct {
	machine  *tree.Machine
	store    tree.Store
	registry *provider.Registry
	budget   *semaphore.Weighted
	opts     Options
	logger   *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

// Started is the result of StartResearch: the new guide, the root node
// created for each provider and, per provider, why no root could be started.
type Started struct {
	GuideID string            `json:"guide_id"`
	Roots   map[string]string `json:"roots"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// NewCoordinator creates a coordinator. Close must be called to stop its
// background tasks.
func NewCoordinator(machine *tree.Machine, registry *provider.Registry, opts Options) *Coordinator {
	opts = opts.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		machine:  machine,
		store:    machine.Store(),
		registry: registry,
		budget:   semaphore.NewWeighted(int64(opts.MaxInFlight)),
		opts:     opts,
		logger:   opts.Logger,
		base:     base,
		cancel:   cancel,
	}
}

// Machine returns the state machine the coordinator drives.
func (c *Coordinator) Machine() *tree.Machine { return c.machine }

// Registry returns the provider registry.
func (c *Coordinator) Registry() *provider.Registry { return c.registry }

// StartResearch creates a guide for topic with one tree per provider and
// starts researching every root in the background. An empty providers list
// means every enabled provider. It returns as soon as the roots exist.
// Providers whose tree could not be started are reported in Started.Errors;
// an error is returned only when no tree could be started at all.
func (c *Coordinator) StartResearch(ctx context.Context, topic string, providers []string) (*Started, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)

	names, err := c.resolveProviders(providers)
	if err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	guide := &tree.Guide{
		ID:        uuid.NewString(),
		Topic:     topic,
		Stage:     tree.StageResearch,
		Providers: names,
	}
	if err := c.store.CreateGuide(ctx, guide); err != nil {
		return nil, fmt.Errorf("creating guide: %w", err)
	}

	started := &Started{GuideID: guide.ID, Roots: make(map[string]string, len(names))}
	var errs []error
	for _, name := range names {
		key := tree.Key{GuideID: guide.ID, Provider: name}
		rootID, err := c.store.CreateRoot(ctx, key, topic)
		if err == nil {
			err = c.launch(key, rootID, topic, nil)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("starting %s: %w", name, err))
			c.recordStartFailure(ctx, guide, name, rootID, err)
			if started.Errors == nil {
				started.Errors = make(map[string]string)
			}
			started.Errors[name] = err.Error()
			continue
		}
		started.Roots[name] = rootID
	}

	// One provider failing to start never fails the others; only a guide
	// without any running tree is an error.
	if len(started.Roots) == 0 {
		return started, errors.Join(errs...)
	}

	c.logger.Info("research started",
		zap.String("guide", guide.ID),
		zap.String("topic", topic),
		zap.Strings("providers", names),
		zap.Int("failed", len(started.Errors)))
	return started, nil
}

// recordStartFailure leaves an audit record for a provider whose tree could
// not be started, so the guide's provider list stays explainable.
func (c *Coordinator) recordStartFailure(ctx context.Context, guide *tree.Guide, name, rootID string, cause error) {
	c.logger.Error("starting provider research failed",
		zap.String("guide", guide.ID),
		zap.String("provider", name),
		zap.Error(cause))
	rec := &tree.Interaction{
		GuideID:   guide.ID,
		Provider:  name,
		NodeID:    rootID,
		Operation: provider.OpStart,
		Topic:     guide.Topic,
		Error:     cause.Error(),
	}
	if err := c.store.AppendInteraction(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("recording start failure failed", zap.String("provider", name), zap.Error(err))
	}
}

func (c *Coordinator) resolveProviders(requested []string) ([]string, error) {
	if len(requested) == 0 {
		names := c.registry.Enabled()
		if len(names) == 0 {
			return nil, ErrNoProviders
		}
		return names, nil
	}

	seen := make(map[string]bool, len(requested))
	var names []string
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		if !c.registry.IsEnabled(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

// launch starts the background task for a pending node. after, if set, runs
// once the node is terminal.
func (c *Coordinator) launch(key tree.Key, nodeID, topic string, after func(tree.Status)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tasks.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.tasks.Done()
		status := c.run(key, nodeID, topic)
		if after != nil && status.Terminal() {
			after(status)
		}
	}()
	return nil
}

// Await blocks until the node is terminal or ctx is done.
func (c *Coordinator) Await(ctx context.Context, key tree.Key, nodeID string) (*tree.Node, error) {
	return c.machine.Await(ctx, key, nodeID)
}

// Tree returns the current derived view of one provider's tree.
func (c *Coordinator) Tree(ctx context.Context, key tree.Key) (*tree.View, error) {
	return tree.Load(ctx, c.store, key)
}

// Wait blocks until every task started so far has finished. Callers must
// stop submitting work before calling it.
func (c *Coordinator) Wait() {
	c.tasks.Wait()
}

// Close stops accepting work, cancels running tasks and waits for them to
// record their terminal state.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.tasks.Wait()
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
