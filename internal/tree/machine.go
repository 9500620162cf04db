package tree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
)

// transitions is the complete lifecycle graph. Nothing re-enters pending,
// and completed/error have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:      {StatusInitializing},
	StatusInitializing: {StatusInProgress},
	StatusInProgress:   {StatusCompleted, StatusError},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine drives node lifecycles. It validates every edge against the
// lifecycle graph before delegating to the store's compare-and-swap, and
// wakes Await callers whenever a node changes.
type Machine struct {
	store  Store
	hub    *notifier
	logger *zap.Logger
}

// NewMachine creates a state machine over store.
func NewMachine(store Store, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, hub: newNotifier(), logger: logger}
}

// Store returns the underlying store.
func (m *Machine) Store() Store {
	return m.store
}

// Advance moves a node from one status to the next. A losing writer gets
// ErrConflict and must discard whatever result it was about to write.
func (m *Machine) Advance(ctx context.Context, key Key, nodeID string, from, to Status, u Update) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	err := m.store.Transition(ctx, key, nodeID, from, to, u)
	switch {
	case err == nil:
		metrics.NodeTransitions.WithLabelValues(string(to)).Inc()
		m.hub.publish(key, nodeID)
		m.logger.Debug("node transition",
			zap.String("tree", key.String()),
			zap.String("node", nodeID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	case errors.Is(err, ErrConflict):
		metrics.Conflicts.WithLabelValues("transition").Inc()
	}
	return err
}

// Schedule marks a pending node as accepted for research.
func (m *Machine) Schedule(ctx context.Context, key Key, nodeID string) error {
	return m.Advance(ctx, key, nodeID, StatusPending, StatusInitializing, Update{})
}

// Dispatch marks that the provider call for the node has been issued.
func (m *Machine) Dispatch(ctx context.Context, key Key, nodeID string) error {
	return m.Advance(ctx, key, nodeID, StatusInitializing, StatusInProgress, Update{})
}

// Complete stores the payload and finishes the node.
func (m *Machine) Complete(ctx context.Context, key Key, nodeID string, p *Payload) error {
	return m.Advance(ctx, key, nodeID, StatusInProgress, StatusCompleted, Update{Payload: p})
}

// Fail finishes the node with a human-readable error detail.
func (m *Machine) Fail(ctx context.Context, key Key, nodeID, detail string) error {
	return m.Advance(ctx, key, nodeID, StatusInProgress, StatusError, Update{Error: detail})
}

// Await blocks until the node reaches a terminal status or ctx is done. On
// ctx expiry it returns the latest snapshot together with ctx.Err().
//
// Only transitions made through this Machine wake waiters; writes by other
// processes are picked up on the next wake-up or never, so cross-process
// callers should poll instead.
func (m *Machine) Await(ctx context.Context, key Key, nodeID string) (*Node, error) {
	for {
		ch := m.hub.watch(key, nodeID)
		node, err := m.store.GetNode(ctx, key, nodeID)
		if err != nil {
			m.hub.release(key, nodeID, ch)
			return nil, err
		}
		if node.Status.Terminal() {
			m.hub.release(key, nodeID, ch)
			return node, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			m.hub.release(key, nodeID, ch)
			return node, ctx.Err()
		}
	}
}
