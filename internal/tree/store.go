package tree

import (
	"context"
	"fmt"
)

// Store persists guides, node trees and interaction records.
//
// Node mutation goes exclusively through Transition (compare-and-swap on
// status) and AppendChild (atomic append to a parent's child list). Backends
// report transient infrastructure failures as ErrStoreUnavailable.
type Store interface {
	CreateGuide(ctx context.Context, g *Guide) error
	GetGuide(ctx context.Context, guideID string) (*Guide, error)
	ListGuides(ctx context.Context) ([]Guide, error)

	// AdvanceStage moves the guide from one stage to another only if its
	// current stage equals from. Otherwise it returns ErrConflict.
	AdvanceStage(ctx context.Context, guideID string, from, to Stage) error

	// CreateRoot creates the tree's root node in pending state. If the tree
	// already has a root that ended in error, the root pointer is swapped to
	// the new node; any other existing root yields ErrLiveRoot.
	CreateRoot(ctx context.Context, key Key, topic string) (string, error)

	// CreateChild creates a pending node whose parent is parentID. The parent
	// must be completed (see CheckParent). The child is not linked into the
	// parent's child list until AppendChild.
	CreateChild(ctx context.Context, key Key, parentID, topic string) (string, error)

	// Transition sets the node's status to `to` only if it currently equals
	// `from`, writing the update's payload and error alongside.
	Transition(ctx context.Context, key Key, nodeID string, from, to Status, u Update) error

	// AppendChild links childID at the end of parentID's child list. Linking
	// an already linked child is a no-op.
	AppendChild(ctx context.Context, key Key, parentID, childID string) error

	GetNode(ctx context.Context, key Key, nodeID string) (*Node, error)
	RootID(ctx context.Context, key Key) (string, error)

	// ListNodes returns every node of the tree ordered by creation.
	ListNodes(ctx context.Context, key Key) ([]Node, error)

	AppendInteraction(ctx context.Context, rec *Interaction) error
	ListInteractions(ctx context.Context, guideID string) ([]Interaction, error)

	Close() error
}

// NodeID formats the identifier of the seq-th node created in a tree.
// Sequence numbers are allocated by the store, one counter per tree.
func NodeID(seq int64, root bool) string {
	if root {
		return fmt.Sprintf("root-%d", seq)
	}
	return fmt.Sprintf("node-%d", seq)
}
