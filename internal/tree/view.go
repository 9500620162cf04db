package tree

import (
	"context"
	"fmt"
)

// View is the materialized tree derived from the flat node table. Linked
// children come first in append order; children that exist but are not yet
// linked (their research is still running) follow in creation order.
type View struct {
	*Node
	Linked bool    `json:"linked"`
	Nodes  []*View `json:"nodes"`
}

// Build derives the view rooted at rootID from a tree's flat node list.
func Build(nodes []Node, rootID string) (*View, error) {
	byID := make(map[string]*Node, len(nodes))
	byParent := make(map[string][]*Node)
	for i := range nodes {
		n := &nodes[i]
		byID[n.ID] = n
		if n.ParentID != "" {
			byParent[n.ParentID] = append(byParent[n.ParentID], n)
		}
	}

	root, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("root %s: %w", rootID, ErrNotFound)
	}

	visited := make(map[string]bool, len(nodes))
	var build func(n *Node, linked bool) *View
	build = func(n *Node, linked bool) *View {
		visited[n.ID] = true
		v := &View{Node: n, Linked: linked, Nodes: []*View{}}
		for _, id := range n.Children {
			child, ok := byID[id]
			if !ok || visited[id] {
				continue
			}
			v.Nodes = append(v.Nodes, build(child, true))
		}
		for _, child := range byParent[n.ID] {
			if visited[child.ID] {
				continue
			}
			v.Nodes = append(v.Nodes, build(child, false))
		}
		return v
	}
	return build(root, true), nil
}

// Load reads a tree from the store and builds its view from the current root.
func Load(ctx context.Context, store Store, key Key) (*View, error) {
	rootID, err := store.RootID(ctx, key)
	if err != nil {
		return nil, err
	}
	nodes, err := store.ListNodes(ctx, key)
	if err != nil {
		return nil, err
	}
	return Build(nodes, rootID)
}

// Walk visits v and every descendant depth-first.
func (v *View) Walk(fn func(*View)) {
	fn(v)
	for _, c := range v.Nodes {
		c.Walk(fn)
	}
}

// Count returns the number of nodes per status in the view.
func (v *View) Count() map[Status]int {
	counts := make(map[Status]int)
	v.Walk(func(n *View) { counts[n.Status]++ })
	return counts
}
