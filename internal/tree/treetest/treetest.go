// Package treetest is a conformance suite for tree.Store implementations.
package treetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) tree.Store

// Run exercises every Store operation against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s tree.Store)
	}{
		{"GuideRoundTrip", testGuideRoundTrip},
		{"AdvanceStage", testAdvanceStage},
		{"CreateRoot", testCreateRoot},
		{"ReplaceErroredRoot", testReplaceErroredRoot},
		{"CreateChildPreconditions", testCreateChildPreconditions},
		{"CreateChildUnderErrorParent", testCreateChildUnderErrorParent},
		{"TransitionCAS", testTransitionCAS},
		{"ConcurrentTransitionSingleWinner", testConcurrentTransition},
		{"ConcurrentCreateChildUniqueIDs", testConcurrentCreateChild},
		{"ConcurrentAppendChildNoLostUpdate", testConcurrentAppendChild},
		{"AppendChildIdempotent", testAppendChildIdempotent},
		{"TreesAreDisjoint", testTreesDisjoint},
		{"Interactions", testInteractions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// NewGuide stores a guide in the research stage with the given providers.
func NewGuide(t *testing.T, s tree.Store, id string, providers ...string) *tree.Guide {
	t.Helper()
	g := &tree.Guide{
		ID:        id,
		Topic:     "renewable energy policy",
		Stage:     tree.StageResearch,
		Providers: providers,
	}
	require.NoError(t, s.CreateGuide(context.Background(), g))
	return g
}

// Complete drives a node from pending to completed with payload p.
func Complete(t *testing.T, s tree.Store, key tree.Key, id string, p *tree.Payload) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Transition(ctx, key, id, tree.StatusPending, tree.StatusInitializing, tree.Update{}))
	require.NoError(t, s.Transition(ctx, key, id, tree.StatusInitializing, tree.StatusInProgress, tree.Update{}))
	require.NoError(t, s.Transition(ctx, key, id, tree.StatusInProgress, tree.StatusCompleted, tree.Update{Payload: p}))
}

// Fail drives a node from pending to error.
func Fail(t *testing.T, s tree.Store, key tree.Key, id, detail string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Transition(ctx, key, id, tree.StatusPending, tree.StatusInitializing, tree.Update{}))
	require.NoError(t, s.Transition(ctx, key, id, tree.StatusInitializing, tree.StatusInProgress, tree.Update{}))
	require.NoError(t, s.Transition(ctx, key, id, tree.StatusInProgress, tree.StatusError, tree.Update{Error: detail}))
}

func testGuideRoundTrip(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok", "gemini")

	got, err := s.GetGuide(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "renewable energy policy", got.Topic)
	assert.Equal(t, tree.StageResearch, got.Stage)
	assert.ElementsMatch(t, []string{"grok", "gemini"}, got.Providers)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetGuide(ctx, "missing")
	assert.ErrorIs(t, err, tree.ErrNotFound)

	NewGuide(t, s, "g2", "grok")
	guides, err := s.ListGuides(ctx)
	require.NoError(t, err)
	assert.Len(t, guides, 2)
}

func testAdvanceStage(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")

	require.NoError(t, s.AdvanceStage(ctx, "g1", tree.StageResearch, tree.StageOutline))
	err := s.AdvanceStage(ctx, "g1", tree.StageResearch, tree.StageOutline)
	assert.ErrorIs(t, err, tree.ErrConflict)

	got, err := s.GetGuide(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, tree.StageOutline, got.Stage)
	require.Len(t, got.History, 1)
	assert.Equal(t, tree.StageResearch, got.History[0].From)
	assert.Equal(t, tree.StageOutline, got.History[0].To)

	err = s.AdvanceStage(ctx, "missing", tree.StageResearch, tree.StageOutline)
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testCreateRoot(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}

	id, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	assert.Equal(t, "root-1", id)

	node, err := s.GetNode(ctx, key, id)
	require.NoError(t, err)
	assert.Equal(t, tree.StatusPending, node.Status)
	assert.Equal(t, 0, node.Depth)
	assert.True(t, node.IsRoot())
	assert.Nil(t, node.Payload)
	assert.Empty(t, node.Children)

	rootID, err := s.RootID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, id, rootID)

	g, err := s.GetGuide(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, id, g.Roots["grok"])

	_, err = s.CreateRoot(ctx, key, "another topic here")
	assert.ErrorIs(t, err, tree.ErrLiveRoot)

	_, err = s.CreateRoot(ctx, tree.Key{GuideID: "missing", Provider: "grok"}, "topic")
	assert.ErrorIs(t, err, tree.ErrNotFound)

	_, err = s.RootID(ctx, tree.Key{GuideID: "g1", Provider: "gemini"})
	assert.ErrorIs(t, err, tree.ErrNotFound)
	_, err = s.GetNode(ctx, key, "node-99")
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testReplaceErroredRoot(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}

	first, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	Fail(t, s, key, first, "timeout")

	second, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	rootID, err := s.RootID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, second, rootID)

	old, err := s.GetNode(ctx, key, first)
	require.NoError(t, err)
	assert.Equal(t, tree.StatusError, old.Status)
	assert.Equal(t, "timeout", old.Error)
}

func testCreateChildPreconditions(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)

	_, err = s.CreateChild(ctx, key, "node-42", "battery storage costs")
	assert.ErrorIs(t, err, tree.ErrParentNotFound)

	_, err = s.CreateChild(ctx, key, root, "battery storage costs")
	assert.ErrorIs(t, err, tree.ErrParentBusy, "queued research counts as in flight")

	require.NoError(t, s.Transition(ctx, key, root, tree.StatusPending, tree.StatusInitializing, tree.Update{}))
	_, err = s.CreateChild(ctx, key, root, "battery storage costs")
	assert.ErrorIs(t, err, tree.ErrParentBusy)

	require.NoError(t, s.Transition(ctx, key, root, tree.StatusInitializing, tree.StatusInProgress, tree.Update{}))
	_, err = s.CreateChild(ctx, key, root, "battery storage costs")
	assert.ErrorIs(t, err, tree.ErrParentBusy)

	require.NoError(t, s.Transition(ctx, key, root, tree.StatusInProgress, tree.StatusCompleted,
		tree.Update{Payload: &tree.Payload{Summary: "ok"}}))
	child, err := s.CreateChild(ctx, key, root, "battery storage costs")
	require.NoError(t, err)

	node, err := s.GetNode(ctx, key, child)
	require.NoError(t, err)
	assert.Equal(t, root, node.ParentID)
	assert.Equal(t, 1, node.Depth)
	assert.Equal(t, tree.StatusPending, node.Status)

	parent, err := s.GetNode(ctx, key, root)
	require.NoError(t, err)
	assert.Empty(t, parent.Children, "children are linked by AppendChild only")
}

func testCreateChildUnderErrorParent(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	Fail(t, s, key, root, "timeout")

	_, err = s.CreateChild(ctx, key, root, "battery storage costs")
	assert.ErrorIs(t, err, tree.ErrParentFailed)

	nodes, err := s.ListNodes(ctx, key)
	require.NoError(t, err)
	assert.Len(t, nodes, 1, "a rejected child must not be stored")
}

func testTransitionCAS(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)

	err = s.Transition(ctx, key, root, tree.StatusInitializing, tree.StatusInProgress, tree.Update{})
	assert.ErrorIs(t, err, tree.ErrConflict)

	err = s.Transition(ctx, key, "node-404", tree.StatusPending, tree.StatusInitializing, tree.Update{})
	assert.ErrorIs(t, err, tree.ErrNotFound)

	payload := &tree.Payload{
		Summary:         "Policy overview",
		KeyPoints:       []string{"subsidies", "grid"},
		FurtherResearch: []tree.Suggestion{{Topic: "battery storage costs"}},
		WebResults:      []tree.WebResult{{Title: "A", Link: "https://example.com/a"}},
		Partial:         true,
	}
	Complete(t, s, key, root, payload)

	node, err := s.GetNode(ctx, key, root)
	require.NoError(t, err)
	assert.Equal(t, tree.StatusCompleted, node.Status)
	require.NotNil(t, node.Payload)
	assert.Equal(t, payload, node.Payload)
	assert.False(t, node.UpdatedAt.Before(node.CreatedAt))
}

func testConcurrentTransition(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, key, root, tree.StatusPending, tree.StatusInitializing, tree.Update{}))
	require.NoError(t, s.Transition(ctx, key, root, tree.StatusInitializing, tree.StatusInProgress, tree.Update{}))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &tree.Payload{Summary: fmt.Sprintf("writer-%d", i)}
			errs[i] = s.Transition(ctx, key, root, tree.StatusInProgress, tree.StatusCompleted, tree.Update{Payload: p})
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "two writers observed success")
			winner = i
			continue
		}
		require.ErrorIs(t, err, tree.ErrConflict)
	}
	require.NotEqual(t, -1, winner, "no writer succeeded")

	node, err := s.GetNode(ctx, key, root)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("writer-%d", winner), node.Payload.Summary)
}

func testConcurrentCreateChild(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	Complete(t, s, key, root, &tree.Payload{Summary: "ok"})

	const n = 10
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.CreateChild(ctx, key, root, fmt.Sprintf("subtopic %d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range ids {
		require.NoError(t, errs[i])
		require.False(t, seen[ids[i]], "duplicate id %s", ids[i])
		seen[ids[i]] = true
	}

	nodes, err := s.ListNodes(ctx, key)
	require.NoError(t, err)
	require.Len(t, nodes, n+1)
	for i := 1; i < len(nodes); i++ {
		assert.Less(t, nodes[i-1].Seq, nodes[i].Seq, "ListNodes is ordered by creation")
	}
}

func testConcurrentAppendChild(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	Complete(t, s, key, root, &tree.Payload{Summary: "ok"})

	const n = 6
	children := make([]string, n)
	for i := range children {
		children[i], err = s.CreateChild(ctx, key, root, fmt.Sprintf("subtopic %d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			for {
				err := s.AppendChild(ctx, key, root, c)
				if errors.Is(err, tree.ErrConflict) {
					time.Sleep(time.Millisecond)
					continue
				}
				assert.NoError(t, err)
				return
			}
		}(c)
	}
	wg.Wait()

	parent, err := s.GetNode(ctx, key, root)
	require.NoError(t, err)
	assert.ElementsMatch(t, children, parent.Children)

	err = s.AppendChild(ctx, key, "node-404", children[0])
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testAppendChildIdempotent(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")
	key := tree.Key{GuideID: "g1", Provider: "grok"}
	root, err := s.CreateRoot(ctx, key, "renewable energy policy")
	require.NoError(t, err)
	Complete(t, s, key, root, nil)
	a, err := s.CreateChild(ctx, key, root, "battery storage costs")
	require.NoError(t, err)
	b, err := s.CreateChild(ctx, key, root, "grid interconnects")
	require.NoError(t, err)

	require.NoError(t, s.AppendChild(ctx, key, root, b))
	require.NoError(t, s.AppendChild(ctx, key, root, a))
	require.NoError(t, s.AppendChild(ctx, key, root, b))

	parent, err := s.GetNode(ctx, key, root)
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, parent.Children)
}

func testTreesDisjoint(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok", "gemini")
	grok := tree.Key{GuideID: "g1", Provider: "grok"}
	gemini := tree.Key{GuideID: "g1", Provider: "gemini"}

	r1, err := s.CreateRoot(ctx, grok, "renewable energy policy")
	require.NoError(t, err)
	r2, err := s.CreateRoot(ctx, gemini, "renewable energy policy")
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "identifiers are only unique per tree")

	Complete(t, s, grok, r1, &tree.Payload{Summary: "grok"})
	node, err := s.GetNode(ctx, gemini, r2)
	require.NoError(t, err)
	assert.Equal(t, tree.StatusPending, node.Status)

	_, err = s.CreateChild(ctx, gemini, "node-2", "cross tree")
	assert.ErrorIs(t, err, tree.ErrParentNotFound)

	nodes, err := s.ListNodes(ctx, grok)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func testInteractions(t *testing.T, s tree.Store) {
	ctx := context.Background()
	NewGuide(t, s, "g1", "grok")

	recs := []*tree.Interaction{
		{GuideID: "g1", Provider: "grok", NodeID: "root-1", Operation: "research", Topic: "t", Tokens: 120, CostUSD: 0.01, Success: true},
		{GuideID: "g1", Provider: "grok", NodeID: "root-1", Operation: "web_search", Topic: "t", Success: false, Error: "timeout"},
	}
	for _, r := range recs {
		require.NoError(t, s.AppendInteraction(ctx, r))
		assert.NotZero(t, r.ID)
		assert.False(t, r.CreatedAt.IsZero())
	}

	got, err := s.ListInteractions(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "research", got[0].Operation)
	assert.Equal(t, 120, got[0].Tokens)
	assert.True(t, got[0].Success)
	assert.Equal(t, "timeout", got[1].Error)
	assert.Less(t, got[0].ID, got[1].ID)

	none, err := s.ListInteractions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
