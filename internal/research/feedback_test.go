package research

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

func TestFeedback(t *testing.T) {
	h := newHarness(t, Options{})
	h.add("providerA", succeed("x"), nil, time.Second)
	ctx := context.Background()

	started, err := h.c.StartResearch(ctx, topic, nil)
	require.NoError(t, err)
	h.c.Wait()

	rec, err := Feedback(ctx, h.store, started.GuideID, "  Focus more on Europe.  ")
	require.NoError(t, err)
	assert.Equal(t, FeedbackProvider, rec.Provider)
	assert.Equal(t, provider.OpFeedback, rec.Operation)
	assert.Equal(t, "Focus more on Europe.", rec.Response)
	assert.Zero(t, rec.Tokens)

	_, err = Feedback(ctx, h.store, started.GuideID, "")
	assert.ErrorIs(t, err, ErrEmptyFeedback)
	_, err = Feedback(ctx, h.store, "missing", "text")
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func TestSummarize(t *testing.T) {
	h := newHarness(t, Options{})
	h.add("providerA", succeed("x"), nil, time.Second)
	h.add("providerB", researchFunc(hang), nil, 20*time.Millisecond)
	ctx := context.Background()

	started, err := h.c.StartResearch(ctx, topic, nil)
	require.NoError(t, err)
	h.c.Wait()
	_, err = Feedback(ctx, h.store, started.GuideID, "looks good")
	require.NoError(t, err)

	s, err := Summarize(ctx, h.store)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Guides)
	assert.Equal(t, 1, s.Stages[tree.StageResearch])
	assert.Equal(t, 1, s.Nodes[tree.StatusCompleted])
	assert.Equal(t, 1, s.Nodes[tree.StatusError])
	assert.Equal(t, 3, s.Interactions)
	assert.Equal(t, 1, s.FailedCalls)
	assert.Greater(t, s.Tokens, 0)

	one, err := Summarize(ctx, h.store, started.GuideID)
	require.NoError(t, err)
	assert.Equal(t, s.Interactions, one.Interactions)
}
