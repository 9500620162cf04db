package gate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AICouncil/internal/kvstore"
	"github.com/TobiSchelling/AICouncil/internal/tree"
	"github.com/TobiSchelling/AICouncil/internal/tree/treetest"
)

func newGate(t *testing.T) (*Gate, tree.Store) {
	t.Helper()
	store, err := kvstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	treetest.NewGuide(t, store, "g1", "grok")
	return New(store, nil), store
}

func TestApproveAdvancesOneStage(t *testing.T) {
	g, store := newGate(t)
	ctx := context.Background()

	next, err := g.Approve(ctx, "g1", tree.StageResearch)
	require.NoError(t, err)
	assert.Equal(t, tree.StageOutline, next)

	guide, err := store.GetGuide(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, tree.StageOutline, guide.Stage)
	require.Len(t, guide.History, 1)
	assert.Equal(t, tree.StageResearch, guide.History[0].From)

	_, err = g.Approve(ctx, "g1", tree.StageResearch)
	assert.ErrorIs(t, err, tree.ErrConflict, "stale expected stage must not double-advance")
}

func TestConcurrentApprovalsHaveOneWinner(t *testing.T) {
	g, store := newGate(t)
	ctx := context.Background()

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Approve(ctx, "g1", tree.StageResearch)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, tree.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, conflicts)

	guide, err := store.GetGuide(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, tree.StageOutline, guide.Stage)
}

func TestApproveThroughFinalStage(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	stage := tree.StageResearch
	for stage != tree.StageComplete {
		next, err := g.Approve(ctx, "g1", stage)
		require.NoError(t, err)
		stage = next
	}
	_, err := g.Approve(ctx, "g1", tree.StageComplete)
	assert.ErrorIs(t, err, tree.ErrFinalStage)
}

func TestApproveUnknownGuideAndStage(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	_, err := g.Approve(ctx, "missing", tree.StageResearch)
	assert.ErrorIs(t, err, tree.ErrNotFound)

	_, err = g.ApproveString(ctx, "g1", "publishing")
	assert.ErrorIs(t, err, tree.ErrInvalidStage)

	next, err := g.ApproveString(ctx, "g1", "research")
	require.NoError(t, err)
	assert.Equal(t, tree.StageOutline, next)
}
