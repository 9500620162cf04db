// Package gate advances a guide through its macro stages. Approval is a
// compare-and-swap on the guide's stage, so two callers approving the same
// stage cannot both succeed.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Gate applies stage approvals for guides held in a tree.Store.
type Gate struct {
	store  tree.Store
	logger *zap.Logger
}

// New returns a Gate over store. A nil logger discards output.
func New(store tree.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, logger: logger}
}

// Approve moves the guide from expected to the following stage and returns
// that stage. It fails with tree.ErrConflict if the guide is no longer in
// expected, and with tree.ErrFinalStage when expected is the last stage.
func (g *Gate) Approve(ctx context.Context, guideID string, expected tree.Stage) (tree.Stage, error) {
	next, err := expected.Next()
	if err != nil {
		metrics.StageApprovals.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("approving %s: %w", expected, err)
	}

	err = g.store.AdvanceStage(ctx, guideID, expected, next)
	switch {
	case err == nil:
		metrics.StageApprovals.WithLabelValues("approved").Inc()
		g.logger.Info("stage approved",
			zap.String("guide", guideID),
			zap.String("from", string(expected)),
			zap.String("to", string(next)))
		return next, nil
	case errors.Is(err, tree.ErrConflict):
		metrics.StageApprovals.WithLabelValues("conflict").Inc()
		metrics.Conflicts.WithLabelValues("advance_stage").Inc()
	default:
		metrics.StageApprovals.WithLabelValues("error").Inc()
	}
	return "", err
}

// ApproveString parses expected before approving.
func (g *Gate) ApproveString(ctx context.Context, guideID, expected string) (tree.Stage, error) {
	stage, err := tree.ParseStage(expected)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, expected)
	}
	return g.Approve(ctx, guideID, stage)
}
