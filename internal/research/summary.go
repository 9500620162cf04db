package research

import (
	"context"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Summary aggregates counts across guides for status displays.
type Summary struct {
	Guides       int                 `json:"guides"`
	Stages       map[tree.Stage]int  `json:"stages"`
	Nodes        map[tree.Status]int `json:"nodes"`
	Interactions int                 `json:"interactions"`
	FailedCalls  int                 `json:"failed_calls"`
	Tokens       int                 `json:"tokens"`
	CostUSD      float64             `json:"cost_usd"`
}

// Summarize counts nodes and interactions of the given guides, or of every
// guide when none are named.
func Summarize(ctx context.Context, store tree.Store, guideIDs ...string) (*Summary, error) {
	var guides []tree.Guide
	if len(guideIDs) == 0 {
		all, err := store.ListGuides(ctx)
		if err != nil {
			return nil, err
		}
		guides = all
	} else {
		for _, id := range guideIDs {
			g, err := store.GetGuide(ctx, id)
			if err != nil {
				return nil, err
			}
			guides = append(guides, *g)
		}
	}

	s := &Summary{
		Guides: len(guides),
		Stages: make(map[tree.Stage]int),
		Nodes:  make(map[tree.Status]int),
	}
	for _, g := range guides {
		s.Stages[g.Stage]++
		for provider := range g.Roots {
			nodes, err := store.ListNodes(ctx, tree.Key{GuideID: g.ID, Provider: provider})
			if err != nil {
				return nil, err
			}
			for _, n := range nodes {
				s.Nodes[n.Status]++
			}
		}

		recs, err := store.ListInteractions(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			s.Interactions++
			if !r.Success {
				s.FailedCalls++
			}
			s.Tokens += r.Tokens
			s.CostUSD += r.CostUSD
		}
	}
	return s, nil
}
