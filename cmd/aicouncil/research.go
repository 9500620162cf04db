package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/AICouncil/internal/gate"
	"github.com/TobiSchelling/AICouncil/internal/research"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

var (
	researchProviders []string
	waitTimeout       time.Duration
	expandSuggested   bool
)

func init() {
	researchCmd.Flags().StringSliceVarP(&researchProviders, "provider", "p", nil, "Providers to use (default: all enabled)")
	for _, c := range []*cobra.Command{researchCmd, expandCmd, retryCmd} {
		c.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "How long to wait for research to finish")
	}
	expandCmd.Flags().BoolVar(&expandSuggested, "all-suggested", false, "Expand every further-research suggestion of the node")

	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(guidesCmd)
	rootCmd.AddCommand(interactionsCmd)
	rootCmd.AddCommand(feedbackCmd)
}

// --- research command ---

var researchCmd = &cobra.Command{
	Use:   "research [topic]",
	Short: "Start research on a topic with every enabled provider",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		coord := newCoordinator(ctx, store)
		defer coord.Close()

		started, err := coord.StartResearch(ctx, strings.Join(args, " "), researchProviders)
		if err != nil {
			return err
		}
		fmt.Printf("Guide %s\n", started.GuideID)
		for _, p := range sortedKeys(started.Errors) {
			fmt.Printf("  %s: failed to start: %s\n", p, started.Errors[p])
		}

		var nodes []pendingNode
		for _, p := range sortedKeys(started.Roots) {
			fmt.Printf("  %s: %s\n", p, started.Roots[p])
			nodes = append(nodes, pendingNode{key: tree.Key{GuideID: started.GuideID, Provider: p}, id: started.Roots[p]})
		}
		fmt.Println()
		return awaitAndPrint(ctx, coord, nodes)
	},
}

type pendingNode struct {
	key tree.Key
	id  string
}

// awaitAndPrint waits for the nodes, then lets child links settle and prints
// each affected tree once.
func awaitAndPrint(ctx context.Context, coord *research.Coordinator, nodes []pendingNode) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	for _, n := range nodes {
		node, err := coord.Await(ctx, n.key, n.id)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("gave up waiting for %s/%s: %w", n.key, n.id, err)
			}
			return err
		}
		fmt.Printf("%s %s: %s\n", n.key.Provider, node.ID, node.Status)
	}
	coord.Wait()

	printed := make(map[tree.Key]bool)
	for _, n := range nodes {
		if printed[n.key] {
			continue
		}
		printed[n.key] = true
		view, err := coord.Tree(context.WithoutCancel(ctx), n.key)
		if err != nil {
			return err
		}
		fmt.Printf("\n== %s ==\n", n.key.Provider)
		printView(os.Stdout, view, 0)
	}
	return nil
}

// --- tree command ---

var treeCmd = &cobra.Command{
	Use:   "tree [guide-id] [provider]",
	Short: "Show the research trees of a guide",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		guide, err := store.GetGuide(ctx, args[0])
		if err != nil {
			return err
		}
		providers := guide.Providers
		if len(args) == 2 {
			providers = []string{args[1]}
		}

		fmt.Printf("%s\nStage: %s\n", guide.Topic, guide.Stage)
		for _, p := range providers {
			view, err := tree.Load(ctx, store, tree.Key{GuideID: guide.ID, Provider: p})
			if err != nil {
				return fmt.Errorf("loading %s tree: %w", p, err)
			}
			fmt.Printf("\n== %s ==\n", p)
			printView(os.Stdout, view, 0)
		}
		return nil
	},
}

func printView(w io.Writer, v *tree.View, depth int) {
	indent := strings.Repeat("  ", depth)
	marker := ""
	if !v.Linked {
		marker = " (unlinked)"
	}
	fmt.Fprintf(w, "%s- [%s] %s %s%s\n", indent, v.Status, v.ID, v.Topic, marker)
	if v.Error != "" {
		fmt.Fprintf(w, "%s    error: %s\n", indent, v.Error)
	}
	if p := v.Payload; p != nil {
		if p.Partial {
			fmt.Fprintf(w, "%s    partial: %d web results only\n", indent, len(p.WebResults))
		}
		if p.Summary != "" {
			fmt.Fprintf(w, "%s    %s\n", indent, truncate(p.Summary, 160))
		}
		if topics := p.SuggestedTopics(); len(topics) > 0 {
			fmt.Fprintf(w, "%s    further research: %s\n", indent, strings.Join(topics, "; "))
		}
	}
	for _, c := range v.Nodes {
		printView(w, c, depth+1)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- expand / retry commands ---

var expandCmd = &cobra.Command{
	Use:   "expand [guide-id] [provider] [node-id] [topic]",
	Short: "Research a subtopic under an existing node",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !expandSuggested && len(args) < 4 {
			return errors.New("a topic is required unless --all-suggested is set")
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		coord := newCoordinator(ctx, store)
		defer coord.Close()

		key := tree.Key{GuideID: args[0], Provider: args[1]}
		var ids []string
		if expandSuggested {
			ids, err = coord.ExpandSuggested(ctx, key, args[2])
		} else {
			var id string
			id, err = coord.Expand(ctx, key, args[2], strings.Join(args[3:], " "))
			if id != "" {
				ids = append(ids, id)
			}
		}
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("Nothing to expand.")
			return nil
		}

		nodes := make([]pendingNode, 0, len(ids))
		for _, id := range ids {
			fmt.Printf("Created %s\n", id)
			nodes = append(nodes, pendingNode{key: key, id: id})
		}
		return awaitAndPrint(ctx, coord, nodes)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [guide-id] [provider] [node-id]",
	Short: "Research an errored node's topic again",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		coord := newCoordinator(ctx, store)
		defer coord.Close()

		key := tree.Key{GuideID: args[0], Provider: args[1]}
		id, err := coord.Retry(ctx, key, args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Retrying as %s\n", id)
		return awaitAndPrint(ctx, coord, []pendingNode{{key: key, id: id}})
	},
}

// --- approve command ---

var approveCmd = &cobra.Command{
	Use:   "approve [guide-id] [expected-stage]",
	Short: "Advance a guide past its current stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		next, err := gate.New(store, logger).ApproveString(cmd.Context(), args[0], args[1])
		if errors.Is(err, tree.ErrConflict) {
			return fmt.Errorf("guide %s is no longer in stage %s", args[0], args[1])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Guide %s: %s -> %s\n", args[0], args[1], next)
		return nil
	},
}

// --- guides / interactions / feedback ---

var guidesCmd = &cobra.Command{
	Use:   "guides",
	Short: "List research guides",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		guides, err := store.ListGuides(cmd.Context())
		if err != nil {
			return err
		}
		if len(guides) == 0 {
			fmt.Println("No guides yet.")
			return nil
		}
		for _, g := range guides {
			fmt.Printf("%s  %-12s %s  [%s]\n", g.ID, g.Stage, g.Topic, strings.Join(g.Providers, ", "))
		}
		return nil
	},
}

var interactionsCmd = &cobra.Command{
	Use:   "interactions [guide-id]",
	Short: "List the provider calls recorded for a guide",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.ListInteractions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		var tokens int
		var cost float64
		for _, r := range recs {
			outcome := "ok"
			if !r.Success {
				outcome = "FAILED: " + truncate(r.Error, 80)
			}
			fmt.Printf("%s  %-8s %-10s %-8s %6d tok  $%.4f  %s\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.Provider, r.Operation, r.NodeID, r.Tokens, r.CostUSD, outcome)
			tokens += r.Tokens
			cost += r.CostUSD
		}
		fmt.Printf("\n%d interactions, %d tokens, $%.4f\n", len(recs), tokens, cost)
		return nil
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback [guide-id] [text]",
	Short: "Record feedback on a guide",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := research.Feedback(cmd.Context(), store, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Println("Feedback recorded.")
		return nil
	},
}
