package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mnemo/internal/consolidate"

	"github.com/spf13/cobra"
)

var consolidateJSON bool

// consolidateCmd groups related entries by embedding similarity
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Find redundant or related entries by embedding similarity",
	Long: `Maintenance passes over the embedded entries.

'similar' clusters near-duplicates within each scope so they can be
merged by hand. 'communities' detects broader topic clusters across the
whole similarity graph. Both need entries with stored embeddings.`,
}

var consolidateSimilarCmd = &cobra.Command{
	Use:   "similar",
	Short: "Group near-duplicate entries within each scope",
	Args:  noArgs,
	RunE:  runConsolidateSimilar,
}

var consolidateCommunitiesCmd = &cobra.Command{
	Use:   "communities",
	Short: "Detect topic communities across the similarity graph",
	Args:  noArgs,
	RunE:  runConsolidateCommunities,
}

func init() {
	consolidateCmd.PersistentFlags().BoolVar(&consolidateJSON, "json", false, "Emit the raw result as JSON")
}

func runConsolidateSimilar(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd, timeout)
	defer cancel()

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	groups, err := consolidate.New(svc.store, cfg.Consolidation).GroupSimilar(ctx)
	if err != nil {
		return err
	}

	if consolidateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}
	if len(groups) == 0 {
		fmt.Println("No similar groups found")
		return nil
	}
	for i, g := range groups {
		fmt.Printf("Group %d [%s] avg %.2f (%s)\n",
			i+1, scopeLabel(g.Scope), g.AvgSimilarity, strings.Join(g.DominantTypes, ", "))
		for _, m := range g.Members {
			fmt.Printf("  %-11s %s\n", m.Kind, m.ID)
		}
	}
	return nil
}

func runConsolidateCommunities(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd, timeout)
	defer cancel()

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := consolidate.New(svc.store, cfg.Consolidation).DetectCommunities(ctx)
	if err != nil {
		return err
	}

	if consolidateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Printf("%d communit(ies) in %d iteration(s)", len(res.Communities), res.Iterations)
	if !res.Converged {
		fmt.Print(" - iteration cap hit before convergence")
	}
	fmt.Println()
	for i, c := range res.Communities {
		fmt.Printf("Community %d (%d members)\n", i+1, len(c.Members))
		for _, m := range c.Members {
			fmt.Printf("  %-11s %s\n", m.Kind, m.ID)
		}
	}
	return nil
}
