package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statsCmd shows store statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	Args:  noArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.store.GetStats()
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	fmt.Printf("Database: %s (%s, schema v%d)\n", cfg.DatabasePath(), humanBytes(st.DBSizeBytes), st.SchemaVersion)
	if st.VectorExt {
		fmt.Printf("Vectors:  %d indexed", st.VectorCount)
		if st.EmbeddingModel != "" {
			fmt.Printf(" (%s, %d dims)", st.EmbeddingModel, st.EmbeddingDim)
		}
		fmt.Println()
	} else {
		fmt.Println("Vectors:  extension not loaded, brute-force fallback")
	}

	fmt.Println()
	for _, k := range []string{
		"guidelines", "knowledge", "tools", "experiences",
		"conversations", "messages", "episodes",
		"tags", "relations", "file_locks", "feedback",
	} {
		fmt.Printf("  %-14s %d\n", k, st.Counts[k])
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
