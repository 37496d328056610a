package main

import (
	"fmt"
	"io"
	"os"

	"mnemo/internal/consolidate"

	"github.com/spf13/cobra"
)

var (
	exportLimit int
	exportOut   string
)

// exportDPOCmd turns classifier feedback into preference pairs
var exportDPOCmd = &cobra.Command{
	Use:   "export-dpo",
	Short: "Export classifier feedback as DPO preference pairs",
	Long: `Builds JSONL preference records from stored classification feedback.

Feedback rows bucket by their state key; within a bucket, every pair of
responses whose rewards differ enough becomes one {prompt, chosen,
rejected} record. Too few pairs fails the run without partial output.`,
	Args: noArgs,
	RunE: runExportDPO,
}

func init() {
	exportDPOCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Max feedback rows to read")
	exportDPOCmd.Flags().StringVar(&exportOut, "out", "", "Output file (default stdout)")
}

func runExportDPO(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	cons := consolidate.New(svc.store, cfg.Consolidation)
	examples, err := cons.ExamplesFromFeedback(exportLimit)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	report, err := cons.ExportDPO(examples, w)
	if err != nil {
		return err
	}
	if !report.Success {
		return fmt.Errorf("export failed: %s", report.Error)
	}

	// Report on stderr so piped JSONL stays clean.
	fmt.Fprintf(os.Stderr, "Wrote %d pair(s) from %d bucket(s), %d example(s) skipped\n",
		report.Pairs, report.Buckets, report.Skipped)
	return nil
}
