package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"mnemo/internal/capture"
	"mnemo/internal/store"

	"github.com/spf13/cobra"
)

var (
	sweepConversation string
	sweepProject      string
	sweepSession      string
	sweepStore        bool
	sweepAgent        string
	sweepJSON         bool
)

// sweepCmd mines a conversation transcript for entries worth keeping
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mine a stored conversation for entries worth keeping",
	Long: `Runs extraction over a conversation transcript, drops low-confidence
and duplicate candidates, and reports what the session missed.

Pass --store to write the surviving candidates as auto-detected entries.`,
	Args: noArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&sweepConversation, "conversation", "", "Conversation id to sweep (required)")
	sweepCmd.Flags().StringVar(&sweepProject, "project", "", "Store candidates under this project scope")
	sweepCmd.Flags().StringVar(&sweepSession, "session", "", "Store candidates under this session scope")
	sweepCmd.Flags().BoolVar(&sweepStore, "store", false, "Store surviving candidates instead of only reporting them")
	sweepCmd.Flags().StringVar(&sweepAgent, "agent", "", "Acting agent id")
	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "Emit the raw result as JSON")
}

func runSweep(cmd *cobra.Command, args []string) error {
	if sweepConversation == "" {
		return usageError{errors.New("--conversation is required")}
	}

	ctx, cancel := signalContext(cmd, timeout)
	defer cancel()

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	scope := store.Scope{Type: store.ScopeGlobal}
	switch {
	case sweepSession != "":
		scope = store.Scope{Type: store.ScopeSession, ID: sweepSession}
	case sweepProject != "":
		scope = store.Scope{Type: store.ScopeProject, ID: sweepProject}
	}

	res := svc.capture.SweepConversation(ctx, capture.SweepRequest{
		ConversationID: sweepConversation,
		Scope:          scope,
		AutoStore:      sweepStore,
		Actor:          sweepAgent,
	})

	if sweepJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if !res.Success {
		return fmt.Errorf("sweep failed: %s", res.Error)
	}

	fmt.Printf("Extracted %d candidate(s): %d stored, %d duplicate(s), %d below threshold (%dms)\n",
		res.TotalExtracted, len(res.Stored), res.DuplicatesFiltered, res.BelowThreshold, res.ProcessingTimeMS)
	for _, c := range res.MissedEntries {
		fmt.Printf("  %-11s %.2f %s\n", c.Kind, c.Confidence, c.Title)
	}
	return nil
}
