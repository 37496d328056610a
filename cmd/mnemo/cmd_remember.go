package main

import (
	"fmt"
	"strings"

	"mnemo/internal/capture"
	"mnemo/internal/store"

	"github.com/spf13/cobra"
)

var (
	rememberType    string
	rememberPrio    int
	rememberTags    []string
	rememberProject string
	rememberSession string
	rememberSource  string
	rememberAgent   string
	rememberLLM     bool
)

// rememberCmd classifies and stores a memory
var rememberCmd = &cobra.Command{
	Use:   "remember [text]",
	Short: "Classify free text and store it as a memory",
	Long: `Classifies the text into guideline, knowledge, tool or experience and
stores it when the classifier is confident enough.

Pass --type to skip classification and force the kind. Text that reads
like an outcome ("tried X, worked because Y") is redirected to
experience capture with the outcome parsed out.

Examples:
  mnemo remember "Always run gofmt before committing" --type guideline
  mnemo remember "Tried bun instead of npm, 3x faster installs" --project myapp`,
	Args: minimumArgs(1),
	RunE: runRemember,
}

func init() {
	rememberCmd.Flags().StringVar(&rememberType, "type", "", "Skip classification and store as this kind")
	rememberCmd.Flags().IntVar(&rememberPrio, "priority", 0, "Priority 0-100")
	rememberCmd.Flags().StringSliceVar(&rememberTags, "tag", nil, "Tags to attach")
	rememberCmd.Flags().StringVar(&rememberProject, "project", "", "Store under this project scope")
	rememberCmd.Flags().StringVar(&rememberSession, "session", "", "Store under this session scope")
	rememberCmd.Flags().StringVar(&rememberSource, "source", "", "Where the text came from")
	rememberCmd.Flags().StringVar(&rememberAgent, "agent", "", "Acting agent id")
	rememberCmd.Flags().BoolVar(&rememberLLM, "llm", false, "Prefer the LLM classifier over patterns")
}

func runRemember(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd, timeout)
	defer cancel()

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	scope := store.Scope{Type: store.ScopeGlobal}
	switch {
	case rememberSession != "":
		scope = store.Scope{Type: store.ScopeSession, ID: rememberSession}
	case rememberProject != "":
		scope = store.Scope{Type: store.ScopeProject, ID: rememberProject}
	}

	resp, err := svc.capture.Remember(ctx, capture.RememberRequest{
		Text:      strings.Join(args, " "),
		ForceType: rememberType,
		PreferLLM: rememberLLM,
		Scope:     scope,
		Tags:      rememberTags,
		Priority:  rememberPrio,
		Source:    rememberSource,
		Actor:     rememberAgent,
	})
	if err != nil {
		return err
	}

	if !resp.Stored {
		fmt.Printf("Not stored: %s\n", resp.Notice)
		fmt.Printf("  classified as %s (confidence %.2f, %s)\n", resp.Kind, resp.Confidence, resp.Method)
		return nil
	}
	fmt.Printf("Stored %s %s\n", resp.Kind, resp.EntryID)
	if resp.Title != "" {
		fmt.Printf("  title:      %s\n", resp.Title)
	}
	fmt.Printf("  confidence: %.2f (%s)\n", resp.Confidence, resp.Method)
	return nil
}
