package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mnemo/internal/query"
	"mnemo/internal/store"

	"github.com/spf13/cobra"
)

var (
	queryTypes    []string
	queryTags     []string
	queryProject  string
	querySession  string
	queryLimit    int
	queryOffset   int
	queryMinPrio  int
	queryInactive bool
	querySemantic bool
	queryFuzzy    bool
	queryJSON     bool
)

// queryCmd searches stored memory
var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Search stored memory",
	Long: `Searches the memory store, or lists entries when no text is given.

Scope defaults to global; --project and --session widen the walk up the
inheritance chain so narrower entries shadow broader ones.

Examples:
  mnemo query "force push" --project myapp
  mnemo query --type guideline --tag git --limit 10`,
	Args: maximumArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringSliceVar(&queryTypes, "type", nil, "Entry kinds to include (guideline, knowledge, tool, experience)")
	queryCmd.Flags().StringSliceVar(&queryTags, "tag", nil, "Require all of these tags")
	queryCmd.Flags().StringVar(&queryProject, "project", "", "Project id to scope the search")
	queryCmd.Flags().StringVar(&querySession, "session", "", "Session id to scope the search")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Max results (default from config)")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "Result offset for paging")
	queryCmd.Flags().IntVar(&queryMinPrio, "min-priority", 0, "Drop entries below this priority")
	queryCmd.Flags().BoolVar(&queryInactive, "include-inactive", false, "Include deactivated entries")
	queryCmd.Flags().BoolVar(&querySemantic, "semantic", false, "Include embedding similarity matches")
	queryCmd.Flags().BoolVar(&queryFuzzy, "fuzzy", false, "Typo-tolerant matching")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Emit the raw response as JSON")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd, timeout)
	defer cancel()

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	req := query.Request{
		Types:           queryTypes,
		Tags:            queryTags,
		MinPriority:     queryMinPrio,
		IncludeInactive: queryInactive,
		SemanticSearch:  querySemantic,
		Fuzzy:           queryFuzzy,
		Limit:           queryLimit,
		Offset:          queryOffset,
	}
	if len(args) > 0 {
		req.Action = query.ActionSearch
		req.Search = args[0]
	} else {
		req.Action = query.ActionList
	}
	switch {
	case querySession != "":
		req.Scope = query.ScopeSpec{Type: store.ScopeSession, ID: querySession, Inherit: true, ProjectID: queryProject}
	case queryProject != "":
		req.Scope = query.ScopeSpec{Type: store.ScopeProject, ID: queryProject, Inherit: true}
	}

	resp, err := svc.query.Execute(ctx, req)
	if err != nil {
		return err
	}

	if queryJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Items) == 0 {
		fmt.Println("No matching entries")
		return nil
	}
	for _, it := range resp.Items {
		line := fmt.Sprintf("%-11s %-32s [%s]", it.Kind, it.Name, scopeLabel(it.Scope))
		if it.Priority > 0 {
			line += fmt.Sprintf(" p%d", it.Priority)
		}
		if len(it.Tags) > 0 {
			line += " #" + strings.Join(it.Tags, " #")
		}
		fmt.Println(line)
		if it.Snippet != "" {
			fmt.Printf("    %s\n", it.Snippet)
		}
	}
	fmt.Printf("\n%d of %d result(s) in %dms\n", len(resp.Items), resp.Meta.TotalCount, resp.Meta.TookMS)
	return nil
}

func scopeLabel(s store.Scope) string {
	if s.ID == "" {
		return s.Type
	}
	return s.Type + ":" + s.ID
}
