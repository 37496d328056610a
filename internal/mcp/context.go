package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"mnemo/internal/memerr"
)

var contextActions = []string{"get", "budget-info", "stats", "show", "refresh"}

func contextTool() mcp.Tool {
	return mcp.NewTool("memory_context",
		mcp.WithDescription("Inspect the running service. get returns the detected "+
			"project/session/agent, refresh re-detects it, stats counts stored rows, "+
			"budget-info reports cache memory accounting, show renders a human-readable "+
			"status page."),
		mcp.WithTitleAnnotation("Service Context"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("get | budget-info | stats | show | refresh")),
	)
}

func (s *Server) handleContext(ctx context.Context, p params) (any, error) {
	switch p.action() {
	case "get":
		return ok(map[string]any{"context": s.detector.Detect(ctx)})

	case "refresh":
		return ok(map[string]any{"context": s.detector.Refresh(ctx)})

	case "stats":
		st, err := s.store.GetStats()
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"stats": st})

	case "budget-info":
		return ok(s.budgetInfo())

	case "show":
		text, err := s.renderShow(ctx)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"text": text})

	default:
		return nil, memerr.InvalidAction("memory_context", p.action(), contextActions)
	}
}

func (s *Server) budgetInfo() map[string]any {
	caches := s.coord.Snapshot()
	var total int64
	for _, c := range caches {
		total += c.Bytes
	}
	limit := int64(s.cfg.Cache.TotalLimitMB) * 1024 * 1024
	var usage float64
	if limit > 0 {
		usage = float64(total) / float64(limit)
	}
	return map[string]any{
		"caches":            caches,
		"totalBytes":        total,
		"limitBytes":        limit,
		"usage":             usage,
		"pressureThreshold": s.cfg.Cache.PressureThreshold,
	}
}

// renderShow builds the status page served by `memory_context show`.
func (s *Server) renderShow(ctx context.Context) (string, error) {
	st, err := s.store.GetStats()
	if err != nil {
		return "", err
	}
	det := s.detector.Detect(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", s.cfg.Name, s.cfg.Version)

	fmt.Fprintf(&b, "Project: %s [%s]\n", orNone(det.Project.ID), orNone(det.Project.Source))
	if det.Project.Root != "" {
		fmt.Fprintf(&b, "Root:    %s\n", det.Project.Root)
	}
	fmt.Fprintf(&b, "Session: %s [%s]\n", orNone(det.Session.ID), orNone(det.Session.Source))
	fmt.Fprintf(&b, "Agent:   %s [%s]\n\n", orNone(det.Agent.ID), orNone(det.Agent.Source))

	b.WriteString("Entries:\n")
	for _, k := range []string{"guidelines", "knowledge", "tools", "experiences"} {
		fmt.Fprintf(&b, "  %-13s %d\n", k, st.Counts[k])
	}
	fmt.Fprintf(&b, "  %-13s %d\n", "conversations", st.Counts["conversations"])
	fmt.Fprintf(&b, "  %-13s %d\n", "messages", st.Counts["messages"])
	fmt.Fprintf(&b, "  %-13s %d\n", "episodes", st.Counts["episodes"])
	fmt.Fprintf(&b, "  %-13s %d\n\n", "relations", st.Counts["relations"])

	fmt.Fprintf(&b, "Database: %s, schema v%d\n", formatBytes(st.DBSizeBytes), st.SchemaVersion)
	if st.VectorExt {
		fmt.Fprintf(&b, "Vectors:  %d embeddings", st.VectorCount)
		if st.EmbeddingModel != "" {
			fmt.Fprintf(&b, " (%s, dim %d)", st.EmbeddingModel, st.EmbeddingDim)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Vectors:  extension not loaded\n")
	}
	return b.String(), nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
