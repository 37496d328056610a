package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"mnemo/internal/query"
	"mnemo/internal/store"
)

func queryTool() mcp.Tool {
	return mcp.NewTool("memory_query",
		mcp.WithDescription("Search, list, or graph-expand stored memory. Search blends keyword "+
			"and semantic matching with priority and freshness; list filters a repository; "+
			"related walks the relation graph from an anchor entry. The action is inferred "+
			"when omitted: search text implies search, relatedTo implies related, otherwise list."),
		mcp.WithTitleAnnotation("Query Memory"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("action",
			mcp.Description("search | list | related (inferred when omitted)")),
		mcp.WithString("search",
			mcp.Description("Search text, keywords or natural language")),
		mcp.WithArray("types",
			mcp.Description("Entry kinds to include: guideline, knowledge, tool, experience"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("tags",
			mcp.Description("Require all of these tags"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("scope",
			mcp.Description("Scope selector {type, id, inherit, projectId, orgId}; inherit walks session, project, org, then global")),
		mcp.WithNumber("minPriority",
			mcp.Description("Minimum priority 0-100")),
		mcp.WithNumber("atTime",
			mcp.Description("Epoch ms instant for temporal knowledge filtering")),
		mcp.WithBoolean("includeInactive",
			mcp.Description("Include deactivated entries")),
		mcp.WithBoolean("semanticSearch",
			mcp.Description("Blend vector similarity into ranking")),
		mcp.WithBoolean("fuzzy",
			mcp.Description("Tolerate typos in keyword matching")),
		mcp.WithObject("relatedTo",
			mcp.Description("Graph anchor {type, id, relation?, direction?, maxDepth?}")),
		mcp.WithNumber("limit",
			mcp.Description("Page size, default 20, max 100")),
		mcp.WithNumber("offset",
			mcp.Description("Pagination offset")),
		mcp.WithBoolean("compact",
			mcp.Description("Omit full entry bodies from items")),
	)
}

// handleQuery decodes the request once at the edge, then routes scope
// hints from the enriched params. Scope lineage is not persisted, so a
// session-scoped inherit needs the current projectId to climb past the
// session level.
func (s *Server) handleQuery(ctx context.Context, p params) (any, error) {
	var req query.Request
	if err := decode(p, &req); err != nil {
		return nil, err
	}

	if req.Scope.Type == "" && req.Scope.ID == "" {
		if pid := p.str("projectId"); pid != "" {
			req.Scope = query.ScopeSpec{Type: store.ScopeProject, ID: pid, Inherit: true}
		}
	} else if req.Scope.Type == store.ScopeSession && req.Scope.Inherit && req.Scope.ProjectID == "" {
		req.Scope.ProjectID = p.str("projectId")
	}

	resp, err := s.query.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return ok(resp)
}
