package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"mnemo/internal/capture"
	"mnemo/internal/memerr"
)

func rememberTool() mcp.Tool {
	return mcp.NewTool("memory_remember",
		mcp.WithDescription("Store a free-form observation. The text is classified into a "+
			"guideline, knowledge, tool, or experience entry, titled, tagged, and routed to "+
			"the matching repository. Low-confidence classifications are reported back "+
			"instead of stored; pass forceType to override."),
		mcp.WithTitleAnnotation("Remember"),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The observation to remember")),
		mcp.WithString("forceType",
			mcp.Description("Skip classification: guideline | knowledge | tool | experience")),
		mcp.WithBoolean("preferLLM",
			mcp.Description("Prefer model-backed classification over heuristics when available")),
		mcp.WithNumber("priority",
			mcp.Description("Priority 0-100 for the stored entry")),
		mcp.WithArray("tags",
			mcp.Description("Extra tags merged with extracted ones"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("scope",
			mcp.Description("Scope selector {type, id}; defaults to the detected project or global")),
		mcp.WithString("source",
			mcp.Description("Where the observation came from")),
	)
}

func (s *Server) handleRemember(ctx context.Context, p params) (any, error) {
	sc := scopeOf(p)
	agent := p.str("agentId")
	if err := requireWriteAgent(sc, agent); err != nil {
		return nil, err
	}
	if pr := p.integer("priority"); pr < 0 || pr > 100 {
		return nil, memerr.Validationf("priority must be within [0, 100], got %d", pr)
	}

	resp, err := s.capture.Remember(ctx, capture.RememberRequest{
		Text:      p.str("text"),
		ForceType: p.str("forceType"),
		PreferLLM: p.boolean("preferLLM"),
		Scope:     sc,
		Tags:      p.strs("tags"),
		Priority:  p.integer("priority"),
		Source:    p.str("source"),
		Actor:     agent,
	})
	if err != nil {
		return nil, err
	}
	return ok(resp)
}
