package mcp

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

var (
	entryActions     = []string{"add", "get", "list", "update", "deactivate", "delete"}
	toolEntryActions = []string{"add", "get", "list", "update", "deactivate", "delete", "add_version"}
)

// entryTool assembles the schema shared by the four entry tools. Kind
// specific fields come in through extra.
func entryTool(name, title, desc string, actions []string, extra ...mcp.ToolOption) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(desc),
		mcp.WithTitleAnnotation(title),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description(strings.Join(actions, " | "))),
		mcp.WithString("id",
			mcp.Description("Entry id, the preferred handle for get/update/deactivate/delete")),
		mcp.WithObject("scope",
			mcp.Description("Scope selector {type, id}; defaults to the detected project or global")),
		mcp.WithArray("tags",
			mcp.Description("Tags to store, or the all-of filter for list"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("priority",
			mcp.Description("Priority 0-100")),
		mcp.WithObject("metadata",
			mcp.Description("Free-form metadata stored with the entry")),
		mcp.WithNumber("minPriority",
			mcp.Description("List filter, minimum priority")),
		mcp.WithBoolean("includeInactive",
			mcp.Description("List filter, include deactivated entries")),
		mcp.WithNumber("limit",
			mcp.Description("List page size")),
		mcp.WithNumber("offset",
			mcp.Description("List pagination offset")),
	}
	return mcp.NewTool(name, append(opts, extra...)...)
}

func guidelineTool() mcp.Tool {
	return entryTool("memory_guideline", "Guidelines",
		"Manage rules and conventions the agent should follow. Names are unique per "+
			"scope; get accepts an id or a name within the given scope.",
		entryActions,
		mcp.WithString("name",
			mcp.Description("Unique name within the scope, also the lookup handle when id is omitted")),
		mcp.WithString("content",
			mcp.Description("The rule text")),
		mcp.WithString("category",
			mcp.Description("Free-form grouping label")),
		mcp.WithString("rationale",
			mcp.Description("Why the rule exists")),
		mcp.WithArray("examples",
			mcp.Description("Worked examples of the rule"),
			mcp.Items(map[string]any{"type": "string"})),
	)
}

func knowledgeTool() mcp.Tool {
	return entryTool("memory_knowledge", "Knowledge",
		"Manage stored facts, decisions, and references. Titles are unique per scope; "+
			"get accepts an id or a title within the given scope. validFrom/validUntil "+
			"bound temporal validity, zero means unbounded.",
		entryActions,
		mcp.WithString("title",
			mcp.Description("Unique title within the scope, also the lookup handle when id is omitted")),
		mcp.WithString("content",
			mcp.Description("The fact or decision body")),
		mcp.WithString("category",
			mcp.Description("decision | fact | context | reference | architecture (default fact)")),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence 0-1, default 0.8")),
		mcp.WithString("source",
			mcp.Description("Where the knowledge came from")),
		mcp.WithNumber("validFrom",
			mcp.Description("Epoch ms the knowledge becomes valid")),
		mcp.WithNumber("validUntil",
			mcp.Description("Epoch ms the knowledge expires")),
		mcp.WithNumber("atTime",
			mcp.Description("List filter, only entries valid at this epoch ms instant")),
	)
}

func toolTool() mcp.Tool {
	return entryTool("memory_tool", "Tool Registry",
		"Manage descriptions of commands and utilities the agent can reach for. Names "+
			"are unique per scope; get accepts an id or a name within the given scope. "+
			"add_version appends to the version chain and repoints currentVersion.",
		toolEntryActions,
		mcp.WithString("name",
			mcp.Description("Unique name within the scope, also the lookup handle when id is omitted")),
		mcp.WithString("description",
			mcp.Description("What the tool does")),
		mcp.WithString("usage",
			mcp.Description("Invocation syntax or calling convention")),
		mcp.WithArray("examples",
			mcp.Description("Worked invocations"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("category",
			mcp.Description("mcp | cli | function | api (default cli)")),
		mcp.WithString("version",
			mcp.Description("Version string for add_version")),
		mcp.WithString("notes",
			mcp.Description("Release notes for add_version")),
	)
}

func experienceTool() mcp.Tool {
	return entryTool("memory_experience", "Experiences",
		"Manage lessons learned from concrete situations. Titles are unique per scope; "+
			"get accepts an id or a title within the given scope. Outcome is "+
			"success|partial|failure|abandoned, optionally followed by ' - qualifier'.",
		entryActions,
		mcp.WithString("title",
			mcp.Description("Unique title within the scope, also the lookup handle when id is omitted")),
		mcp.WithString("scenario",
			mcp.Description("The situation that was faced")),
		mcp.WithString("outcome",
			mcp.Description("success | partial | failure | abandoned, with an optional ' - qualifier'; also a list filter")),
		mcp.WithString("learnings",
			mcp.Description("What to do differently next time")),
		mcp.WithString("category",
			mcp.Description("Free-form grouping label")),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence 0-1, default 0.8")),
		mcp.WithBoolean("autoDetected",
			mcp.Description("List filter, only auto-captured (true) or manual (false) experiences")),
	)
}

// entryFilter maps list params onto the store filter. The scope filter is
// only set when the caller named one, so bare lists span every scope.
func entryFilter(p params) store.EntryFilter {
	f := store.EntryFilter{
		Category:        p.str("category"),
		Tags:            p.strs("tags"),
		MinPriority:     p.integer("minPriority"),
		IncludeInactive: p.boolean("includeInactive"),
		CreatedAfter:    p.i64("createdAfter"),
		CreatedBefore:   p.i64("createdBefore"),
		AtTime:          p.i64("atTime"),
		Outcome:         p.str("outcome"),
		AutoDetected:    p.boolPtr("autoDetected"),
		Limit:           p.integer("limit"),
		Offset:          p.integer("offset"),
	}
	if p.hasScope() {
		f.Scopes = []store.Scope{scopeOf(p)}
	}
	return f
}

func (s *Server) lookupGuideline(p params) (*store.Guideline, error) {
	if id := p.str("id"); id != "" {
		return s.store.GetGuideline(id)
	}
	if name := p.str("name"); name != "" {
		return s.store.GetGuidelineByName(name, scopeOf(p))
	}
	return nil, memerr.Validation("an id or a name is required")
}

// writableGuideline resolves the entry and checks the caller may write to
// the scope it actually lives in, not the scope named in the params.
func (s *Server) writableGuideline(p params) (*store.Guideline, error) {
	g, err := s.lookupGuideline(p)
	if err != nil {
		return nil, err
	}
	if err := requireWriteAgent(g.Scope, p.str("agentId")); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Server) handleGuideline(ctx context.Context, p params) (any, error) {
	agent := p.str("agentId")
	switch p.action() {
	case "add":
		sc := scopeOf(p)
		if err := requireWriteAgent(sc, agent); err != nil {
			return nil, err
		}
		g, err := s.store.CreateGuideline(&store.Guideline{
			Name:      p.str("name"),
			Content:   p.str("content"),
			Category:  p.str("category"),
			Priority:  p.integer("priority"),
			Rationale: p.str("rationale"),
			Examples:  p.strs("examples"),
			Scope:     sc,
			Metadata:  p.object("metadata"),
			Tags:      p.strs("tags"),
			CreatedBy: agent,
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"guideline": g})

	case "get":
		g, err := s.lookupGuideline(p)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"guideline": g})

	case "list":
		gs, err := s.store.ListGuidelines(entryFilter(p))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"guidelines": gs, "count": len(gs)})

	case "update":
		g, err := s.writableGuideline(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.UpdateGuideline(g.ID, store.GuidelineUpdate{
			Name:      p.strPtr("name"),
			Content:   p.strPtr("content"),
			Category:  p.strPtr("category"),
			Priority:  p.intPtr("priority"),
			Rationale: p.strPtr("rationale"),
			Examples:  p.strsPtr("examples"),
			Metadata:  p.objectPtr("metadata"),
			Tags:      p.strsPtr("tags"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"guideline": out})

	case "deactivate":
		g, err := s.writableGuideline(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetGuidelineActive(g.ID, false, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": g.ID, "active": false})

	case "delete":
		g, err := s.writableGuideline(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteGuideline(g.ID, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": g.ID, "deleted": true})

	default:
		return nil, memerr.InvalidAction("memory_guideline", p.action(), entryActions)
	}
}

func (s *Server) lookupKnowledge(p params) (*store.Knowledge, error) {
	if id := p.str("id"); id != "" {
		return s.store.GetKnowledge(id)
	}
	if title := p.str("title"); title != "" {
		return s.store.GetKnowledgeByTitle(title, scopeOf(p))
	}
	return nil, memerr.Validation("an id or a title is required")
}

func (s *Server) writableKnowledge(p params) (*store.Knowledge, error) {
	k, err := s.lookupKnowledge(p)
	if err != nil {
		return nil, err
	}
	if err := requireWriteAgent(k.Scope, p.str("agentId")); err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Server) handleKnowledge(ctx context.Context, p params) (any, error) {
	agent := p.str("agentId")
	switch p.action() {
	case "add":
		sc := scopeOf(p)
		if err := requireWriteAgent(sc, agent); err != nil {
			return nil, err
		}
		k, err := s.store.CreateKnowledge(&store.Knowledge{
			Title:      p.str("title"),
			Content:    p.str("content"),
			Category:   p.str("category"),
			Confidence: p.f64("confidence"),
			Source:     p.str("source"),
			Priority:   p.integer("priority"),
			ValidFrom:  p.i64("validFrom"),
			ValidUntil: p.i64("validUntil"),
			Scope:      sc,
			Metadata:   p.object("metadata"),
			Tags:       p.strs("tags"),
			CreatedBy:  agent,
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"knowledge": k})

	case "get":
		k, err := s.lookupKnowledge(p)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"knowledge": k})

	case "list":
		ks, err := s.store.ListKnowledge(entryFilter(p))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"knowledge": ks, "count": len(ks)})

	case "update":
		k, err := s.writableKnowledge(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.UpdateKnowledge(k.ID, store.KnowledgeUpdate{
			Title:      p.strPtr("title"),
			Content:    p.strPtr("content"),
			Category:   p.strPtr("category"),
			Confidence: p.f64Ptr("confidence"),
			Source:     p.strPtr("source"),
			Priority:   p.intPtr("priority"),
			ValidFrom:  p.i64Ptr("validFrom"),
			ValidUntil: p.i64Ptr("validUntil"),
			Metadata:   p.objectPtr("metadata"),
			Tags:       p.strsPtr("tags"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"knowledge": out})

	case "deactivate":
		k, err := s.writableKnowledge(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetKnowledgeActive(k.ID, false, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": k.ID, "active": false})

	case "delete":
		k, err := s.writableKnowledge(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteKnowledge(k.ID, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": k.ID, "deleted": true})

	default:
		return nil, memerr.InvalidAction("memory_knowledge", p.action(), entryActions)
	}
}

func (s *Server) lookupTool(p params) (*store.Tool, error) {
	if id := p.str("id"); id != "" {
		return s.store.GetTool(id)
	}
	if name := p.str("name"); name != "" {
		return s.store.GetToolByName(name, scopeOf(p))
	}
	return nil, memerr.Validation("an id or a name is required")
}

func (s *Server) writableTool(p params) (*store.Tool, error) {
	t, err := s.lookupTool(p)
	if err != nil {
		return nil, err
	}
	if err := requireWriteAgent(t.Scope, p.str("agentId")); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Server) handleTool(ctx context.Context, p params) (any, error) {
	agent := p.str("agentId")
	switch p.action() {
	case "add":
		sc := scopeOf(p)
		if err := requireWriteAgent(sc, agent); err != nil {
			return nil, err
		}
		t, err := s.store.CreateTool(&store.Tool{
			Name:        p.str("name"),
			Description: p.str("description"),
			Usage:       p.str("usage"),
			Examples:    p.strs("examples"),
			Category:    p.str("category"),
			Priority:    p.integer("priority"),
			Scope:       sc,
			Metadata:    p.object("metadata"),
			Tags:        p.strs("tags"),
			CreatedBy:   agent,
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"tool": t})

	case "get":
		t, err := s.lookupTool(p)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"tool": t})

	case "list":
		ts, err := s.store.ListTools(entryFilter(p))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"tools": ts, "count": len(ts)})

	case "update":
		t, err := s.writableTool(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.UpdateTool(t.ID, store.ToolUpdate{
			Name:        p.strPtr("name"),
			Description: p.strPtr("description"),
			Usage:       p.strPtr("usage"),
			Examples:    p.strsPtr("examples"),
			Category:    p.strPtr("category"),
			Priority:    p.intPtr("priority"),
			Metadata:    p.objectPtr("metadata"),
			Tags:        p.strsPtr("tags"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"tool": out})

	case "add_version":
		t, err := s.writableTool(p)
		if err != nil {
			return nil, err
		}
		version := p.str("version")
		if version == "" {
			return nil, memerr.Validation("version is required")
		}
		out, err := s.store.AddToolVersion(t.ID, version, p.str("notes"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"tool": out})

	case "deactivate":
		t, err := s.writableTool(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetToolActive(t.ID, false, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": t.ID, "active": false})

	case "delete":
		t, err := s.writableTool(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteTool(t.ID, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": t.ID, "deleted": true})

	default:
		return nil, memerr.InvalidAction("memory_tool", p.action(), toolEntryActions)
	}
}

func (s *Server) lookupExperience(p params) (*store.Experience, error) {
	if id := p.str("id"); id != "" {
		return s.store.GetExperience(id)
	}
	if title := p.str("title"); title != "" {
		return s.store.GetExperienceByTitle(title, scopeOf(p))
	}
	return nil, memerr.Validation("an id or a title is required")
}

func (s *Server) writableExperience(p params) (*store.Experience, error) {
	e, err := s.lookupExperience(p)
	if err != nil {
		return nil, err
	}
	if err := requireWriteAgent(e.Scope, p.str("agentId")); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Server) handleExperience(ctx context.Context, p params) (any, error) {
	agent := p.str("agentId")
	switch p.action() {
	case "add":
		sc := scopeOf(p)
		if err := requireWriteAgent(sc, agent); err != nil {
			return nil, err
		}
		e, err := s.store.CreateExperience(&store.Experience{
			Title:      p.str("title"),
			Scenario:   p.str("scenario"),
			Outcome:    p.str("outcome"),
			Category:   p.str("category"),
			Learnings:  p.str("learnings"),
			Confidence: p.f64("confidence"),
			Priority:   p.integer("priority"),
			Scope:      sc,
			Metadata:   p.object("metadata"),
			Tags:       p.strs("tags"),
			CreatedBy:  agent,
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"experience": e})

	case "get":
		e, err := s.lookupExperience(p)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"experience": e})

	case "list":
		es, err := s.store.ListExperiences(entryFilter(p))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"experiences": es, "count": len(es)})

	case "update":
		e, err := s.writableExperience(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.UpdateExperience(e.ID, store.ExperienceUpdate{
			Title:      p.strPtr("title"),
			Scenario:   p.strPtr("scenario"),
			Outcome:    p.strPtr("outcome"),
			Category:   p.strPtr("category"),
			Learnings:  p.strPtr("learnings"),
			Confidence: p.f64Ptr("confidence"),
			Priority:   p.intPtr("priority"),
			Metadata:   p.objectPtr("metadata"),
			Tags:       p.strsPtr("tags"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"experience": out})

	case "deactivate":
		e, err := s.writableExperience(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetExperienceActive(e.ID, false, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": e.ID, "active": false})

	case "delete":
		e, err := s.writableExperience(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteExperience(e.ID, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": e.ID, "deleted": true})

	default:
		return nil, memerr.InvalidAction("memory_experience", p.action(), entryActions)
	}
}
