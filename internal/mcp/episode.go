package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

var episodeActions = []string{
	"begin", "log", "add", "get", "list", "update", "deactivate", "delete",
	"start", "complete", "fail", "cancel",
	"add_event", "get_events", "link_entity", "get_linked",
	"get_messages", "get_timeline", "what_happened", "trace_causal_chain",
}

func episodeTool() mcp.Tool {
	return mcp.NewTool("memory_episode",
		mcp.WithDescription("Track bounded units of work. begin opens the session's active "+
			"episode (one per session), add plans one for later, log records an already "+
			"finished one in a single call. Lifecycle actions move planned episodes through "+
			"active into completed, failed, or cancelled. Events, entity links, timelines, "+
			"and causal chains hang off an episode resolved by id, by title within a "+
			"session, or by the session's active episode."),
		mcp.WithTitleAnnotation("Episodes"),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("begin | log | add | get | list | update | deactivate | delete | "+
				"start | complete | fail | cancel | add_event | get_events | link_entity | "+
				"get_linked | get_messages | get_timeline | what_happened | trace_causal_chain")),
		mcp.WithString("id",
			mcp.Description("Episode id, the strongest resolution handle")),
		mcp.WithString("title",
			mcp.Description("Episode title; with sessionId it resolves an episode when id is omitted")),
		mcp.WithString("sessionId",
			mcp.Description("Session the episode belongs to; alone it resolves the active episode")),
		mcp.WithString("description",
			mcp.Description("What the episode sets out to do")),
		mcp.WithString("outcome",
			mcp.Description("Result text for log/complete/fail/cancel")),
		mcp.WithObject("metadata",
			mcp.Description("Free-form metadata for begin/log/add/update")),
		mcp.WithString("status",
			mcp.Description("List filter: planned | active | completed | failed | cancelled")),
		mcp.WithString("eventType",
			mcp.Description("add_event type: started | checkpoint | decision | error | completed")),
		mcp.WithObject("data",
			mcp.Description("Structured payload stored with an add_event event")),
		mcp.WithString("entityKind",
			mcp.Description("link_entity kind: guideline | knowledge | tool | experience | conversation")),
		mcp.WithString("entityId",
			mcp.Description("link_entity target id")),
		mcp.WithString("role",
			mcp.Description("link_entity role: created | modified | referenced")),
		mcp.WithNumber("maxDepth",
			mcp.Description("trace_causal_chain depth cap")),
		mcp.WithBoolean("includeInactive",
			mcp.Description("List filter, include deactivated episodes")),
		mcp.WithNumber("limit",
			mcp.Description("Page size for list/get_events/get_messages/what_happened")),
		mcp.WithNumber("offset",
			mcp.Description("Pagination offset for list/get_events")),
	)
}

// resolveEpisode picks the episode the caller means: explicit id first,
// then title within the session, then the session's active episode.
func (s *Server) resolveEpisode(p params) (*store.Episode, error) {
	return s.store.ResolveEpisode(p.str("id"), p.firstStr("title", "name"), p.str("sessionId"))
}

func (s *Server) handleEpisode(ctx context.Context, p params) (any, error) {
	agent := p.str("agentId")
	action := p.action()

	switch action {
	case "begin", "log", "add", "update", "deactivate", "delete",
		"start", "complete", "fail", "cancel", "add_event", "link_entity":
		if err := requireAgent(agent, "episode"); err != nil {
			return nil, err
		}
	}

	switch action {
	case "begin":
		e, err := s.store.BeginEpisode(&store.Episode{
			SessionID:   p.str("sessionId"),
			Title:       p.firstStr("title", "name"),
			Description: p.str("description"),
			Metadata:    p.object("metadata"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": e})

	case "log":
		e, err := s.store.LogEpisode(&store.Episode{
			SessionID:   p.str("sessionId"),
			Title:       p.firstStr("title", "name"),
			Description: p.str("description"),
			Metadata:    p.object("metadata"),
		}, p.str("outcome"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": e})

	case "add":
		e, err := s.store.AddEpisode(&store.Episode{
			SessionID:   p.str("sessionId"),
			Title:       p.firstStr("title", "name"),
			Description: p.str("description"),
			Metadata:    p.object("metadata"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": e})

	case "get":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": e})

	case "list":
		es, err := s.store.ListEpisodes(store.EpisodeFilter{
			SessionID:       p.str("sessionId"),
			Status:          p.str("status"),
			IncludeInactive: p.boolean("includeInactive"),
			Limit:           p.integer("limit"),
			Offset:          p.integer("offset"),
		})
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episodes": es, "count": len(es)})

	case "update":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		// Title doubles as a resolution handle, so an update that found
		// the episode by title must not also rename it to that handle.
		var title *string
		if p.str("id") != "" {
			title = p.strPtr("title")
		}
		out, err := s.store.UpdateEpisode(e.ID, title, p.strPtr("description"), p.objectPtr("metadata"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": out})

	case "deactivate":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetEpisodeActive(e.ID, false, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": e.ID, "active": false})

	case "delete":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteEpisode(e.ID, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"id": e.ID, "deleted": true})

	case "start":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.StartEpisode(e.ID, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": out})

	case "complete":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.CompleteEpisode(e.ID, p.str("outcome"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": out})

	case "fail":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.FailEpisode(e.ID, p.str("outcome"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": out})

	case "cancel":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		out, err := s.store.CancelEpisode(e.ID, p.str("outcome"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episode": out})

	case "add_event":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		ev, err := s.store.AppendEpisodeEvent(e.ID, p.str("eventType"), p.str("description"), p.object("data"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"event": ev})

	case "get_events":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		evs, err := s.store.GetEpisodeEvents(e.ID, p.integer("limit"), p.integer("offset"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"events": evs, "count": len(evs)})

	case "link_entity":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		if err := s.store.LinkEpisodeEntity(e.ID, p.str("entityKind"), p.str("entityId"), p.str("role"), agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"episodeId": e.ID, "linked": true})

	case "get_linked":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		links, err := s.store.GetEpisodeLinks(e.ID)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"links": links, "count": len(links)})

	case "get_messages":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		msgs, err := s.store.EpisodeMessages(e.ID, p.integer("limit"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"messages": msgs, "count": len(msgs)})

	case "get_timeline":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		items, err := s.store.EpisodeTimeline(e.ID)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"timeline": items, "count": len(items)})

	case "what_happened":
		digests, err := s.store.WhatHappened(p.str("sessionId"), p.integer("limit"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"episodes": digests, "count": len(digests)})

	case "trace_causal_chain":
		e, err := s.resolveEpisode(p)
		if err != nil {
			return nil, err
		}
		chain, err := s.store.CausalChain(e.ID, p.integer("maxDepth"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"chain": chain, "count": len(chain)})

	default:
		return nil, memerr.InvalidAction("memory_episode", action, episodeActions)
	}
}
