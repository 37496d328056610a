package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

var conversationActions = []string{
	"start", "addMessage", "get", "list", "update",
	"end", "archive", "search", "linkContext", "getContext",
}

func conversationTool() mcp.Tool {
	return mcp.NewTool("memory_conversation",
		mcp.WithDescription("Record message exchanges. Conversations move one way through "+
			"active, completed, archived; messages keep strict per-conversation order. "+
			"linkContext attaches memory entries to a conversation as working context."),
		mcp.WithTitleAnnotation("Conversations"),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("start | addMessage | get | list | update | end | archive | search | linkContext | getContext")),
		mcp.WithString("conversationId",
			mcp.Description("Conversation handle for everything but start, list, and search")),
		mcp.WithString("sessionId",
			mcp.Description("Session the conversation belongs to; also a list/search filter")),
		mcp.WithString("projectId",
			mcp.Description("Project the conversation belongs to; also a list filter")),
		mcp.WithString("title",
			mcp.Description("Conversation title for start/update")),
		mcp.WithString("summary",
			mcp.Description("Summary text for update/end")),
		mcp.WithString("status",
			mcp.Description("List filter: active | completed | archived")),
		mcp.WithString("role",
			mcp.Description("Message role for addMessage: user | assistant | system")),
		mcp.WithString("content",
			mcp.Description("Message body for addMessage")),
		mcp.WithArray("contextEntries",
			mcp.Description("Entry ids the message drew on"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("toolsUsed",
			mcp.Description("Tools invoked while producing the message"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata",
			mcp.Description("Free-form metadata for start/addMessage/update")),
		mcp.WithString("text",
			mcp.Description("Search text for search")),
		mcp.WithNumber("messageId",
			mcp.Description("Message to pin a linkContext attachment to")),
		mcp.WithString("entryKind",
			mcp.Description("linkContext entry kind: guideline | knowledge | tool | experience")),
		mcp.WithString("entryId",
			mcp.Description("linkContext entry id")),
		mcp.WithNumber("relevance",
			mcp.Description("linkContext relevance 0-1")),
		mcp.WithString("note",
			mcp.Description("linkContext annotation")),
		mcp.WithNumber("limit",
			mcp.Description("Page size for get/list/search")),
		mcp.WithNumber("offset",
			mcp.Description("Pagination offset for get/list")),
	)
}

func conversationID(p params) (string, error) {
	if id := p.firstStr("conversationId", "id"); id != "" {
		return id, nil
	}
	return "", memerr.Validation("conversationId is required")
}

func (s *Server) handleConversation(ctx context.Context, p params) (any, error) {
	agent := p.str("agentId")
	switch p.action() {
	case "start":
		if err := requireAgent(agent, "conversation"); err != nil {
			return nil, err
		}
		c, err := s.store.StartConversation(&store.Conversation{
			SessionID: p.str("sessionId"),
			ProjectID: p.str("projectId"),
			Title:     p.str("title"),
			Metadata:  p.object("metadata"),
			CreatedBy: agent,
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"conversation": c})

	case "addMessage":
		if err := requireAgent(agent, "conversation"); err != nil {
			return nil, err
		}
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		m, err := s.store.AddMessage(id, &store.Message{
			Role:           p.str("role"),
			Content:        p.str("content"),
			ContextEntries: p.strs("contextEntries"),
			ToolsUsed:      p.strs("toolsUsed"),
			Metadata:       p.object("metadata"),
		}, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"message": m})

	case "get":
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		c, err := s.store.GetConversation(id)
		if err != nil {
			return nil, err
		}
		msgs, err := s.store.GetMessages(id, p.integer("limit"), p.integer("offset"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"conversation": c, "messages": msgs})

	case "list":
		cs, err := s.store.ListConversations(store.ConversationFilter{
			SessionID: p.str("sessionId"),
			ProjectID: p.str("projectId"),
			Status:    p.str("status"),
			Limit:     p.integer("limit"),
			Offset:    p.integer("offset"),
		})
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"conversations": cs, "count": len(cs)})

	case "update":
		if err := requireAgent(agent, "conversation"); err != nil {
			return nil, err
		}
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		c, err := s.store.UpdateConversation(id, p.strPtr("title"), p.strPtr("summary"), p.objectPtr("metadata"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"conversation": c})

	case "end":
		if err := requireAgent(agent, "conversation"); err != nil {
			return nil, err
		}
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		c, err := s.store.EndConversation(id, p.str("summary"), agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"conversation": c})

	case "archive":
		if err := requireAgent(agent, "conversation"); err != nil {
			return nil, err
		}
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		c, err := s.store.ArchiveConversation(id, agent)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"conversation": c})

	case "search":
		msgs, err := s.store.SearchMessages(p.firstStr("text", "query"), p.str("sessionId"), p.integer("limit"))
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"messages": msgs, "count": len(msgs)})

	case "linkContext":
		if err := requireAgent(agent, "conversation"); err != nil {
			return nil, err
		}
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		link := &store.ContextLink{
			ConversationID: id,
			MessageID:      p.i64("messageId"),
			EntryKind:      p.str("entryKind"),
			EntryID:        p.str("entryId"),
			Relevance:      p.f64("relevance"),
			Note:           p.str("note"),
		}
		if err := s.store.LinkContext(link, agent); err != nil {
			return nil, err
		}
		return ok(map[string]any{"link": link})

	case "getContext":
		id, err := conversationID(p)
		if err != nil {
			return nil, err
		}
		links, err := s.store.GetContext(id)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"context": links, "count": len(links)})

	default:
		return nil, memerr.InvalidAction("memory_conversation", p.action(), conversationActions)
	}
}
