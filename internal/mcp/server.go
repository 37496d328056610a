// Package mcp exposes the memory service over the Model Context
// Protocol. Nine tools cover the surface: query and remember, the four
// entry repositories, conversations, episodes, and runtime context.
// Most tools dispatch on an action parameter; unknown actions come
// back as typed errors carrying the valid set.
//
// Every result is one JSON text block: {"success": true, ...} on
// success, {"error", "code", "context"?} on failure. Handler failures
// are returned as tool results, never as protocol errors, so agents
// can read the code and self-correct.
package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mnemo/internal/capture"
	"mnemo/internal/config"
	"mnemo/internal/contextdetect"
	"mnemo/internal/coordinate"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/query"
	"mnemo/internal/ratelimit"
	"mnemo/internal/store"
)

// handlerTimeout bounds one tool call end to end.
const handlerTimeout = 30 * time.Second

// serverInstructions is returned on initialize; clients may splice it
// into the system prompt.
const serverInstructions = `mnemo is persistent agent memory: guidelines, knowledge, tools, and ` +
	`experiences in scoped repositories, plus conversation and episode journals. ` +
	`Use memory_query to search or list before re-deriving anything. Use ` +
	`memory_remember to store text worth keeping; it classifies and routes by ` +
	`itself. The memory_guideline, memory_knowledge, memory_tool, and ` +
	`memory_experience tools do exact CRUD when you know what and where. Use ` +
	`memory_conversation and memory_episode to journal work as it happens, and ` +
	`memory_context to see the detected project, session, and agent.`

// Server wires the tool surface to the underlying services.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	query    *query.Service
	capture  *capture.Service
	detector *contextdetect.Detector
	coord    *coordinate.Coordinator
	limiter  ratelimit.Limiter
}

// New assembles the tool surface. All dependencies are required.
func New(cfg *config.Config, st *store.Store, qs *query.Service, cs *capture.Service,
	det *contextdetect.Detector, coord *coordinate.Coordinator, rl ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		query:    qs,
		capture:  cs,
		detector: det,
		coord:    coord,
		limiter:  rl,
	}
}

// toolDef pairs a tool schema with its raw handler.
type toolDef struct {
	tool    mcp.Tool
	handler func(ctx context.Context, p params) (any, error)
}

func (s *Server) tools() []toolDef {
	return []toolDef{
		{queryTool(), s.handleQuery},
		{rememberTool(), s.handleRemember},
		{guidelineTool(), s.handleGuideline},
		{knowledgeTool(), s.handleKnowledge},
		{toolTool(), s.handleTool},
		{experienceTool(), s.handleExperience},
		{conversationTool(), s.handleConversation},
		{episodeTool(), s.handleEpisode},
		{contextTool(), s.handleContext},
	}
}

// MCP builds the protocol server with every tool registered.
func (s *Server) MCP() *server.MCPServer {
	srv := server.NewMCPServer(
		s.cfg.Name,
		s.cfg.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions(serverInstructions),
	)
	for _, td := range s.tools() {
		srv.AddTool(td.tool, s.handle(td.tool.Name, td.handler))
	}
	return srv
}

// handle wraps a raw handler with the shared edge pipeline: context
// enrichment, the per-agent rate gate, the call deadline, and JSON
// encoding of both outcomes.
func (s *Server) handle(tool string, fn func(ctx context.Context, p params) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		p := params(s.detector.EnrichParams(ctx, args))

		key := p.str("agentId")
		if key == "" {
			key = "anonymous"
		}
		gate, err := s.limiter.Check(ctx, key)
		if err != nil {
			logging.MCPError("%s: rate gate: %v", tool, err)
			return errResult(memerr.Internal("rate limiter", err)), nil
		}
		if !gate.Allowed {
			logging.MCP("%s throttled for %s, retry in %dms", tool, key, gate.RetryAfterMS)
			return errResult(memerr.RateLimited(gate.RetryAfterMS)), nil
		}

		ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()

		started := time.Now()
		out, err := fn(ctx, p)
		if err != nil {
			logging.MCPDebug("%s %s: %v", tool, p.action(), err)
			return errResult(err), nil
		}
		logging.MCPDebug("%s %s took %s", tool, p.action(), time.Since(started).Round(time.Millisecond))
		return jsonResult(out), nil
	}
}

// jsonResult encodes a handler result as one JSON text block.
func jsonResult(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errResult(memerr.Internal("encode result", err))
	}
	return mcp.NewToolResultText(string(b))
}

// errResult puts the wire form of err into an error result.
func errResult(err error) *mcp.CallToolResult {
	w := memerr.ToWire(err)
	b, merr := json.Marshal(w)
	if merr != nil {
		return mcp.NewToolResultError(`{"error":"internal error","code":"E5000"}`)
	}
	return mcp.NewToolResultError(string(b))
}

// ok flattens a typed response into a success envelope.
func ok(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, memerr.Internal("encode result", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, memerr.Internal("encode result", err)
	}
	m["success"] = true
	return m, nil
}
