package mcp

import "testing"

func TestGuidelineLifecycle(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_guideline", map[string]any{
		"action":  "add",
		"name":    "tabs-not-spaces",
		"content": "Indent Go files with tabs",
		"tags":    []any{"go", "style"},
		"agentId": "tester",
	})
	wantSuccess(t, out)
	g, _ := out["guideline"].(map[string]any)
	id, _ := g["id"].(string)
	if id == "" {
		t.Fatalf("no id in %v", out)
	}

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "get", "id": id})
	wantSuccess(t, out)

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "get", "name": "tabs-not-spaces"})
	wantSuccess(t, out)
	g, _ = out["guideline"].(map[string]any)
	if g["id"] != id {
		t.Errorf("name lookup found %v, want %s", g["id"], id)
	}

	out = invoke(t, s, "memory_guideline", map[string]any{
		"action":   "update",
		"id":       id,
		"priority": float64(90),
		"agentId":  "tester",
	})
	wantSuccess(t, out)
	g, _ = out["guideline"].(map[string]any)
	if g["priority"] != float64(90) {
		t.Errorf("priority = %v, want 90", g["priority"])
	}
	if g["content"] != "Indent Go files with tabs" {
		t.Errorf("untouched field changed: %v", g["content"])
	}

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "list"})
	wantSuccess(t, out)
	if out["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", out["count"])
	}

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "deactivate", "id": id, "agentId": "tester"})
	wantSuccess(t, out)

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "list"})
	if out["count"] != float64(0) {
		t.Errorf("deactivated entry still listed: %v", out)
	}
	out = invoke(t, s, "memory_guideline", map[string]any{"action": "list", "includeInactive": true})
	if out["count"] != float64(1) {
		t.Errorf("includeInactive count = %v, want 1", out["count"])
	}

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "delete", "id": id, "agentId": "tester"})
	wantSuccess(t, out)

	out = invoke(t, s, "memory_guideline", map[string]any{"action": "get", "id": id})
	wantCode(t, out, "E1100")
}

func TestGuidelineDuplicateName(t *testing.T) {
	s := newTestServer(t)

	args := map[string]any{
		"action":  "add",
		"name":    "one-return",
		"content": "Prefer a single return at the end of long functions",
		"agentId": "tester",
	}
	wantSuccess(t, invoke(t, s, "memory_guideline", args))
	wantCode(t, invoke(t, s, "memory_guideline", args), "E1200")
}

func TestEntryLookupNeedsHandle(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_guideline", map[string]any{"action": "get"})
	wantCode(t, out, "E1000")
}

func TestScopedEntryWriteNeedsAgent(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_knowledge", map[string]any{
		"action":  "add",
		"title":   "db-choice",
		"content": "We settled on sqlite",
		"scope":   map[string]any{"type": "project", "id": "p1"},
	})
	wantCode(t, out, "E1300")
}

// Updates check the scope the entry lives in, not the scope named in the
// request, so a scoped entry cannot be rewritten anonymously.
func TestUpdateChecksStoredScope(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_knowledge", map[string]any{
		"action":  "add",
		"title":   "db-choice",
		"content": "We settled on sqlite",
		"scope":   map[string]any{"type": "project", "id": "p1"},
		"agentId": "tester",
	})
	wantSuccess(t, out)
	k, _ := out["knowledge"].(map[string]any)

	out = invoke(t, s, "memory_knowledge", map[string]any{
		"action":  "update",
		"id":      k["id"],
		"content": "We settled on postgres",
	})
	wantCode(t, out, "E1300")
}

func TestKnowledgeDefaultsAndCategoryEnum(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_knowledge", map[string]any{
		"action":  "add",
		"title":   "vector-ext",
		"content": "Embeddings live in a sqlite-vec virtual table",
		"agentId": "tester",
	})
	wantSuccess(t, out)
	k, _ := out["knowledge"].(map[string]any)
	if k["category"] != "fact" {
		t.Errorf("category = %v, want fact", k["category"])
	}
	if k["confidence"] != 0.8 {
		t.Errorf("confidence = %v, want 0.8", k["confidence"])
	}

	out = invoke(t, s, "memory_knowledge", map[string]any{
		"action":   "add",
		"title":    "hot-take",
		"content":  "tabs are superior",
		"category": "opinion",
		"agentId":  "tester",
	})
	wantCode(t, out, "E1000")
}

func TestToolVersionChain(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_tool", map[string]any{
		"action":      "add",
		"name":        "ripgrep",
		"description": "line-oriented search across a tree",
		"category":    "cli",
		"agentId":     "tester",
	})
	wantSuccess(t, out)

	out = invoke(t, s, "memory_tool", map[string]any{
		"action":  "add_version",
		"name":    "ripgrep",
		"version": "14.1.0",
		"notes":   "first pinned release",
		"agentId": "tester",
	})
	wantSuccess(t, out)
	tool, _ := out["tool"].(map[string]any)
	if tool["currentVersion"] != "14.1.0" {
		t.Errorf("currentVersion = %v, want 14.1.0", tool["currentVersion"])
	}

	out = invoke(t, s, "memory_tool", map[string]any{
		"action":  "add_version",
		"name":    "ripgrep",
		"agentId": "tester",
	})
	wantCode(t, out, "E1000")
}

func TestToolCategoryEnum(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_tool", map[string]any{
		"action":      "add",
		"name":        "mystery",
		"description": "unknown kind of tool",
		"category":    "telepathy",
		"agentId":     "tester",
	})
	wantCode(t, out, "E1000")
}

func TestExperienceOutcome(t *testing.T) {
	s := newTestServer(t)

	out := invoke(t, s, "memory_experience", map[string]any{
		"action":   "add",
		"title":    "retry-storm",
		"scenario": "hammered a flaky API in a tight loop",
		"outcome":  "glorious",
		"agentId":  "tester",
	})
	wantCode(t, out, "E1000")

	out = invoke(t, s, "memory_experience", map[string]any{
		"action":    "add",
		"title":     "retry-storm",
		"scenario":  "hammered a flaky API in a tight loop",
		"outcome":   "failure - tripped the rate limiter",
		"learnings": "back off exponentially and cap attempts",
		"agentId":   "tester",
	})
	wantSuccess(t, out)

	out = invoke(t, s, "memory_experience", map[string]any{
		"action":  "list",
		"outcome": "failure",
	})
	wantSuccess(t, out)
	if out["count"] != float64(1) {
		t.Errorf("outcome filter count = %v, want 1", out["count"])
	}
}
