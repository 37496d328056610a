package capture

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mnemo/internal/classify"
	"mnemo/internal/config"
	"mnemo/internal/extraction"
	"mnemo/internal/store"
)

func threeMessages() []extraction.Message {
	return []extraction.Message{
		{Role: "user", Content: "the deploy keeps timing out"},
		{Role: "assistant", Content: "check the readiness probe interval"},
		{Role: "user", Content: "that was it, probe was set to 1s"},
	}
}

func TestSweepBelowMinMessages(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{available: true}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages()[:2],
		Scope:    projScope(),
	})
	if !res.Success {
		t.Errorf("short conversation is an empty success, got error %q", res.Error)
	}
	if res.TotalExtracted != 0 || len(res.MissedEntries) != 0 {
		t.Errorf("expected nothing extracted, got %+v", res)
	}
	if adapter.callCount() != 0 {
		t.Error("adapter must not be consulted below the message minimum")
	}
}

func TestSweepWithoutAdapter(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, nil, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages(),
		Scope:    projScope(),
	})
	if res.Success {
		t.Error("missing adapter should fail the sweep")
	}
	if !strings.Contains(res.Error, "unavailable") {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestSweepAdapterUnavailable(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{available: false}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages(),
		Scope:    projScope(),
	})
	if res.Success {
		t.Error("unavailable adapter should fail the sweep")
	}
	if adapter.callCount() != 0 {
		t.Error("unavailable adapter must not be called")
	}
}

func TestSweepExtractionFailure(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{available: true, err: errors.New("model timeout")}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages(),
		Scope:    projScope(),
	})
	if res.Success {
		t.Error("extractor failure must surface as success=false")
	}
	if !strings.Contains(res.Error, "model timeout") {
		t.Errorf("error should carry the extractor message, got %q", res.Error)
	}
	if res.TotalExtracted != 0 || len(res.MissedEntries) != 0 {
		t.Errorf("failed extraction yields no candidates, got %+v", res)
	}
}

func TestSweepFiltersAndStores(t *testing.T) {
	st := newTestStore(t)

	// Pre-existing entry the third candidate collides with.
	if _, err := st.CreateKnowledge(&store.Knowledge{
		Title:   "Readiness probe interval",
		Content: "The readiness probe polls every 10 seconds.",
		Scope:   projScope(),
	}, "test"); err != nil {
		t.Fatalf("seed knowledge: %v", err)
	}

	adapter := &fakeAdapter{available: true, candidates: []extraction.Candidate{
		{Kind: store.KindKnowledge, Title: "Retry budget is 3 attempts",
			Content: "Outbound calls retry up to 3 times with exponential backoff.", Category: "deployment", Confidence: 0.9},
		{Kind: store.KindGuideline, Title: "Prefer staging first",
			Content: "Roll out to staging before production.", Confidence: 0.5},
		{Kind: store.KindKnowledge, Title: "Readiness probe interval",
			Content: "The probe interval is 10s.", Confidence: 0.95},
		{Kind: store.KindExperience, Title: "Recovered from cache stampede",
			Content: "Cold start flooded the cache backend.", Category: "performance",
			Outcome: "partial - mitigated with request jitter", Confidence: 0.8},
	}}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		ConversationID: "conv-1",
		Messages:       threeMessages(),
		Scope:          projScope(),
		AutoStore:      true,
	})
	if !res.Success {
		t.Fatalf("sweep failed: %s", res.Error)
	}
	if res.TotalExtracted != 4 {
		t.Errorf("expected 4 extracted, got %d", res.TotalExtracted)
	}
	if res.BelowThreshold != 1 {
		t.Errorf("expected 1 below threshold, got %d", res.BelowThreshold)
	}
	if res.DuplicatesFiltered != 1 {
		t.Errorf("expected 1 duplicate, got %d", res.DuplicatesFiltered)
	}
	if len(res.MissedEntries) != 2 || len(res.Stored) != 2 {
		t.Fatalf("expected 2 kept and stored, got %d/%d", len(res.MissedEntries), len(res.Stored))
	}

	k, err := st.GetKnowledgeByTitle("Retry budget is 3 attempts", projScope())
	if err != nil {
		t.Fatalf("swept knowledge not stored: %v", err)
	}
	if k.Category != "fact" {
		t.Errorf("unknown category should fall back to the store default, got %q", k.Category)
	}
	if k.Confidence != 0.9 {
		t.Errorf("candidate confidence should persist, got %.2f", k.Confidence)
	}

	e, err := st.GetExperienceByTitle("Recovered from cache stampede", projScope())
	if err != nil {
		t.Fatalf("swept experience not stored: %v", err)
	}
	if !e.AutoDetected {
		t.Error("swept entries are auto-detected")
	}
	if e.Outcome != "partial - mitigated with request jitter" {
		t.Errorf("unexpected outcome %q", e.Outcome)
	}
}

func TestSweepGlobalTitleDuplicate(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateGuideline(&store.Guideline{
		Name:    "Prefer staging first",
		Content: "Roll out to staging before production.",
		Scope:   store.GlobalScope(),
	}, "test"); err != nil {
		t.Fatalf("seed guideline: %v", err)
	}

	adapter := &fakeAdapter{available: true, candidates: []extraction.Candidate{
		{Kind: store.KindGuideline, Title: "Prefer staging first",
			Content: "Always hit staging before prod.", Confidence: 0.9},
	}}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages(),
		Scope:    projScope(),
	})
	if res.DuplicatesFiltered != 1 || len(res.MissedEntries) != 0 {
		t.Errorf("global entry should shadow the candidate: %+v", res)
	}
}

func TestSweepCosineDuplicate(t *testing.T) {
	st := newTestStore(t)
	emb := &fixedEmbedder{dim: 8}
	if err := st.SetEmbedder(emb); err != nil {
		t.Fatalf("set embedder: %v", err)
	}
	if _, err := st.CreateKnowledge(&store.Knowledge{
		Title:   "Connection pool sizing",
		Content: "The pool holds 20 connections per instance.",
		Scope:   projScope(),
	}, "test"); err != nil {
		t.Fatalf("seed knowledge: %v", err)
	}
	st.WaitEmbeds()

	// Different title, so only the embedding probe can catch it. The fixed
	// embedder makes every pair compare at cosine 1.0.
	adapter := &fakeAdapter{available: true, candidates: []extraction.Candidate{
		{Kind: store.KindKnowledge, Title: "Pool connection count",
			Content: "Each instance keeps 20 pooled connections.", Confidence: 0.9},
	}}
	svc := newTestService(t, st, adapter, emb)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages(),
		Scope:    projScope(),
	})
	if !res.Success {
		t.Fatalf("sweep failed: %s", res.Error)
	}
	if res.DuplicatesFiltered != 1 || len(res.MissedEntries) != 0 {
		t.Errorf("embedding probe should flag the near-duplicate: %+v", res)
	}
}

func TestSweepRespectsMaxEntries(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{available: true, candidates: []extraction.Candidate{
		{Kind: store.KindKnowledge, Title: "Fact one", Content: "c1", Confidence: 0.9},
		{Kind: store.KindKnowledge, Title: "Fact two", Content: "c2", Confidence: 0.9},
		{Kind: store.KindKnowledge, Title: "Fact three", Content: "c3", Confidence: 0.9},
		{Kind: store.KindKnowledge, Title: "Fact four", Content: "c4", Confidence: 0.9},
	}}

	cfg := config.DefaultConfig()
	cfg.Capture.MaxEntries = 2
	clf := classify.New(st, nil, cfg.Classification)
	svc := New(st, clf, nil, adapter, cfg.Capture)
	t.Cleanup(svc.Close)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages: threeMessages(),
		Scope:    projScope(),
	})
	if len(res.MissedEntries) != 2 {
		t.Errorf("expected the cap to hold at 2, got %d", len(res.MissedEntries))
	}
	if res.TotalExtracted != 4 {
		t.Errorf("extraction count reports everything seen, got %d", res.TotalExtracted)
	}
	if len(res.Stored) != 0 {
		t.Error("nothing should store without AutoStore")
	}
}

func TestSweepLoadsConversationMessages(t *testing.T) {
	st := newTestStore(t)
	conv, err := st.StartConversation(&store.Conversation{SessionID: "sess-1"}, "test")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	for _, m := range threeMessages() {
		if _, err := st.AddMessage(conv.ID, &store.Message{Role: m.Role, Content: m.Content}, "test"); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	adapter := &fakeAdapter{available: true}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		ConversationID: conv.ID,
		Scope:          projScope(),
	})
	if !res.Success {
		t.Fatalf("sweep failed: %s", res.Error)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("expected one extraction call, got %d", adapter.callCount())
	}
	got := adapter.gotMsgs[0]
	if len(got) != 3 {
		t.Fatalf("expected 3 loaded messages, got %d", len(got))
	}
	if got[2].Content != "that was it, probe was set to 1s" || got[2].Role != "user" {
		t.Errorf("messages should arrive in seq order, got %+v", got[2])
	}
}

func TestSweepMissingConversation(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{available: true}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		ConversationID: "no-such-conversation",
		Scope:          projScope(),
	})
	if res.Success {
		t.Error("missing conversation should fail the sweep")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestSweepSkipsUnstorableCandidate(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{available: true, candidates: []extraction.Candidate{
		{Kind: store.KindExperience, Title: "Weird outcome",
			Content: "Something happened.", Outcome: "triumph", Confidence: 0.9},
	}}
	svc := newTestService(t, st, adapter, nil)

	res := svc.SweepConversation(context.Background(), SweepRequest{
		Messages:  threeMessages(),
		Scope:     projScope(),
		AutoStore: true,
	})
	if !res.Success {
		t.Fatalf("a single bad candidate must not fail the sweep: %s", res.Error)
	}
	if len(res.MissedEntries) != 1 {
		t.Errorf("candidate still counts as found, got %d", len(res.MissedEntries))
	}
	if len(res.Stored) != 0 {
		t.Error("invalid outcome must not store")
	}
}
