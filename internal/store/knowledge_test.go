package store

import (
	"testing"
	"time"

	"mnemo/internal/memerr"
)

func sampleKnowledge(title string) *Knowledge {
	return &Knowledge{
		Title:    title,
		Content:  "The payments service owns the ledger table.",
		Category: "architecture",
		Source:   "design review 2026-03",
	}
}

func TestKnowledgeDefaults(t *testing.T) {
	s := newTestStore(t)

	k, err := s.CreateKnowledge(&Knowledge{Title: "default-cat", Content: "c"}, "tester")
	if err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}
	if k.Category != "fact" {
		t.Errorf("Expected default category fact, got %q", k.Category)
	}
	if k.Confidence != 0.8 {
		t.Errorf("Expected default confidence 0.8, got %v", k.Confidence)
	}
}

func TestKnowledgeCategoryEnum(t *testing.T) {
	s := newTestStore(t)

	for _, cat := range []string{"decision", "fact", "context", "reference", "architecture"} {
		k := sampleKnowledge("cat-" + cat)
		k.Category = cat
		if _, err := s.CreateKnowledge(k, "tester"); err != nil {
			t.Errorf("Category %s should be accepted: %v", cat, err)
		}
	}

	bad := sampleKnowledge("cat-bad")
	bad.Category = "rumor"
	if _, err := s.CreateKnowledge(bad, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for unknown category, got %v", err)
	}
}

func TestKnowledgeTemporalValidity(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	// validUntil before validFrom is rejected.
	bad := sampleKnowledge("inverted")
	bad.ValidFrom = now
	bad.ValidUntil = now - 1000
	if _, err := s.CreateKnowledge(bad, "tester"); !memerr.IsValidation(err) {
		t.Fatalf("Expected validation error for inverted window, got %v", err)
	}

	expired := sampleKnowledge("expired")
	expired.ValidUntil = now - 60_000
	current := sampleKnowledge("current")
	current.ValidFrom = now - 60_000
	future := sampleKnowledge("future")
	future.ValidFrom = now + 3_600_000
	timeless := sampleKnowledge("timeless")

	for _, k := range []*Knowledge{expired, current, future, timeless} {
		if _, err := s.CreateKnowledge(k, "tester"); err != nil {
			t.Fatalf("CreateKnowledge %s failed: %v", k.Title, err)
		}
	}

	hits, err := s.ListKnowledge(EntryFilter{AtTime: now})
	if err != nil {
		t.Fatalf("ListKnowledge failed: %v", err)
	}
	names := map[string]bool{}
	for _, k := range hits {
		names[k.Title] = true
	}
	if !names["current"] || !names["timeless"] {
		t.Errorf("Expected current and timeless entries at now, got %v", names)
	}
	if names["expired"] || names["future"] {
		t.Errorf("Expired/future entries should be filtered at now, got %v", names)
	}

	// Without AtTime everything is visible.
	all, err := s.ListKnowledge(EntryFilter{})
	if err != nil {
		t.Fatalf("ListKnowledge failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 entries without time filter, got %d", len(all))
	}
}

func TestKnowledgeUpdateWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	k, err := s.CreateKnowledge(sampleKnowledge("windowed"), "tester")
	if err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}

	until := now + 3_600_000
	updated, err := s.UpdateKnowledge(k.ID, KnowledgeUpdate{ValidUntil: &until}, "tester")
	if err != nil {
		t.Fatalf("UpdateKnowledge failed: %v", err)
	}
	if updated.ValidUntil != until {
		t.Errorf("Expected validUntil %d, got %d", until, updated.ValidUntil)
	}

	// Patching the window inverted is rejected.
	from := until + 1000
	if _, err := s.UpdateKnowledge(k.ID, KnowledgeUpdate{ValidFrom: &from}, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for inverted patch, got %v", err)
	}
}

func TestGetKnowledgeByTitle(t *testing.T) {
	s := newTestStore(t)

	k := sampleKnowledge("lookup-me")
	k.Scope = Scope{Type: ScopeProject, ID: "proj-x"}
	created, err := s.CreateKnowledge(k, "tester")
	if err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}

	got, err := s.GetKnowledgeByTitle("lookup-me", Scope{Type: ScopeProject, ID: "proj-x"})
	if err != nil {
		t.Fatalf("GetKnowledgeByTitle failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Expected id %s, got %s", created.ID, got.ID)
	}

	// Same title, wrong scope.
	if _, err := s.GetKnowledgeByTitle("lookup-me", Scope{}); !memerr.IsNotFound(err) {
		t.Errorf("Expected not found in global scope, got %v", err)
	}
}

func TestKnowledgeConfidenceRange(t *testing.T) {
	s := newTestStore(t)

	k := sampleKnowledge("overconfident")
	k.Confidence = 1.5
	if _, err := s.CreateKnowledge(k, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for confidence > 1, got %v", err)
	}
}
