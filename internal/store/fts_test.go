package store

import (
	"testing"
)

func seedSearchCorpus(t *testing.T, s *Store) {
	t.Helper()

	entries := []*Guideline{
		{Name: "error-wrapping", Content: "Wrap errors with context before returning them up the stack.", Category: "errors", Priority: 80},
		{Name: "table-tests", Content: "Prefer table driven tests for exhaustive input coverage.", Category: "testing", Priority: 60, Tags: []string{"testing"}},
	}
	for _, g := range entries {
		if _, err := s.CreateGuideline(g, "tester"); err != nil {
			t.Fatalf("CreateGuideline failed: %v", err)
		}
	}
	if _, err := s.CreateKnowledge(&Knowledge{
		Title:    "retry-budget",
		Content:  "The gateway retries idempotent requests twice with exponential backoff.",
		Category: "architecture",
	}, "tester"); err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}
}

func TestSearchEntries(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	hits, err := s.SearchEntries("error context", nil, 10, false)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("Expected hits for 'error context'")
	}
	if hits[0].Name != "error-wrapping" {
		t.Errorf("Expected error-wrapping first, got %q", hits[0].Name)
	}
	for _, h := range hits {
		if h.Score <= 0 || h.Score > 1 {
			t.Errorf("Score %v outside (0, 1] for %s", h.Score, h.Name)
		}
	}
	// Best hit is normalized to 1.
	if hits[0].Score != 1 {
		t.Errorf("Expected best score 1, got %v", hits[0].Score)
	}
}

func TestSearchKindFilter(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	hits, err := s.SearchEntries("retries backoff", []string{KindKnowledge}, 10, false)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	for _, h := range hits {
		if h.Kind != KindKnowledge {
			t.Errorf("Kind filter leaked %s hit %s", h.Kind, h.ID)
		}
	}
	if len(hits) != 1 {
		t.Errorf("Expected exactly the knowledge hit, got %d", len(hits))
	}
}

func TestSearchStopWordsOnly(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	// A query of nothing but stop words returns no hits rather than the
	// whole corpus.
	hits, err := s.SearchEntries("the is of and", nil, 10, true)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits for stop words, got %d", len(hits))
	}
}

func TestSearchFuzzyFallback(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	// "exponentia" is a prefix that exact MATCH misses; fuzzy mode falls
	// back to substring scans.
	strict, err := s.SearchEntries("exponentia", nil, 10, false)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	if len(strict) != 0 {
		t.Errorf("Expected no strict hits for partial token, got %d", len(strict))
	}

	fuzzy, err := s.SearchEntries("exponentia", nil, 10, true)
	if err != nil {
		t.Fatalf("SearchEntries (fuzzy) failed: %v", err)
	}
	if len(fuzzy) != 1 {
		t.Fatalf("Expected 1 fuzzy hit, got %d", len(fuzzy))
	}
	if fuzzy[0].Name != "retry-budget" {
		t.Errorf("Expected retry-budget, got %q", fuzzy[0].Name)
	}
}

func TestSearchQuoteInjection(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	// FTS5 operators in user input must not change query semantics or
	// error out.
	for _, q := range []string{`errors" OR kind:"`, "NEAR(test)", "tests AND NOT errors", `"unbalanced`} {
		if _, err := s.SearchEntries(q, nil, 10, false); err != nil {
			t.Errorf("Query %q should not error: %v", q, err)
		}
	}
}

func TestSearchTagBoost(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	// "testing" appears in the tags of table-tests; it should rank hits.
	hits, err := s.SearchEntries("testing", nil, 10, false)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("Expected hits for tag term")
	}
	if hits[0].Name != "table-tests" {
		t.Errorf("Expected tag match first, got %q", hits[0].Name)
	}
}

func TestSearchDeletedEntryGone(t *testing.T) {
	s := newTestStore(t)

	g, err := s.CreateGuideline(sampleGuideline("ephemeral"), "tester")
	if err != nil {
		t.Fatalf("CreateGuideline failed: %v", err)
	}
	hits, err := s.SearchEntries("linter", nil, 10, false)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit before delete, got %d", len(hits))
	}

	if err := s.DeleteGuideline(g.ID, "tester"); err != nil {
		t.Fatalf("DeleteGuideline failed: %v", err)
	}
	hits, err = s.SearchEntries("linter", nil, 10, false)
	if err != nil {
		t.Fatalf("SearchEntries failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits after delete, got %d", len(hits))
	}
}

func TestSearchFieldRestriction(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	// "exhaustive" only occurs in table-tests' content, never in a name.
	hits, err := s.SearchEntriesIn("exhaustive", nil, []string{"name"}, 10, false)
	if err != nil {
		t.Fatalf("SearchEntriesIn failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no name-field hits, got %d", len(hits))
	}

	hits, err = s.SearchEntriesIn("exhaustive", nil, []string{"content"}, 10, false)
	if err != nil {
		t.Fatalf("SearchEntriesIn failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "table-tests" {
		t.Fatalf("Expected the content hit, got %v", hits)
	}

	// Unknown field names are dropped, leaving an unrestricted search.
	hits, err = s.SearchEntriesIn("exhaustive", nil, []string{"rationale"}, 10, false)
	if err != nil {
		t.Fatalf("SearchEntriesIn failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("Expected unknown field to be ignored, got %d hits", len(hits))
	}
}

func TestSearchEntriesLike(t *testing.T) {
	s := newTestStore(t)
	seedSearchCorpus(t, s)

	// Direct LIKE finds partial tokens MATCH would miss.
	hits, err := s.SearchEntriesLike("exponentia", nil, nil, 10)
	if err != nil {
		t.Fatalf("SearchEntriesLike failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "retry-budget" {
		t.Fatalf("Expected the substring hit, got %v", hits)
	}
	if hits[0].Score <= 0 || hits[0].Score > 1 {
		t.Errorf("Score %v outside (0, 1]", hits[0].Score)
	}

	// Field restriction applies to LIKE scans too.
	hits, err = s.SearchEntriesLike("exponentia", nil, []string{"name"}, 10)
	if err != nil {
		t.Fatalf("SearchEntriesLike failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no name-field hits, got %d", len(hits))
	}
}

func TestSearchable(t *testing.T) {
	if !Searchable("flaky integration tests") {
		t.Error("Expected real tokens to be searchable")
	}
	if Searchable("the and of") {
		t.Error("Stop words alone should not be searchable")
	}
	if Searchable("   ") {
		t.Error("Whitespace should not be searchable")
	}
}

func TestFtsTokens(t *testing.T) {
	tokens := ftsTokens("How do I fix the Build-Cache?")
	want := []string{"do", "fix", "build", "cache"}
	if len(tokens) != len(want) {
		t.Fatalf("Expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("Token %d: expected %q, got %q", i, want[i], tokens[i])
		}
	}
}

func TestSanitizeMatch(t *testing.T) {
	if got := sanitizeMatch("hello world"); got != `"hello" "world"` {
		t.Errorf("Unexpected match expression: %q", got)
	}
	if got := sanitizeMatch("the and of"); got != "" {
		t.Errorf("Stop words should sanitize to empty, got %q", got)
	}
}
