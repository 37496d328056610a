package trigger

import (
	"strings"
	"testing"
)

func TestDetectFamilies(t *testing.T) {
	cases := []struct {
		text    string
		pattern string
	}{
		{"fixed the connection leak by closing rows in a defer", "fixed-by"},
		{"the fix was restarting the embedding daemon", "solution-was"},
		{"turns out the root cause was a stale schema cache", "root-cause"},
		{"learned that sqlite locks the file when two writers race", "learned-that"},
		{"figured out the flake by running the test 100 times", "figured-out"},
		{"finally resolved the timeout in the webhook handler", "resolved"},
		{"Deploy checklist: run migrations before restarting", "summary"},
	}

	for _, tc := range cases {
		hits := Detect(tc.text)
		if len(hits) == 0 {
			t.Errorf("Detect(%q) found nothing", tc.text)
			continue
		}
		found := false
		for _, h := range hits {
			if h.Pattern == tc.pattern {
				found = true
				if h.Match == "" {
					t.Errorf("Detect(%q) %s hit has empty match", tc.text, tc.pattern)
				}
			}
		}
		if !found {
			t.Errorf("Detect(%q) missed family %s, got %+v", tc.text, tc.pattern, hits)
		}
	}
}

func TestDetectOrderedByStrength(t *testing.T) {
	// Matches both fixed-by (0.90) and resolved (0.75).
	hits := Detect("fixed the race by adding a mutex, which resolved the flaky test")
	if len(hits) < 2 {
		t.Fatalf("expected at least 2 hits, got %+v", hits)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Confidence > hits[i-1].Confidence {
			t.Fatalf("hits not ordered by confidence: %+v", hits)
		}
	}
}

func TestDetectEmptyText(t *testing.T) {
	if hits := Detect("   "); hits != nil {
		t.Errorf("expected no hits for blank text, got %+v", hits)
	}
}

func TestHighConfidence(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"fixed the leak by closing the file", true},
		{"the solution was bumping the pool size", true},
		{"root cause was DNS caching", true},
		{"learned that retries mask errors when the budget is too high", true},
		{"figured out the panic by bisecting commits", true},
		{"resolved the issue eventually", false},
		{"Rule: always use tabs", false},
		{"just a normal sentence about lunch", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := HighConfidence(tc.text); got != tc.want {
			t.Errorf("HighConfidence(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestParseFixedBy(t *testing.T) {
	text := "fixed the connection leak by closing rows in a defer."
	p := Parse(text)
	if p == nil {
		t.Fatal("expected a parse")
	}
	if p.Pattern != "fixed-by" || p.Confidence != 0.90 {
		t.Errorf("unexpected family: %+v", p)
	}
	if p.Title != "Fixed the connection leak" {
		t.Errorf("unexpected title %q", p.Title)
	}
	if p.Outcome != "success - fixed by closing rows in a defer" {
		t.Errorf("unexpected outcome %q", p.Outcome)
	}
	if p.Scenario != strings.TrimSpace(text) {
		t.Errorf("scenario should carry the full turn, got %q", p.Scenario)
	}
}

func TestParsePicksStrongestFamily(t *testing.T) {
	// fixed-by (0.90) and resolved (0.75) both match; parse must take fixed-by.
	p := Parse("fixed the race by adding a mutex, which resolved the flaky test")
	if p == nil {
		t.Fatal("expected a parse")
	}
	if p.Pattern != "fixed-by" {
		t.Errorf("expected fixed-by, got %s", p.Pattern)
	}
}

func TestParseLearnedThat(t *testing.T) {
	p := Parse("learned that sqlite locks the whole file when two writers race")
	if p == nil {
		t.Fatal("expected a parse")
	}
	if p.Title != "Learned: sqlite locks the whole file" {
		t.Errorf("unexpected title %q", p.Title)
	}
	if !strings.HasPrefix(p.Outcome, "success - learned that ") {
		t.Errorf("unexpected outcome %q", p.Outcome)
	}
}

func TestParseNoMatch(t *testing.T) {
	if p := Parse("nothing interesting happened today"); p != nil {
		t.Errorf("expected nil parse, got %+v", p)
	}
}

func TestParseClipsLongTitles(t *testing.T) {
	long := "fixed the " + strings.Repeat("very ", 40) + "long problem by rebooting"
	p := Parse(long)
	if p == nil {
		t.Fatal("expected a parse")
	}
	if len(p.Title) > 80 {
		t.Errorf("title too long (%d): %q", len(p.Title), p.Title)
	}
	if strings.HasSuffix(p.Title, " ") {
		t.Errorf("title has trailing space: %q", p.Title)
	}
}

func TestInferCategory(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"fixed the panic by guarding the nil pointer", "debugging"},
		{"figured out the expired certificate by checking TLS logs", "security"},
		{"resolved the latency spike by adding an index", "performance"},
		{"the fix was setting the environment variable before boot", "configuration"},
		{"fixed the webhook retries by deduplicating deliveries", "integration"},
		{"learned that naps help when stuck", "general"},
		{"the author fixed lunch by ordering pizza", "general"},
	}

	for _, tc := range cases {
		if got := InferCategory(tc.text); got != tc.want {
			t.Errorf("InferCategory(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}
