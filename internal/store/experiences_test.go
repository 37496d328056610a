package store

import (
	"testing"

	"mnemo/internal/memerr"
)

func sampleExperience(title string) *Experience {
	return &Experience{
		Title:    title,
		Scenario: "Deploy failed because the migration ran before the code rolled out.",
		Outcome:  "failure",
		Category: "deployment",
	}
}

func TestExperienceOutcomeForms(t *testing.T) {
	s := newTestStore(t)

	// Bare statuses and qualified forms are both accepted.
	for _, outcome := range []string{"success", "partial", "failure", "abandoned", "success - after two retries", "partial - flaky on CI"} {
		e := sampleExperience("outcome " + outcome)
		e.Outcome = outcome
		created, err := s.CreateExperience(e, "tester")
		if err != nil {
			t.Errorf("Outcome %q should be accepted: %v", outcome, err)
			continue
		}
		if created.Outcome != outcome {
			t.Errorf("Outcome %q was rewritten to %q", outcome, created.Outcome)
		}
	}

	// Empty defaults to success.
	e := sampleExperience("defaulted")
	e.Outcome = ""
	created, err := s.CreateExperience(e, "tester")
	if err != nil {
		t.Fatalf("CreateExperience failed: %v", err)
	}
	if created.Outcome != "success" {
		t.Errorf("Expected default outcome success, got %q", created.Outcome)
	}

	// Unknown base status is rejected.
	bad := sampleExperience("bad")
	bad.Outcome = "mixed - unclear"
	if _, err := s.CreateExperience(bad, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for unknown outcome, got %v", err)
	}
}

func TestListExperiencesByOutcome(t *testing.T) {
	s := newTestStore(t)

	plain := sampleExperience("plain-failure")
	qualified := sampleExperience("qualified-failure")
	qualified.Outcome = "failure - OOM under load"
	success := sampleExperience("a-success")
	success.Outcome = "success"

	for _, e := range []*Experience{plain, qualified, success} {
		if _, err := s.CreateExperience(e, "tester"); err != nil {
			t.Fatalf("CreateExperience failed: %v", err)
		}
	}

	// Filtering by base status matches bare and qualified outcomes.
	failures, err := s.ListExperiences(EntryFilter{Outcome: "failure"})
	if err != nil {
		t.Fatalf("ListExperiences failed: %v", err)
	}
	if len(failures) != 2 {
		t.Errorf("Expected 2 failures, got %d", len(failures))
	}

	successes, err := s.ListExperiences(EntryFilter{Outcome: "success"})
	if err != nil {
		t.Fatalf("ListExperiences failed: %v", err)
	}
	if len(successes) != 1 {
		t.Errorf("Expected 1 success, got %d", len(successes))
	}
}

func TestListExperiencesAutoDetected(t *testing.T) {
	s := newTestStore(t)

	auto := sampleExperience("auto-captured")
	auto.AutoDetected = true
	manual := sampleExperience("hand-written")

	for _, e := range []*Experience{auto, manual} {
		if _, err := s.CreateExperience(e, "tester"); err != nil {
			t.Fatalf("CreateExperience failed: %v", err)
		}
	}

	tru := true
	hits, err := s.ListExperiences(EntryFilter{AutoDetected: &tru})
	if err != nil {
		t.Fatalf("ListExperiences failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "auto-captured" {
		t.Errorf("Expected only the auto-detected experience, got %d hits", len(hits))
	}

	fals := false
	hits, err = s.ListExperiences(EntryFilter{AutoDetected: &fals})
	if err != nil {
		t.Fatalf("ListExperiences failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "hand-written" {
		t.Errorf("Expected only the manual experience, got %d hits", len(hits))
	}
}

func TestExperienceTitleUniquePerScope(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateExperience(sampleExperience("same-title"), "tester"); err != nil {
		t.Fatalf("CreateExperience failed: %v", err)
	}
	if _, err := s.CreateExperience(sampleExperience("same-title"), "tester"); !memerr.IsUniqueConstraint(err) {
		t.Errorf("Expected unique constraint, got %v", err)
	}
}

func TestExperienceUpdateLearnings(t *testing.T) {
	s := newTestStore(t)

	e, err := s.CreateExperience(sampleExperience("learned"), "tester")
	if err != nil {
		t.Fatalf("CreateExperience failed: %v", err)
	}

	learnings := "Gate migrations on the deploy finishing."
	updated, err := s.UpdateExperience(e.ID, ExperienceUpdate{Learnings: &learnings}, "tester")
	if err != nil {
		t.Fatalf("UpdateExperience failed: %v", err)
	}
	if updated.Learnings != learnings {
		t.Errorf("Learnings not updated")
	}
	if updated.Title != e.Title {
		t.Errorf("Title should be unchanged")
	}
}
