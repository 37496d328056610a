package store

import (
	"testing"

	"mnemo/internal/memerr"
)

func TestEpisodeBeginCompleteFlow(t *testing.T) {
	s := newTestStore(t)

	e, err := s.BeginEpisode(&Episode{
		SessionID: "sess-1",
		Title:     "migrate user table",
	}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	if e.Status != EpisodeActive {
		t.Fatalf("Expected active, got %q", e.Status)
	}
	if e.StartedAt == 0 {
		t.Error("Expected startedAt set on begin")
	}

	// Begin writes the started event automatically.
	events, err := s.GetEpisodeEvents(e.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEpisodeEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventStarted {
		t.Fatalf("Expected one started event, got %v", events)
	}

	if _, err := s.AppendEpisodeEvent(e.ID, EventDecision, "chose online migration", map[string]any{"reversible": true}, "tester"); err != nil {
		t.Fatalf("AppendEpisodeEvent failed: %v", err)
	}

	done, err := s.CompleteEpisode(e.ID, "migration applied cleanly", "tester")
	if err != nil {
		t.Fatalf("CompleteEpisode failed: %v", err)
	}
	if done.Status != EpisodeCompleted {
		t.Errorf("Expected completed, got %q", done.Status)
	}
	if done.CompletedAt == 0 {
		t.Error("Expected completedAt set")
	}
	if done.Outcome != "migration applied cleanly" {
		t.Errorf("Outcome not stored")
	}

	// Completion appends its own event; seqs stay dense.
	events, err = s.GetEpisodeEvents(e.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEpisodeEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Errorf("Expected seq %d, got %d", i+1, ev.Seq)
		}
	}
	if events[2].EventType != EventCompleted {
		t.Errorf("Expected completed event last, got %q", events[2].EventType)
	}

	// Terminal episodes freeze event appends.
	if _, err := s.AppendEpisodeEvent(e.ID, EventCheckpoint, "late", nil, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error appending to completed episode, got %v", err)
	}
	// And further transitions.
	if _, err := s.FailEpisode(e.ID, "", "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error transitioning completed episode, got %v", err)
	}
	// And updates.
	title := "renamed"
	if _, err := s.UpdateEpisode(e.ID, &title, nil, nil, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error updating completed episode, got %v", err)
	}
}

func TestEpisodePlannedFlow(t *testing.T) {
	s := newTestStore(t)

	e, err := s.AddEpisode(&Episode{SessionID: "sess-1", Title: "planned work"}, "tester")
	if err != nil {
		t.Fatalf("AddEpisode failed: %v", err)
	}
	if e.Status != EpisodePlanned {
		t.Fatalf("Expected planned, got %q", e.Status)
	}
	if e.StartedAt != 0 {
		t.Error("Planned episode should not have startedAt")
	}

	// Completing from planned skips a state and fails.
	if _, err := s.CompleteEpisode(e.ID, "", "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error completing planned episode, got %v", err)
	}

	started, err := s.StartEpisode(e.ID, "tester")
	if err != nil {
		t.Fatalf("StartEpisode failed: %v", err)
	}
	if started.Status != EpisodeActive {
		t.Errorf("Expected active after start, got %q", started.Status)
	}
	if started.StartedAt == 0 {
		t.Error("Expected startedAt after start")
	}

	events, err := s.GetEpisodeEvents(e.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEpisodeEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventStarted {
		t.Errorf("Expected started event on transition, got %v", events)
	}
}

func TestLogEpisodeRecordsFinishedWork(t *testing.T) {
	s := newTestStore(t)

	// An active episode must not block one-shot logging.
	if _, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "long running"}, "tester"); err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}

	e, err := s.LogEpisode(&Episode{
		SessionID: "sess-1",
		Title:     "hotfix deploy",
	}, "rolled out without downtime", "tester")
	if err != nil {
		t.Fatalf("LogEpisode failed: %v", err)
	}
	if e.Status != EpisodeCompleted {
		t.Fatalf("Expected completed, got %q", e.Status)
	}
	if e.StartedAt == 0 || e.CompletedAt == 0 {
		t.Error("Expected started and completed timestamps")
	}
	if e.Outcome != "rolled out without downtime" {
		t.Errorf("Outcome not stored, got %q", e.Outcome)
	}

	events, err := s.GetEpisodeEvents(e.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEpisodeEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected started+completed events, got %d", len(events))
	}
	if events[0].EventType != EventStarted || events[1].EventType != EventCompleted {
		t.Errorf("Unexpected event types %q, %q", events[0].EventType, events[1].EventType)
	}

	// The session's active episode survived.
	active, err := s.ActiveEpisode("sess-1")
	if err != nil {
		t.Fatalf("ActiveEpisode failed: %v", err)
	}
	if active.Title != "long running" {
		t.Errorf("Active episode clobbered: %q", active.Title)
	}
}

func TestEpisodeCancelFromPlanned(t *testing.T) {
	s := newTestStore(t)

	e, err := s.AddEpisode(&Episode{SessionID: "sess-1", Title: "abandoned plan"}, "tester")
	if err != nil {
		t.Fatalf("AddEpisode failed: %v", err)
	}
	cancelled, err := s.CancelEpisode(e.ID, "descoped", "tester")
	if err != nil {
		t.Fatalf("CancelEpisode failed: %v", err)
	}
	if cancelled.Status != EpisodeCancelled {
		t.Errorf("Expected cancelled, got %q", cancelled.Status)
	}

	// Cancel does not write an automatic event.
	events, err := s.GetEpisodeEvents(e.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEpisodeEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events for cancelled planned episode, got %d", len(events))
	}
}

func TestEpisodeFailWritesErrorEvent(t *testing.T) {
	s := newTestStore(t)

	e, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "doomed"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	if _, err := s.FailEpisode(e.ID, "ran out of disk", "tester"); err != nil {
		t.Fatalf("FailEpisode failed: %v", err)
	}

	events, err := s.GetEpisodeEvents(e.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEpisodeEvents failed: %v", err)
	}
	last := events[len(events)-1]
	if last.EventType != EventError {
		t.Errorf("Expected error event on failure, got %q", last.EventType)
	}
	if last.Description != "ran out of disk" {
		t.Errorf("Expected outcome as event description, got %q", last.Description)
	}
}

func TestOneActiveEpisodePerSession(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "first"}, "tester"); err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	_, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "second"}, "tester")
	if !memerr.IsUniqueConstraint(err) {
		t.Fatalf("Expected unique constraint for second active episode, got %v", err)
	}

	// A different session is unaffected.
	if _, err := s.BeginEpisode(&Episode{SessionID: "sess-2", Title: "other"}, "tester"); err != nil {
		t.Errorf("Different session should begin fine: %v", err)
	}

	// Starting a planned episode while one is active collides too.
	planned, err := s.AddEpisode(&Episode{SessionID: "sess-1", Title: "queued"}, "tester")
	if err != nil {
		t.Fatalf("AddEpisode failed: %v", err)
	}
	if _, err := s.StartEpisode(planned.ID, "tester"); !memerr.IsUniqueConstraint(err) {
		t.Errorf("Expected unique constraint starting with one active, got %v", err)
	}
}

func TestEpisodeResolution(t *testing.T) {
	s := newTestStore(t)

	active, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "current"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	planned, err := s.AddEpisode(&Episode{SessionID: "sess-1", Title: "queued"}, "tester")
	if err != nil {
		t.Fatalf("AddEpisode failed: %v", err)
	}

	// Explicit id wins.
	got, err := s.ResolveEpisode(planned.ID, "", "")
	if err != nil {
		t.Fatalf("ResolveEpisode by id failed: %v", err)
	}
	if got.ID != planned.ID {
		t.Errorf("Expected planned episode by id")
	}

	// Title within session.
	got, err = s.ResolveEpisode("", "queued", "sess-1")
	if err != nil {
		t.Fatalf("ResolveEpisode by title failed: %v", err)
	}
	if got.ID != planned.ID {
		t.Errorf("Expected planned episode by title")
	}

	// Unknown title falls through to the session's active episode.
	got, err = s.ResolveEpisode("", "no-such-title", "sess-1")
	if err != nil {
		t.Fatalf("ResolveEpisode fallback failed: %v", err)
	}
	if got.ID != active.ID {
		t.Errorf("Expected fallback to the active episode")
	}

	// Session only.
	got, err = s.ResolveEpisode("", "", "sess-1")
	if err != nil {
		t.Fatalf("ResolveEpisode by session failed: %v", err)
	}
	if got.ID != active.ID {
		t.Errorf("Expected active episode for the session")
	}

	// Nothing to go on.
	if _, err := s.ResolveEpisode("", "", ""); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for empty resolution, got %v", err)
	}
}

func TestEpisodeLinksAndTimeline(t *testing.T) {
	s := newTestStore(t)

	e, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "with links"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	k, err := s.CreateKnowledge(sampleKnowledge("linked-knowledge"), "tester")
	if err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}

	if err := s.LinkEpisodeEntity(e.ID, KindKnowledge, k.ID, LinkCreated, "tester"); err != nil {
		t.Fatalf("LinkEpisodeEntity failed: %v", err)
	}
	// Relinking the same role is idempotent.
	if err := s.LinkEpisodeEntity(e.ID, KindKnowledge, k.ID, LinkCreated, "tester"); err != nil {
		t.Fatalf("Duplicate link failed: %v", err)
	}

	links, err := s.GetEpisodeLinks(e.ID)
	if err != nil {
		t.Fatalf("GetEpisodeLinks failed: %v", err)
	}
	if len(links) != 1 || links[0].Role != LinkCreated {
		t.Fatalf("Expected one created link, got %v", links)
	}

	// Unknown role and unknown kind are rejected.
	if err := s.LinkEpisodeEntity(e.ID, KindKnowledge, k.ID, "owns", "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for bad role, got %v", err)
	}
	if err := s.LinkEpisodeEntity(e.ID, "widget", "x", LinkCreated, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for bad kind, got %v", err)
	}
	if err := s.LinkEpisodeEntity(e.ID, KindTool, "ghost", LinkCreated, "tester"); !memerr.IsNotFound(err) {
		t.Errorf("Expected not found for missing entity, got %v", err)
	}

	// Timeline merges events and links chronologically.
	items, err := s.EpisodeTimeline(e.ID)
	if err != nil {
		t.Fatalf("EpisodeTimeline failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 timeline items (event + link), got %d", len(items))
	}
	var sawEvent, sawLink bool
	for _, item := range items {
		if item.Event != nil {
			sawEvent = true
		}
		if item.Link != nil {
			sawLink = true
		}
	}
	if !sawEvent || !sawLink {
		t.Errorf("Timeline missing event or link: event=%v link=%v", sawEvent, sawLink)
	}
	for i := 1; i < len(items); i++ {
		if items[i].At < items[i-1].At {
			t.Error("Timeline out of order")
		}
	}
}

func TestEpisodeMessagesWindow(t *testing.T) {
	s := newTestStore(t)

	c := startTestConversation(t, s, "sess-1")
	if _, err := s.AddMessage(c.ID, &Message{Role: RoleUser, Content: "before episode"}, "tester"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	e, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "windowed"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	if _, err := s.AddMessage(c.ID, &Message{Role: RoleUser, Content: "during episode"}, "tester"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	msgs, err := s.EpisodeMessages(e.ID, 0)
	if err != nil {
		t.Fatalf("EpisodeMessages failed: %v", err)
	}
	for _, m := range msgs {
		if m.Content == "before episode" && m.CreatedAt < e.StartedAt {
			t.Error("Message before the episode window leaked in")
		}
	}
}

func TestWhatHappenedDigest(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "first task"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	if _, err := s.CompleteEpisode(e1.ID, "done", "tester"); err != nil {
		t.Fatalf("CompleteEpisode failed: %v", err)
	}
	if _, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "second task"}, "tester"); err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}

	digests, err := s.WhatHappened("sess-1", 10)
	if err != nil {
		t.Fatalf("WhatHappened failed: %v", err)
	}
	if len(digests) != 2 {
		t.Fatalf("Expected 2 episode digests, got %d", len(digests))
	}
	for _, d := range digests {
		if len(d.Events) == 0 {
			t.Errorf("Digest for %s missing events", d.Episode.Title)
		}
	}
}

func TestEpisodeDeactivateHidesFromList(t *testing.T) {
	s := newTestStore(t)

	e, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "hideme"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	if err := s.SetEpisodeActive(e.ID, false, "tester"); err != nil {
		t.Fatalf("SetEpisodeActive failed: %v", err)
	}

	visible, err := s.ListEpisodes(EpisodeFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("ListEpisodes failed: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("Expected deactivated episode hidden, got %d", len(visible))
	}

	all, err := s.ListEpisodes(EpisodeFilter{SessionID: "sess-1", IncludeInactive: true})
	if err != nil {
		t.Fatalf("ListEpisodes failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 with IncludeInactive, got %d", len(all))
	}
}

func TestCausalChainFromEpisode(t *testing.T) {
	s := newTestStore(t)

	incident, err := s.CreateKnowledge(sampleKnowledge("outage"), "tester")
	if err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}
	cause, err := s.CreateKnowledge(sampleKnowledge("bad-config"), "tester")
	if err != nil {
		t.Fatalf("CreateKnowledge failed: %v", err)
	}
	if _, err := s.AddRelation(&Relation{
		FromKind: KindKnowledge, FromID: incident.ID,
		Relation: RelationCausedBy,
		ToKind:   KindKnowledge, ToID: cause.ID,
	}, "tester"); err != nil {
		t.Fatalf("AddRelation failed: %v", err)
	}

	e, err := s.BeginEpisode(&Episode{SessionID: "sess-1", Title: "incident response"}, "tester")
	if err != nil {
		t.Fatalf("BeginEpisode failed: %v", err)
	}
	if err := s.LinkEpisodeEntity(e.ID, KindKnowledge, incident.ID, LinkCreated, "tester"); err != nil {
		t.Fatalf("LinkEpisodeEntity failed: %v", err)
	}

	chain, err := s.CausalChain(e.ID, 3)
	if err != nil {
		t.Fatalf("CausalChain failed: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("Expected 1 causal node, got %d", len(chain))
	}
	if chain[0].Ref.ID != cause.ID {
		t.Errorf("Expected the cause in the chain, got %s", chain[0].Ref.ID)
	}
	if chain[0].Name != "bad-config" {
		t.Errorf("Expected resolved name, got %q", chain[0].Name)
	}
}
