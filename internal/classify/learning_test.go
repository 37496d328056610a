package classify

import (
	"context"
	"testing"
	"time"

	"mnemo/internal/store"
)

func TestCorrectFeedbackApproachesBoostCeiling(t *testing.T) {
	cfg := testConfig()
	c := New(newFakeFeedbackStore(), nil, cfg)

	text := "Rule: always use tabs"
	ceiling := 1 + cfg.MaxPatternBoost

	prev := c.multiplier("guideline-rule-prefix")
	for i := 0; i < 100; i++ {
		if err := c.RecordCorrection(text, store.KindGuideline, store.KindGuideline); err != nil {
			t.Fatalf("RecordCorrection failed: %v", err)
		}
		m := c.multiplier("guideline-rule-prefix")
		if m < prev {
			t.Fatalf("multiplier regressed at step %d: %.4f -> %.4f", i, prev, m)
		}
		if m > ceiling {
			t.Fatalf("multiplier exceeded ceiling at step %d: %.4f > %.4f", i, m, ceiling)
		}
		prev = m
	}
	if ceiling-prev > 0.01 {
		t.Errorf("expected multiplier near %.2f after 100 confirmations, got %.4f", ceiling, prev)
	}
}

func TestIncorrectFeedbackApproachesPenaltyFloor(t *testing.T) {
	cfg := testConfig()
	c := New(newFakeFeedbackStore(), nil, cfg)

	text := "Rule: always use tabs"
	floor := 1 - cfg.MaxPatternPenalty

	prev := c.multiplier("guideline-rule-prefix")
	for i := 0; i < 100; i++ {
		if err := c.RecordCorrection(text, store.KindGuideline, store.KindKnowledge); err != nil {
			t.Fatalf("RecordCorrection failed: %v", err)
		}
		m := c.multiplier("guideline-rule-prefix")
		if m > prev {
			t.Fatalf("multiplier rose at step %d: %.4f -> %.4f", i, prev, m)
		}
		if m < floor {
			t.Fatalf("multiplier crossed floor at step %d: %.4f < %.4f", i, m, floor)
		}
		prev = m
	}
	if prev-floor > 0.01 {
		t.Errorf("expected multiplier near %.2f after 100 corrections, got %.4f", floor, prev)
	}
}

func TestCorrectionAdjustsOnlyMatchedPatterns(t *testing.T) {
	c := New(newFakeFeedbackStore(), nil, testConfig())

	// Only the bare-make tool pattern matches this text.
	if err := c.RecordCorrection("make something happen", store.KindTool, store.KindGuideline); err != nil {
		t.Fatalf("RecordCorrection failed: %v", err)
	}

	if m := c.multiplier("tool-make"); m >= 1.0 {
		t.Errorf("matched pattern should be penalized, got %.4f", m)
	}
	if m := c.multiplier("guideline-rule-prefix"); m != 1.0 {
		t.Errorf("unmatched pattern must stay neutral, got %.4f", m)
	}
}

func TestCorrectionSplitsByVote(t *testing.T) {
	c := New(newFakeFeedbackStore(), nil, testConfig())

	// Text matches both guideline (never) and tool (run) patterns.
	text := "never run the installer"
	if err := c.RecordCorrection(text, store.KindTool, store.KindGuideline); err != nil {
		t.Fatalf("RecordCorrection failed: %v", err)
	}

	if m := c.multiplier("guideline-never"); m <= 1.0 {
		t.Errorf("pattern voting for the actual kind should be boosted, got %.4f", m)
	}
	if m := c.multiplier("tool-run"); m >= 1.0 {
		t.Errorf("pattern voting against the actual kind should be penalized, got %.4f", m)
	}
}

func TestCorrectionPersistsPatternState(t *testing.T) {
	fs := newFakeFeedbackStore()
	c := New(fs, nil, testConfig())

	if err := c.RecordCorrection("Rule: always use tabs", store.KindGuideline, store.KindGuideline); err != nil {
		t.Fatalf("RecordCorrection failed: %v", err)
	}

	pc, err := fs.GetPatternConfidence("guideline-rule-prefix")
	if err != nil {
		t.Fatalf("expected persisted pattern state: %v", err)
	}
	if pc.TotalMatches != 1 || pc.CorrectMatches != 1 || pc.IncorrectMatches != 0 {
		t.Errorf("unexpected counts: %+v", pc)
	}
	if pc.Multiplier <= 1.0 {
		t.Errorf("expected boosted multiplier, got %.4f", pc.Multiplier)
	}
	if pc.PatternType != store.KindGuideline {
		t.Errorf("expected pattern type %s, got %s", store.KindGuideline, pc.PatternType)
	}
}

func TestHydrateRestoresMultipliers(t *testing.T) {
	fs := newFakeFeedbackStore()
	fs.patterns["guideline-always"] = &store.PatternConfidence{
		PatternID:   "guideline-always",
		PatternType: store.KindGuideline,
		Multiplier:  1.12,
	}
	// Out-of-range persisted values are clamped on load.
	fs.patterns["tool-make"] = &store.PatternConfidence{
		PatternID:   "tool-make",
		PatternType: store.KindTool,
		Multiplier:  0.10,
	}

	cfg := testConfig()
	c := New(fs, nil, cfg)

	if m := c.multiplier("guideline-always"); m != 1.12 {
		t.Errorf("expected hydrated multiplier 1.12, got %.4f", m)
	}
	if m := c.multiplier("tool-make"); m != 1-cfg.MaxPatternPenalty {
		t.Errorf("expected clamped multiplier %.2f, got %.4f", 1-cfg.MaxPatternPenalty, m)
	}
}

func TestRecordCorrectionValidation(t *testing.T) {
	c := New(nil, nil, testConfig())

	if err := c.RecordCorrection("", store.KindGuideline, store.KindKnowledge); err == nil {
		t.Error("expected error for empty text")
	}
	if err := c.RecordCorrection("text", "poem", store.KindKnowledge); err == nil {
		t.Error("expected error for invalid predicted kind")
	}
	if err := c.RecordCorrection("text", store.KindGuideline, "poem"); err == nil {
		t.Error("expected error for invalid actual kind")
	}
}

func TestRecordCorrectionSurfacesStoreFailure(t *testing.T) {
	fs := newFakeFeedbackStore()
	fs.failAll = true
	c := New(fs, nil, testConfig())

	err := c.RecordCorrection("Rule: always use tabs", store.KindGuideline, store.KindKnowledge)
	if err == nil {
		t.Fatal("expected error when feedback row cannot be appended")
	}
	// In-memory learning still proceeds so the session keeps improving.
	if m := c.multiplier("guideline-rule-prefix"); m >= 1.0 {
		t.Errorf("expected in-memory adjustment despite store failure, got %.4f", m)
	}
}

func TestCorrectionInvalidatesCachedVerdict(t *testing.T) {
	c := New(newFakeFeedbackStore(), nil, testConfig())

	text := "Rule: always use tabs"
	first, err := c.Classify(context.Background(), text, Options{})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if first.AdjustedByFeedback {
		t.Fatal("fresh verdict should be unadjusted")
	}

	if err := c.RecordCorrection(text, store.KindGuideline, store.KindKnowledge); err != nil {
		t.Fatalf("RecordCorrection failed: %v", err)
	}

	second, err := c.Classify(context.Background(), text, Options{})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !second.AdjustedByFeedback {
		t.Error("expected recomputed verdict with feedback adjustment, got stale cache entry")
	}
	if second.Confidence >= first.Confidence {
		t.Errorf("penalized patterns should lower confidence: %.4f -> %.4f", first.Confidence, second.Confidence)
	}
}

func TestStatsWeightedAccuracy(t *testing.T) {
	fs := newFakeFeedbackStore()
	c := New(fs, nil, testConfig())

	now := time.Now().UnixMilli()
	fs.feedback = []*store.Feedback{
		{Predicted: "guideline", Actual: "guideline", Correct: true, CreatedAt: now},
		{Predicted: "tool", Actual: "knowledge", Correct: false, CreatedAt: now - 90*24*time.Hour.Milliseconds()},
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalFeedback != 2 || stats.CorrectFeedback != 1 {
		t.Errorf("unexpected raw counts: %+v", stats)
	}
	// The incorrect row is far past the decay window, so only the recent
	// correct row carries weight.
	if stats.WeightedAccuracy != 1.0 {
		t.Errorf("expected weighted accuracy 1.0, got %.4f", stats.WeightedAccuracy)
	}
	if stats.CatalogSize != len(catalog) {
		t.Errorf("expected catalog size %d, got %d", len(catalog), stats.CatalogSize)
	}
}

func TestStatsCountsAdjustedPatterns(t *testing.T) {
	c := New(newFakeFeedbackStore(), nil, testConfig())

	if err := c.RecordCorrection("Rule: always use tabs", store.KindGuideline, store.KindGuideline); err != nil {
		t.Fatalf("RecordCorrection failed: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.AdjustedPatterns != 2 {
		t.Errorf("expected 2 adjusted patterns (rule prefix + always), got %d", stats.AdjustedPatterns)
	}
}
