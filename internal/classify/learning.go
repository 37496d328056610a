package classify

import (
	"strings"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

// hydrate loads persisted pattern weights so learning survives restarts.
func (c *Classifier) hydrate() {
	if c.store == nil {
		return
	}
	rows, err := c.store.ListPatternConfidence(0)
	if err != nil {
		logging.ClassifyDebug("pattern weight hydration failed: %v", err)
		return
	}
	c.mu.Lock()
	for _, pc := range rows {
		c.state[pc.PatternID] = &patternState{
			multiplier:       c.clampMultiplier(pc.Multiplier),
			totalMatches:     pc.TotalMatches,
			correctMatches:   pc.CorrectMatches,
			incorrectMatches: pc.IncorrectMatches,
		}
	}
	c.mu.Unlock()
	if len(rows) > 0 {
		logging.Classify("hydrated %d learned pattern weights", len(rows))
	}
}

// multiplier returns the feedback weight for a pattern, 1.0 when the
// pattern has never received feedback.
func (c *Classifier) multiplier(patternID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.state[patternID]; ok {
		return st.multiplier
	}
	return 1.0
}

func (c *Classifier) clampMultiplier(m float64) float64 {
	lo := 1 - c.cfg.MaxPatternPenalty
	hi := 1 + c.cfg.MaxPatternBoost
	if m < lo {
		return lo
	}
	if m > hi {
		return hi
	}
	return m
}

// RecordCorrection teaches the classifier that text is actually of kind
// actual. Every pattern that matched the text is nudged: patterns voting
// for actual move toward 1+maxPatternBoost, the rest toward
// 1-maxPatternPenalty. The feedback row is appended for accuracy tracking.
func (c *Classifier) RecordCorrection(text, predicted, actual string) error {
	return c.recordCorrection(text, predicted, actual, "", 0)
}

func (c *Classifier) recordCorrection(text, predicted, actual, method string, confidence float64) error {
	if strings.TrimSpace(text) == "" {
		return memerr.Validation("text is required")
	}
	if !store.ValidEntryKind(predicted) {
		return memerr.Validationf("unknown entry kind %q", predicted)
	}
	if !store.ValidEntryKind(actual) {
		return memerr.Validationf("unknown entry kind %q", actual)
	}

	for _, p := range c.matchedPatterns(text) {
		c.adjust(p, p.Type == actual)
	}

	textHash := hashText(text)
	if c.store != nil {
		_, err := c.store.AppendFeedback(&store.Feedback{
			TextHash:    textHash,
			TextExcerpt: text,
			Predicted:   predicted,
			Actual:      actual,
			Method:      method,
			Confidence:  confidence,
		})
		if err != nil {
			return err
		}
	}

	// The text's cached verdicts predate this correction.
	c.cache.Remove(cacheKey(textHash, false))
	c.cache.Remove(cacheKey(textHash, true))

	logging.Classify("correction recorded: %s -> %s", predicted, actual)
	return nil
}

// adjust applies one feedback observation to a pattern and persists the
// new state. Multiplier moves monotonically toward its bound and never
// crosses it.
func (c *Classifier) adjust(p *Pattern, correct bool) {
	c.mu.Lock()
	st, ok := c.state[p.ID]
	if !ok {
		st = &patternState{multiplier: 1.0}
		c.state[p.ID] = st
	}
	st.totalMatches++
	if correct {
		st.correctMatches++
		st.multiplier += c.cfg.LearningRate * (1 + c.cfg.MaxPatternBoost - st.multiplier)
	} else {
		st.incorrectMatches++
		st.multiplier -= c.cfg.LearningRate * (st.multiplier - (1 - c.cfg.MaxPatternPenalty))
	}
	st.multiplier = c.clampMultiplier(st.multiplier)
	snapshot := *st
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.UpsertPatternConfidence(&store.PatternConfidence{
			PatternID:        p.ID,
			PatternType:      p.Type,
			BaseWeight:       p.BaseWeight,
			TotalMatches:     snapshot.totalMatches,
			CorrectMatches:   snapshot.correctMatches,
			IncorrectMatches: snapshot.incorrectMatches,
			Multiplier:       snapshot.multiplier,
		})
		if err != nil {
			logging.ClassifyDebug("pattern weight persist failed for %s: %v", p.ID, err)
		}
	}
	logging.Audit().ClassifyFeedback(p.ID, correct, snapshot.multiplier)
}

// Stats summarizes classifier health. Accuracy weights each feedback row
// by a linear decay over FeedbackDecayDays, so stale outcomes fade out.
type Stats struct {
	TotalFeedback    int     `json:"totalFeedback"`
	CorrectFeedback  int     `json:"correctFeedback"`
	WeightedAccuracy float64 `json:"weightedAccuracy"`
	AdjustedPatterns int     `json:"adjustedPatterns"`
	CatalogSize      int     `json:"catalogSize"`
	CachedResults    int     `json:"cachedResults"`
}

func (c *Classifier) Stats() (Stats, error) {
	s := Stats{CatalogSize: len(catalog), CachedResults: c.cache.Len()}

	c.mu.RLock()
	for _, st := range c.state {
		if st.multiplier != 1.0 {
			s.AdjustedPatterns++
		}
	}
	c.mu.RUnlock()

	if c.store == nil {
		return s, nil
	}
	rows, err := c.store.RecentFeedback(500)
	if err != nil {
		return Stats{}, err
	}

	now := time.Now().UnixMilli()
	window := float64(c.cfg.FeedbackDecayDays) * float64(24*time.Hour/time.Millisecond)
	var num, den float64
	for _, f := range rows {
		s.TotalFeedback++
		if f.Correct {
			s.CorrectFeedback++
		}
		w := 1 - float64(now-f.CreatedAt)/window
		if w <= 0 {
			continue
		}
		if w > 1 {
			w = 1
		}
		den += w
		if f.Correct {
			num += w
		}
	}
	if den > 0 {
		s.WeightedAccuracy = num / den
	}
	return s, nil
}
