package capture

import (
	"context"
	"time"

	"mnemo/internal/extraction"
	"mnemo/internal/logging"
	"mnemo/internal/store"
)

// sweepMessageLimit caps how much transcript one sweep loads from the store.
const sweepMessageLimit = 1000

// SweepRequest names the conversation to mine. Messages may be supplied
// directly; when empty they are loaded from the store by ConversationID.
// AutoStore writes the surviving candidates as auto-detected entries.
type SweepRequest struct {
	ConversationID string
	Messages       []extraction.Message
	Scope          store.Scope
	AutoStore      bool
	Actor          string
}

// SweepResult reports what the sweep found. Extractor trouble surfaces as
// Success=false with a message, never as an error return.
type SweepResult struct {
	MissedEntries      []extraction.Candidate `json:"missedEntries"`
	Stored             []store.EntryRef       `json:"stored,omitempty"`
	TotalExtracted     int                    `json:"totalExtracted"`
	DuplicatesFiltered int                    `json:"duplicatesFiltered"`
	BelowThreshold     int                    `json:"belowThreshold"`
	ProcessingTimeMS   int64                  `json:"processingTimeMs"`
	Success            bool                   `json:"success"`
	Error              string                 `json:"error,omitempty"`
}

// SweepConversation mines a finished conversation for entries worth
// keeping: extract candidates, drop the low-confidence and duplicate ones,
// cap the rest, and optionally store them.
func (s *Service) SweepConversation(ctx context.Context, req SweepRequest) *SweepResult {
	start := time.Now()
	res := &SweepResult{Success: true}
	finish := func() *SweepResult {
		res.ProcessingTimeMS = time.Since(start).Milliseconds()
		logging.Audit().SweepResult(req.ConversationID, len(res.Stored),
			res.DuplicatesFiltered+res.BelowThreshold, res.ProcessingTimeMS, res.Success, res.Error)
		return res
	}

	msgs := req.Messages
	if len(msgs) == 0 && req.ConversationID != "" {
		loaded, err := s.loadMessages(req.ConversationID)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			return finish()
		}
		msgs = loaded
	}

	if len(msgs) < s.cfg.MinMessages {
		logging.CaptureDebug("sweep %s: %d messages, below minimum %d",
			req.ConversationID, len(msgs), s.cfg.MinMessages)
		return finish()
	}

	if s.adapter == nil || !s.adapter.Available() {
		res.Success = false
		res.Error = "extraction adapter unavailable"
		return finish()
	}

	candidates, err := s.adapter.ExtractEntries(ctx, msgs)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		logging.CaptureWarn("sweep %s: extraction failed: %v", req.ConversationID, err)
		return finish()
	}
	res.TotalExtracted = len(candidates)

	for _, c := range candidates {
		if len(res.MissedEntries) >= s.cfg.MaxEntries {
			break
		}
		if c.Confidence < s.cfg.SweepConfidenceThreshold {
			res.BelowThreshold++
			continue
		}
		if s.isDuplicate(ctx, c, req.Scope) {
			res.DuplicatesFiltered++
			continue
		}
		res.MissedEntries = append(res.MissedEntries, c)
	}

	if req.AutoStore {
		actor := actorOrDefault(req.Actor)
		for _, c := range res.MissedEntries {
			ref, _, reused, err := s.insert(entrySpec{
				Kind:         c.Kind,
				Title:        c.Title,
				Content:      c.Content,
				Category:     c.Category,
				Outcome:      c.Outcome,
				Tags:         c.Tags,
				Confidence:   c.Confidence,
				AutoDetected: true,
				Scope:        req.Scope,
			}, actor)
			if err != nil {
				logging.CaptureWarn("sweep %s: storing %s %q failed: %v",
					req.ConversationID, c.Kind, c.Title, err)
				continue
			}
			if reused {
				res.DuplicatesFiltered++
				continue
			}
			res.Stored = append(res.Stored, ref)
		}
	}

	logging.Capture("sweep %s: extracted=%d kept=%d stored=%d dup=%d low=%d",
		req.ConversationID, res.TotalExtracted, len(res.MissedEntries),
		len(res.Stored), res.DuplicatesFiltered, res.BelowThreshold)
	return finish()
}

// loadMessages pulls the transcript from the store in extraction shape.
func (s *Service) loadMessages(conversationID string) ([]extraction.Message, error) {
	stored, err := s.store.GetMessages(conversationID, sweepMessageLimit, 0)
	if err != nil {
		return nil, err
	}
	msgs := make([]extraction.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, extraction.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

// isDuplicate reports whether a candidate already exists: an exact title
// match in the target scope or global, or a near-identical embedding when
// an engine is wired. Probe failures count as unique; a duplicate slipping
// through is cheaper than losing a real entry.
func (s *Service) isDuplicate(ctx context.Context, c extraction.Candidate, scope store.Scope) bool {
	for _, sc := range scopeChain(scope) {
		if s.titleExists(c.Kind, c.Title, sc) {
			return true
		}
	}

	if s.engine == nil {
		return false
	}
	vec, err := s.engine.Embed(ctx, c.Title+". "+c.Content)
	if err != nil {
		logging.CaptureDebug("sweep duplicate probe: embed failed: %v", err)
		return false
	}
	hits, err := s.store.SimilarByVector(vec, []string{c.Kind}, 1)
	if err != nil || len(hits) == 0 {
		return false
	}
	return hits[0].Similarity >= s.cfg.DuplicateSimilarity
}

// titleExists probes one repository for an exact name/title match.
func (s *Service) titleExists(kind, title string, scope store.Scope) bool {
	var err error
	switch kind {
	case store.KindGuideline:
		_, err = s.store.GetGuidelineByName(title, scope)
	case store.KindKnowledge:
		_, err = s.store.GetKnowledgeByTitle(title, scope)
	case store.KindTool:
		_, err = s.store.GetToolByName(title, scope)
	case store.KindExperience:
		_, err = s.store.GetExperienceByTitle(title, scope)
	default:
		return false
	}
	return err == nil
}

// scopeChain lists the scopes the exact-title probe checks: the target
// scope plus global. Cross-scope near-duplicates are left to the embedding
// probe, which searches the whole index.
func scopeChain(sc store.Scope) []store.Scope {
	if sc.Type == "" || sc.Type == store.ScopeGlobal {
		return []store.Scope{store.GlobalScope()}
	}
	return []store.Scope{sc, store.GlobalScope()}
}
