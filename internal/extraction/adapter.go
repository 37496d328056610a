// Package extraction adapts a language model for the two structured
// decisions mnemo delegates to one: classifying a text into an entry kind,
// and sweeping a conversation transcript for entries worth keeping.
// Responses are always structured JSON; free-form prose never reaches the
// store. Every caller has a non-LLM fallback path, so implementations
// expose Available and degrade by returning errors, never by blocking.
package extraction

import (
	"context"
	"strings"
)

// Adapter is the narrow LLM capability consumed by the classifier and the
// session-end sweep.
type Adapter interface {
	// Available reports whether the adapter can make calls at all.
	Available() bool

	// ClassifyText returns a structured kind decision for one text.
	ClassifyText(ctx context.Context, text string) (*Decision, error)

	// ExtractEntries mines a conversation transcript for candidate entries.
	ExtractEntries(ctx context.Context, messages []Message) ([]Candidate, error)
}

// Decision is the classifier-facing verdict.
type Decision struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Message is one conversation turn handed to ExtractEntries.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Candidate is one extracted entry proposal. Content carries the scenario
// for experience candidates; Outcome is only meaningful for experiences.
type Candidate struct {
	Kind       string   `json:"kind"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Category   string   `json:"category,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// entry kinds the model may emit, matching the store's tables.
var validKinds = map[string]bool{
	"guideline":  true,
	"knowledge":  true,
	"tool":       true,
	"experience": true,
}

// normalizeDecision lowercases the type, clamps confidence into [0,1] and
// rejects kinds the store has no table for.
func normalizeDecision(d *Decision) bool {
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	if !validKinds[d.Type] {
		return false
	}
	d.Confidence = clamp01(d.Confidence)
	return true
}

// normalizeCandidates drops unusable proposals and sanitizes the rest.
// Returns the kept candidates and the number dropped.
func normalizeCandidates(in []Candidate) ([]Candidate, int) {
	out := make([]Candidate, 0, len(in))
	dropped := 0
	for _, c := range in {
		c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
		c.Title = strings.TrimSpace(c.Title)
		c.Content = strings.TrimSpace(c.Content)
		if !validKinds[c.Kind] || c.Title == "" || c.Content == "" {
			dropped++
			continue
		}
		c.Confidence = clamp01(c.Confidence)
		out = append(out, c)
	}
	return out, dropped
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
