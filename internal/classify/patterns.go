package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mnemo/internal/store"
)

// Pattern is one entry in the ordered classification catalog. Type is the
// entry kind the pattern votes for; PatternType labels the signal family
// (prefix, keyword, phrase, structure, command).
type Pattern struct {
	ID          string
	Type        string
	Regexp      *regexp.Regexp
	BaseWeight  float64
	PatternType string
}

// antiMake vetoes the bare-"make" tool pattern: "make sure the tests pass"
// is a directive, not a reference to make(1).
var antiMake = regexp.MustCompile(`(?i)\bmake\s+(sure|the|it)\b`)

// vetoedByAntiMake lists pattern IDs suppressed when antiMake fires.
var vetoedByAntiMake = map[string]bool{"tool-make": true}

// catalog is the ordered pattern set. Order is the tiebreak for reasoning
// output; scoring itself is order-independent.
var catalog = []*Pattern{
	// Guidelines: directives, rules, conventions.
	{ID: "guideline-rule-prefix", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)^\s*rule\s*:`), BaseWeight: 0.90, PatternType: "prefix"},
	{ID: "guideline-always", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\balways\b`), BaseWeight: 0.60, PatternType: "keyword"},
	{ID: "guideline-never", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\bnever\b`), BaseWeight: 0.60, PatternType: "keyword"},
	{ID: "guideline-must", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\b(must( not)?|shall)\b`), BaseWeight: 0.55, PatternType: "keyword"},
	{ID: "guideline-should", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\bshould( not)?\b`), BaseWeight: 0.45, PatternType: "keyword"},
	{ID: "guideline-dont", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\b(do not|don'?t)\b`), BaseWeight: 0.50, PatternType: "keyword"},
	{ID: "guideline-prefer", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\b(prefer|avoid)\b`), BaseWeight: 0.55, PatternType: "keyword"},
	{ID: "guideline-convention", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\b(convention|policy|standard|guideline)s?\b`), BaseWeight: 0.60, PatternType: "keyword"},
	{ID: "guideline-best-practice", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\bbest practices?\b`), BaseWeight: 0.60, PatternType: "phrase"},
	{ID: "guideline-ensure", Type: store.KindGuideline, Regexp: regexp.MustCompile(`(?i)\b(ensure|make sure)\b`), BaseWeight: 0.45, PatternType: "keyword"},

	// Knowledge: facts, definitions, architecture notes.
	{ID: "knowledge-defined", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\b(means|refers to|is defined as|stands for)\b`), BaseWeight: 0.75, PatternType: "phrase"},
	{ID: "knowledge-note-prefix", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)^\s*(note|fyi|fact)\s*[:,]`), BaseWeight: 0.70, PatternType: "prefix"},
	{ID: "knowledge-located", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\b(located|stored|lives|found) (at|in|under)\b`), BaseWeight: 0.65, PatternType: "phrase"},
	{ID: "knowledge-version", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\bv(ersion)?\s?\d+(\.\d+)+\b`), BaseWeight: 0.50, PatternType: "structure"},
	{ID: "knowledge-depends", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\b(depends on|built (on|with)|runs on|written in)\b`), BaseWeight: 0.55, PatternType: "phrase"},
	{ID: "knowledge-is-a", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\bis (a|an|the)\b`), BaseWeight: 0.40, PatternType: "phrase"},
	{ID: "knowledge-system", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\b(architecture|schema|endpoint|database)\b`), BaseWeight: 0.40, PatternType: "keyword"},
	{ID: "knowledge-because", Type: store.KindKnowledge, Regexp: regexp.MustCompile(`(?i)\bbecause\b`), BaseWeight: 0.35, PatternType: "keyword"},

	// Tools: commands, utilities, invocation recipes.
	{ID: "tool-usage-prefix", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)^\s*usage\s*:`), BaseWeight: 0.80, PatternType: "prefix"},
	{ID: "tool-known-command", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)\b(git|docker|kubectl|npm|pnpm|pip|cargo|grep|curl|jq)\s+\S+`), BaseWeight: 0.70, PatternType: "command"},
	{ID: "tool-command-word", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)\b(command|script|binary|executable)\b`), BaseWeight: 0.60, PatternType: "keyword"},
	{ID: "tool-cli", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)\b(cli|command[- ]line|terminal|shell)\b`), BaseWeight: 0.60, PatternType: "keyword"},
	{ID: "tool-run", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)\b(run|execute|invoke)\b`), BaseWeight: 0.50, PatternType: "keyword"},
	{ID: "tool-install", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)\b(install(ed)?|brew|apt(-get)?)\b`), BaseWeight: 0.50, PatternType: "keyword"},
	{ID: "tool-flag", Type: store.KindTool, Regexp: regexp.MustCompile(`\s--?[a-zA-Z][\w-]+`), BaseWeight: 0.45, PatternType: "structure"},
	{ID: "tool-make", Type: store.KindTool, Regexp: regexp.MustCompile(`(?i)\bmake\b`), BaseWeight: 0.40, PatternType: "keyword"},
}

// patternMatch is one catalog hit with its feedback-adjusted weight.
type patternMatch struct {
	pattern *Pattern
	weight  float64
}

// matchPatterns runs the catalog over text, applies the anti-pattern veto
// and the per-pattern feedback multiplier.
func (c *Classifier) matchPatterns(text string) []patternMatch {
	veto := antiMake.MatchString(text)

	var matches []patternMatch
	for _, p := range catalog {
		if veto && vetoedByAntiMake[p.ID] {
			continue
		}
		if !p.Regexp.MatchString(text) {
			continue
		}
		matches = append(matches, patternMatch{
			pattern: p,
			weight:  p.BaseWeight * c.multiplier(p.ID),
		})
	}
	return matches
}

// scorePatterns reduces catalog hits to a (kind, confidence, reasoning)
// verdict. Concordant matches boost confidence, competing types reduce it.
func scorePatterns(matches []patternMatch) (kind string, confidence float64, reasoning string) {
	if len(matches) == 0 {
		return "", 0, "no pattern matched"
	}

	scores := map[string]float64{}
	best := map[string]float64{}
	counts := map[string]int{}
	for _, m := range matches {
		t := m.pattern.Type
		scores[t] += m.weight
		counts[t]++
		if m.weight > best[t] {
			best[t] = m.weight
		}
	}

	kinds := make([]string, 0, len(scores))
	for t := range scores {
		kinds = append(kinds, t)
	}
	// Highest score wins; name ascending keeps ties deterministic.
	sort.Slice(kinds, func(i, j int) bool {
		if scores[kinds[i]] != scores[kinds[j]] {
			return scores[kinds[i]] > scores[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	kind = kinds[0]

	var competing float64
	for _, t := range kinds[1:] {
		competing += scores[t]
	}

	boost := 0.05 * float64(min(counts[kind]-1, 3))
	ratio := competing / scores[kind]
	if ratio > 2 {
		ratio = 2
	}
	confidence = best[kind] + boost - 0.15*ratio
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0.05 {
		confidence = 0.05
	}

	ids := make([]string, 0, counts[kind])
	for _, m := range matches {
		if m.pattern.Type == kind {
			ids = append(ids, m.pattern.ID)
		}
	}
	reasoning = fmt.Sprintf("%d %s pattern(s): %s", counts[kind], kind, strings.Join(ids, ", "))
	if competing > 0 {
		reasoning += fmt.Sprintf("; competing signals from %d other type(s)", len(kinds)-1)
	}
	return kind, confidence, reasoning
}

// matchedPatterns returns the catalog entries that fired on text, in
// catalog order. Used by the learning loop to know which patterns to adjust.
func (c *Classifier) matchedPatterns(text string) []*Pattern {
	matches := c.matchPatterns(text)
	out := make([]*Pattern, len(matches))
	for i, m := range matches {
		out[i] = m.pattern
	}
	return out
}
