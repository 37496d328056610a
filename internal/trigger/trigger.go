// Package trigger spots experience-worthy moments in conversation turns:
// "fixed X by Y", "root cause was X", "learned that X while Y" and friends.
// A high-confidence hit redirects the remember path toward experience
// capture even when the classifier would have filed the text elsewhere.
package trigger

import (
	"regexp"
	"strings"
)

// HighConfidenceThreshold is the family confidence at or above which a
// hit counts as a redirect-worthy signal.
const HighConfidenceThreshold = 0.8

// maxTitleLen keeps derived titles scannable in list output.
const maxTitleLen = 80

// Trigger is one detected cue.
type Trigger struct {
	Pattern    string  `json:"pattern"`
	Confidence float64 `json:"confidence"`
	Match      string  `json:"match"`
}

// Parsed is the experience draft derived from a triggering turn.
type Parsed struct {
	Title      string  `json:"title"`
	Scenario   string  `json:"scenario"`
	Outcome    string  `json:"outcome"`
	Category   string  `json:"category"`
	Pattern    string  `json:"pattern"`
	Confidence float64 `json:"confidence"`
}

// family is one cue shape. parse derives the draft fields from the
// regex submatches; nil parse families only contribute detection.
type family struct {
	name       string
	re         *regexp.Regexp
	confidence float64
	parse      func(groups []string) (title, outcome string)
}

// families is ordered by confidence, strongest first. Parse takes the
// first (strongest) hit.
var families = []family{
	{
		name:       "fixed-by",
		re:         regexp.MustCompile(`(?i)\bfixed\s+(.+?)\s+by\s+(.+)`),
		confidence: 0.90,
		parse: func(g []string) (string, string) {
			return "Fixed " + g[1], "success - fixed by " + strings.TrimRight(g[2], ".!? ")
		},
	},
	{
		name:       "solution-was",
		re:         regexp.MustCompile(`(?i)\bthe\s+(fix|solution)\s+(was|is)\s+(.+)`),
		confidence: 0.85,
		parse: func(g []string) (string, string) {
			solution := strings.TrimRight(g[3], ".!? ")
			return "Solution: " + solution, "success - " + solution
		},
	},
	{
		name:       "root-cause",
		re:         regexp.MustCompile(`(?i)\broot\s+cause\s+(was|is)\s+(.+)`),
		confidence: 0.85,
		parse: func(g []string) (string, string) {
			cause := strings.TrimRight(g[2], ".!? ")
			return "Root cause: " + cause, "success - root cause identified"
		},
	},
	{
		name:       "learned-that",
		re:         regexp.MustCompile(`(?i)\blearned\s+that\s+(.+?)\s+(when|while)\s+(.+)`),
		confidence: 0.80,
		parse: func(g []string) (string, string) {
			return "Learned: " + g[1], "success - learned that " + strings.TrimRight(g[1], ".!? ")
		},
	},
	{
		name:       "figured-out",
		re:         regexp.MustCompile(`(?i)\bfigured\s+out\s+(.+?)\s+by\s+(.+)`),
		confidence: 0.80,
		parse: func(g []string) (string, string) {
			return "Figured out " + g[1], "success - " + strings.TrimRight(g[2], ".!? ")
		},
	},
	{
		name:       "resolved",
		re:         regexp.MustCompile(`(?i)\b(resolved|solved)\s+(.+)`),
		confidence: 0.75,
		parse: func(g []string) (string, string) {
			problem := strings.TrimRight(g[2], ".!? ")
			return "Resolved " + problem, "success - resolved"
		},
	},
	{
		name:       "summary",
		re:         regexp.MustCompile(`^([^:\n]{3,80}):\s+(.+)`),
		confidence: 0.50,
		parse: func(g []string) (string, string) {
			return g[1], "success - noted"
		},
	},
}

// Detect returns every cue found in text, strongest family first.
func Detect(text string) []Trigger {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []Trigger
	for _, f := range families {
		if m := f.re.FindString(text); m != "" {
			out = append(out, Trigger{Pattern: f.name, Confidence: f.confidence, Match: m})
		}
	}
	return out
}

// HighConfidence reports whether text carries a redirect-worthy cue.
func HighConfidence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, f := range families {
		if f.confidence < HighConfidenceThreshold {
			return false
		}
		if f.re.MatchString(text) {
			return true
		}
	}
	return false
}

// Parse derives an experience draft from the strongest matching family.
// Returns nil when no family matches. The full turn becomes the scenario
// so the stored experience keeps its context.
func Parse(text string) *Parsed {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	for _, f := range families {
		groups := f.re.FindStringSubmatch(trimmed)
		if groups == nil {
			continue
		}
		title, outcome := f.parse(groups)
		return &Parsed{
			Title:      clipTitle(title),
			Scenario:   trimmed,
			Outcome:    outcome,
			Category:   InferCategory(trimmed),
			Pattern:    f.name,
			Confidence: f.confidence,
		}
	}
	return nil
}

// categoryCues maps experience categories to their keyword signals,
// checked in order; first hit wins.
var categoryCues = []struct {
	name string
	re   *regexp.Regexp
}{
	{"debugging", regexp.MustCompile(`(?i)\b(bugs?|crash(es|ed)?|errors?|panic|stack trace|segfault|nil pointer|exception|deadlock|race condition|flaky|broken|debug(ging|ged|ger)?)\b`)},
	{"security", regexp.MustCompile(`(?i)\b(auth|oauth|authentication|authorization|tokens?|permissions?|credentials?|vulnerabilit(y|ies)|injection|xss|csrf|secrets?|tls|certificates?|cve)\b`)},
	{"performance", regexp.MustCompile(`(?i)\b(slow|latency|timeouts?|memory leak|cpu|throughput|optimi[sz](e[sd]?|ing|ation)|cache miss|n\+1|profil(e[sd]?|ing|er))\b`)},
	{"configuration", regexp.MustCompile(`(?i)\b(config\w*|environment variables?|env vars?|flags?|settings?|yaml|toml|dotenv|ports?|version mismatch)\b`)},
	{"integration", regexp.MustCompile(`(?i)\b(apis?|webhooks?|endpoints?|third.party|grpc|https?|protocols?|sockets?|connections?|upstream|downstream)\b`)},
}

// InferCategory picks the experience category for a turn; "general" when
// nothing specific stands out.
func InferCategory(text string) string {
	for _, c := range categoryCues {
		if c.re.MatchString(text) {
			return c.name
		}
	}
	return "general"
}

// clipTitle collapses whitespace and cuts at a word boundary.
func clipTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	title = strings.TrimRight(title, ".!?,; ")
	if len(title) <= maxTitleLen {
		return title
	}
	cut := strings.LastIndex(title[:maxTitleLen], " ")
	if cut <= 0 {
		cut = maxTitleLen
	}
	return title[:cut]
}
