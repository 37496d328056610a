package query

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"

	"mnemo/internal/store"
)

// candidate accumulates one entry's evidence across channels before
// scoring.
type candidate struct {
	bm25     float64
	cosine   float64
	snippet  string
	depth    int
	relation string
	view     *entryView
}

// entryView is the kind-independent slice of an entry the filter and
// ranking stages need. entry keeps the original record for the payload.
type entryView struct {
	kind       string
	id         string
	name       string
	content    string
	scope      store.Scope
	priority   int
	tags       []string
	active     bool
	createdAt  int64
	updatedAt  int64
	validFrom  int64
	validUntil int64
	entry      any
}

func guidelineView(g *store.Guideline) *entryView {
	return &entryView{
		kind: store.KindGuideline, id: g.ID, name: g.Name, content: g.Content,
		scope: g.Scope, priority: g.Priority, tags: g.Tags, active: g.Active,
		createdAt: g.CreatedAt, updatedAt: g.UpdatedAt, entry: g,
	}
}

func knowledgeView(k *store.Knowledge) *entryView {
	return &entryView{
		kind: store.KindKnowledge, id: k.ID, name: k.Title, content: k.Content,
		scope: k.Scope, priority: k.Priority, tags: k.Tags, active: k.Active,
		createdAt: k.CreatedAt, updatedAt: k.UpdatedAt,
		validFrom: k.ValidFrom, validUntil: k.ValidUntil, entry: k,
	}
}

func toolView(t *store.Tool) *entryView {
	content := t.Description
	if t.Usage != "" {
		content += "\n" + t.Usage
	}
	return &entryView{
		kind: store.KindTool, id: t.ID, name: t.Name, content: content,
		scope: t.Scope, priority: t.Priority, tags: t.Tags, active: t.Active,
		createdAt: t.CreatedAt, updatedAt: t.UpdatedAt, entry: t,
	}
}

func experienceView(e *store.Experience) *entryView {
	content := e.Scenario
	if e.Learnings != "" {
		content += "\n" + e.Learnings
	}
	return &entryView{
		kind: store.KindExperience, id: e.ID, name: e.Title, content: content,
		scope: e.Scope, priority: e.Priority, tags: e.Tags, active: e.Active,
		createdAt: e.CreatedAt, updatedAt: e.UpdatedAt, entry: e,
	}
}

func (s *Service) loadView(ref store.EntryRef) (*entryView, error) {
	switch ref.Kind {
	case store.KindGuideline:
		g, err := s.store.GetGuideline(ref.ID)
		if err != nil {
			return nil, err
		}
		return guidelineView(g), nil
	case store.KindKnowledge:
		k, err := s.store.GetKnowledge(ref.ID)
		if err != nil {
			return nil, err
		}
		return knowledgeView(k), nil
	case store.KindTool:
		t, err := s.store.GetTool(ref.ID)
		if err != nil {
			return nil, err
		}
		return toolView(t), nil
	default:
		e, err := s.store.GetExperience(ref.ID)
		if err != nil {
			return nil, err
		}
		return experienceView(e), nil
	}
}

// matchesFilter applies the request filters to one hydrated candidate.
// The match channels return unfiltered hits, so everything is rechecked
// here; for listed candidates this merely re-confirms the SQL filter.
func matchesFilter(norm Request, scopes []store.Scope, re *regexp.Regexp, v *entryView) bool {
	if v == nil {
		return false
	}
	if !norm.IncludeInactive && !v.active {
		return false
	}
	if len(norm.Types) > 0 && !kindIn(norm.Types, v.kind) {
		return false
	}
	if len(scopes) > 0 && !scopeIn(scopes, v.scope) {
		return false
	}
	if v.priority < norm.MinPriority {
		return false
	}
	if norm.CreatedAfter > 0 && v.createdAt < norm.CreatedAfter {
		return false
	}
	if norm.CreatedBefore > 0 && v.createdAt > norm.CreatedBefore {
		return false
	}
	for _, tag := range norm.Tags {
		if !hasTag(v.tags, tag) {
			return false
		}
	}
	if v.kind == store.KindKnowledge {
		if norm.AtTime > 0 && !validAt(v, norm.AtTime) {
			return false
		}
		if norm.ValidDuring != nil && !overlaps(v, *norm.ValidDuring) {
			return false
		}
	}
	if re != nil && !re.MatchString(v.name) && !re.MatchString(v.content) {
		return false
	}
	return true
}

func kindIn(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func scopeIn(scopes []store.Scope, sc store.Scope) bool {
	for _, s := range scopes {
		if s.Type == sc.Type && s.ID == sc.ID {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// validAt reports whether a knowledge entry was valid at the instant.
// Zero bounds are open.
func validAt(v *entryView, at int64) bool {
	if v.validFrom > 0 && at < v.validFrom {
		return false
	}
	if v.validUntil > 0 && at > v.validUntil {
		return false
	}
	return true
}

// overlaps reports whether the entry's validity window intersects r.
func overlaps(v *entryView, r TimeRange) bool {
	if r.From > 0 && v.validUntil > 0 && v.validUntil < r.From {
		return false
	}
	if r.Until > 0 && v.validFrom > 0 && v.validFrom > r.Until {
		return false
	}
	return true
}

// channelSet records which match channels actually produced evidence
// this run, after subtracting failures.
type channelSet struct {
	keyword  bool
	semantic bool
	relation bool
}

// scoreCandidate fuses channel evidence into one score. With both match
// channels live the configured weights apply; a single live channel
// passes its normalized score through unchanged; graph hits decay with
// hop count; plain listings blend priority and freshness.
func (s *Service) scoreCandidate(c *candidate, v *entryView, ch channelSet, nowMS int64) float64 {
	w := s.weights
	switch {
	case ch.keyword && ch.semantic:
		if c.bm25 == 0 && c.cosine == 0 && c.depth > 0 {
			return 1 / float64(c.depth)
		}
		return w.BM25*c.bm25 + w.Semantic*c.cosine +
			w.Priority*priorityScore(v.priority) + w.Freshness*freshness(v, nowMS)
	case ch.keyword:
		if c.bm25 == 0 && c.depth > 0 {
			return 1 / float64(c.depth)
		}
		return c.bm25
	case ch.semantic:
		if c.cosine == 0 && c.depth > 0 {
			return 1 / float64(c.depth)
		}
		return c.cosine
	case ch.relation:
		if c.depth > 0 {
			return 1 / float64(c.depth)
		}
		return 0
	default:
		den := w.Priority + w.Freshness
		if den <= 0 {
			return priorityScore(v.priority)
		}
		return (w.Priority*priorityScore(v.priority) + w.Freshness*freshness(v, nowMS)) / den
	}
}

func priorityScore(p int) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 100 {
		return 1
	}
	return float64(p) / 100
}

// freshnessHalfLifeDays halves an entry's freshness every 30 days since
// its last update.
const freshnessHalfLifeDays = 30.0

const msPerDay = 24 * 60 * 60 * 1000

func freshness(v *entryView, nowMS int64) float64 {
	ts := v.updatedAt
	if ts == 0 {
		ts = v.createdAt
	}
	if ts <= 0 || ts >= nowMS {
		return 1
	}
	ageDays := float64(nowMS-ts) / msPerDay
	return math.Pow(0.5, ageDays/freshnessHalfLifeDays)
}

// sortItems orders by score, then narrower scope, newer entry, id. The
// scope tie-break is what makes inherited search rank a project rule
// above the org rule it shadows.
func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if sa, sb := a.Scope.Specificity(), b.Scope.Specificity(); sa != sb {
			return sa > sb
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Kind < b.Kind
	})
}

// rerankHead re-orders the top of the ranked list purely by vector
// similarity. Items the semantic channel never scored keep their spot.
func (s *Service) rerankHead(items []Item, cosines map[store.EntryRef]float64) {
	k := s.rerank.TopK
	if k > len(items) {
		k = len(items)
	}
	head := items[:k]
	sort.SliceStable(head, func(i, j int) bool {
		ci := cosines[store.EntryRef{Kind: head[i].Kind, ID: head[i].ID}]
		cj := cosines[store.EntryRef{Kind: head[j].Kind, ID: head[j].ID}]
		return ci > cj
	})
}

// paginate cuts one page out of a ranked window and applies the output
// shaping that is deliberately excluded from the cache fingerprint.
func (s *Service) paginate(win *window, norm Request, cacheHit bool) *Response {
	total := len(win.items)
	start := min(norm.Offset, total)
	end := min(start+norm.Limit, total)
	page := make([]Item, end-start)
	copy(page, win.items[start:end])
	for i := range page {
		switch {
		case norm.Compact:
			page[i].Entry = nil
		case len(norm.Fields) > 0:
			page[i].Entry = projectEntry(page[i].Entry, norm.Fields)
		}
	}
	return &Response{
		Items: page,
		Meta: Meta{
			TotalCount: total,
			Truncated:  win.truncated,
			HasMore:    end < total,
			Degraded:   win.degraded,
			CacheHit:   cacheHit,
		},
	}
}

// projectEntry narrows the payload to the requested fields through its
// JSON form, keeping id so the result stays addressable.
func projectEntry(entry any, fields []string) any {
	if entry == nil {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}
	out := make(map[string]any, len(fields)+1)
	if id, ok := all["id"]; ok {
		out["id"] = id
	}
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out
}

// snippetWidth matches the FTS excerpt width.
const snippetWidth = 96

// leadSnippet falls back to the first line of content when a result
// carries no search snippet.
func leadSnippet(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = strings.TrimSpace(content[:i])
	}
	if len(content) > snippetWidth {
		content = content[:snippetWidth] + "…"
	}
	return content
}
