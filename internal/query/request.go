package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"mnemo/internal/memerr"
	"mnemo/internal/store"
	"mnemo/internal/validate"
)

// Actions accepted by Execute. An empty action is inferred: search when
// text is present, related when an anchor is present, list otherwise.
const (
	ActionSearch  = "search"
	ActionList    = "list"
	ActionRelated = "related"
)

// Request is one memory_query call. Zero-valued filters mean "not
// filtered"; timestamps are epoch milliseconds.
type Request struct {
	Action string `json:"action,omitempty"`
	Search string `json:"search,omitempty"`

	Scope ScopeSpec `json:"scope,omitempty"`
	Types []string  `json:"types,omitempty"`
	Tags  []string  `json:"tags,omitempty"`

	MinPriority   int        `json:"minPriority,omitempty"`
	AtTime        int64      `json:"atTime,omitempty"`
	CreatedAfter  int64      `json:"createdAfter,omitempty"`
	CreatedBefore int64      `json:"createdBefore,omitempty"`
	ValidDuring   *TimeRange `json:"validDuring,omitempty"`

	IncludeInactive bool  `json:"includeInactive,omitempty"`
	UseFTS5         *bool `json:"useFts5,omitempty"`
	Fuzzy           bool  `json:"fuzzy,omitempty"`
	Regex           bool  `json:"regex,omitempty"`

	// Fields restricts keyword matching to the named FTS columns and
	// projects returned entries down to those fields.
	Fields []string `json:"fields,omitempty"`

	SemanticSearch bool           `json:"semanticSearch,omitempty"`
	RelatedTo      *RelatedToSpec `json:"relatedTo,omitempty"`

	Limit   int  `json:"limit,omitempty"`
	Offset  int  `json:"offset,omitempty"`
	Compact bool `json:"compact,omitempty"`
}

// ScopeSpec names the scope a query runs in. ProjectID and OrgID are
// ancestor hints consulted when Inherit widens a narrow scope; scope
// lineage is not persisted, so the context router fills them in.
type ScopeSpec struct {
	Type      string `json:"type,omitempty"`
	ID        string `json:"id,omitempty"`
	Inherit   bool   `json:"inherit,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	OrgID     string `json:"orgId,omitempty"`
}

// TimeRange is a [From, Until] window in epoch milliseconds. A zero end
// leaves that side open.
type TimeRange struct {
	From  int64 `json:"from,omitempty"`
	Until int64 `json:"until,omitempty"`
}

// RelatedToSpec asks for graph expansion from one anchor entry.
type RelatedToSpec struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Relation  string `json:"relation,omitempty"`
	Direction string `json:"direction,omitempty"`
	MaxDepth  int    `json:"maxDepth,omitempty"`
}

// Item is one ranked result. Entry carries the full record unless the
// request asked for compact output or a field projection.
type Item struct {
	Kind      string      `json:"type"`
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Score     float64     `json:"score"`
	Snippet   string      `json:"snippet,omitempty"`
	Scope     store.Scope `json:"scope"`
	Priority  int         `json:"priority,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	Depth     int         `json:"depth,omitempty"`
	Relation  string      `json:"relation,omitempty"`
	CreatedAt int64       `json:"createdAt"`
	Entry     any         `json:"entry,omitempty"`
}

// Meta describes the result window the returned page was cut from.
type Meta struct {
	TotalCount int   `json:"totalCount"`
	Truncated  bool  `json:"truncated"`
	HasMore    bool  `json:"hasMore"`
	Degraded   bool  `json:"degraded,omitempty"`
	CacheHit   bool  `json:"cacheHit,omitempty"`
	TookMS     int64 `json:"tookMs"`
}

// Response is one page of ranked items plus window metadata.
type Response struct {
	Items []Item `json:"items"`
	Meta  Meta   `json:"meta"`
}

// kindAliases maps the singular and plural spellings callers use to the
// store's canonical entry kinds.
var kindAliases = map[string]string{
	"guideline":   store.KindGuideline,
	"guidelines":  store.KindGuideline,
	"knowledge":   store.KindKnowledge,
	"tool":        store.KindTool,
	"tools":       store.KindTool,
	"experience":  store.KindExperience,
	"experiences": store.KindExperience,
}

func normalizeTypes(types []string) ([]string, error) {
	if len(types) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(t))]
		if !ok {
			return nil, memerr.Validationf("unknown entry type %q", t)
		}
		want[kind] = true
	}
	out := make([]string, 0, len(want))
	for _, kind := range store.EntryKinds {
		if want[kind] {
			out = append(out, kind)
		}
	}
	return out, nil
}

func normalizeScope(sc ScopeSpec) (ScopeSpec, error) {
	sc.Type = strings.ToLower(strings.TrimSpace(sc.Type))
	sc.ID = strings.TrimSpace(sc.ID)
	sc.ProjectID = strings.TrimSpace(sc.ProjectID)
	sc.OrgID = strings.TrimSpace(sc.OrgID)

	if sc.Type == "" {
		return ScopeSpec{}, nil
	}
	if !store.ValidScopeType(sc.Type) {
		return sc, memerr.Validationf("invalid scope type %q", sc.Type)
	}
	if sc.Type == store.ScopeGlobal {
		return ScopeSpec{Type: store.ScopeGlobal}, nil
	}
	if sc.ID == "" {
		return sc, memerr.Validationf("scope type %q requires an id", sc.Type)
	}
	if !sc.Inherit {
		sc.ProjectID, sc.OrgID = "", ""
		return sc, nil
	}
	// Drop hints at or below the scope's own level so equivalent
	// requests fingerprint identically.
	switch sc.Type {
	case store.ScopeOrg:
		sc.ProjectID, sc.OrgID = "", ""
	case store.ScopeProject:
		sc.ProjectID = ""
	}
	return sc, nil
}

// chain expands the scope for matching, narrowest first. Inheritance
// climbs session -> project -> org -> global via the ancestor hints; a
// missing hint skips that level rather than guessing.
func (sc ScopeSpec) chain() []store.Scope {
	if sc.Type == "" {
		return nil
	}
	if sc.Type == store.ScopeGlobal {
		return []store.Scope{store.GlobalScope()}
	}
	out := []store.Scope{{Type: sc.Type, ID: sc.ID}}
	if !sc.Inherit {
		return out
	}
	if sc.Type == store.ScopeSession && sc.ProjectID != "" {
		out = append(out, store.Scope{Type: store.ScopeProject, ID: sc.ProjectID})
	}
	if sc.OrgID != "" {
		out = append(out, store.Scope{Type: store.ScopeOrg, ID: sc.OrgID})
	}
	return append(out, store.GlobalScope())
}

func normalizeFields(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalize validates a request and rewrites it into canonical form so
// equivalent requests share one cache fingerprint.
func (s *Service) normalize(req Request) (Request, error) {
	r := req
	limits := s.store.Limits()

	r.Search = strings.TrimSpace(r.Search)
	switch r.Action {
	case "":
		switch {
		case r.Search != "":
			r.Action = ActionSearch
		case r.RelatedTo != nil:
			r.Action = ActionRelated
		default:
			r.Action = ActionList
		}
	case ActionSearch, ActionList, ActionRelated:
	default:
		return r, memerr.InvalidAction("memory_query", r.Action,
			[]string{ActionSearch, ActionList, ActionRelated})
	}
	if r.Action == ActionRelated && r.RelatedTo == nil {
		return r, memerr.Validation("related queries need a relatedTo anchor")
	}

	if len(r.Search) > limits.ContentMax {
		return r, memerr.SizeLimit("search", limits.ContentMax, len(r.Search), "chars")
	}
	if r.Regex {
		if r.Search == "" {
			return r, memerr.Validation("regex queries need search text")
		}
		if err := validate.CheckRegex(r.Search, limits.RegexPatternMax); err != nil {
			return r, err
		}
	}

	var err error
	if r.Scope, err = normalizeScope(r.Scope); err != nil {
		return r, err
	}
	if r.Types, err = normalizeTypes(r.Types); err != nil {
		return r, err
	}
	if r.Tags, err = validate.NormalizeTags(r.Tags, limits.TagsMaxCount); err != nil {
		return r, err
	}
	sort.Strings(r.Tags)

	if r.MinPriority < 0 {
		r.MinPriority = 0
	}
	if r.MinPriority > 100 {
		r.MinPriority = 100
	}
	if r.ValidDuring != nil {
		vd := *r.ValidDuring
		if vd.From == 0 && vd.Until == 0 {
			r.ValidDuring = nil
		} else if vd.From > 0 && vd.Until > 0 && vd.From > vd.Until {
			return r, memerr.Validation("validDuring.from is after validDuring.until")
		} else {
			r.ValidDuring = &vd
		}
	}

	if r.RelatedTo != nil {
		rt := *r.RelatedTo
		kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(rt.Type))]
		if !ok {
			return r, memerr.Validationf("unknown entry type %q", rt.Type)
		}
		rt.Type = kind
		rt.ID = strings.TrimSpace(rt.ID)
		if rt.ID == "" {
			return r, memerr.Validation("relatedTo.id is required")
		}
		rt.Relation = strings.ToLower(strings.TrimSpace(rt.Relation))
		if rt.Relation != "" && !store.ValidRelation(rt.Relation) {
			return r, memerr.Validationf("unknown relation %q", rt.Relation)
		}
		rt.Direction = strings.ToLower(strings.TrimSpace(rt.Direction))
		if !store.ValidDirection(rt.Direction) {
			return r, memerr.Validationf("direction must be one of out|in|both, got %q", rt.Direction)
		}
		if rt.Direction == "" {
			rt.Direction = store.DirectionBoth
		}
		if rt.MaxDepth < 1 {
			rt.MaxDepth = 1
		}
		if rt.MaxDepth > 10 {
			rt.MaxDepth = 10
		}
		r.RelatedTo = &rt
	}

	if r.UseFTS5 == nil {
		fts := true
		r.UseFTS5 = &fts
	}
	r.Fields = normalizeFields(r.Fields)
	r.Limit = validate.LimitOrDefault(r.Limit, s.cfg.DefaultLimit, s.cfg.MaxLimit)
	r.Offset = validate.ClampOffset(r.Offset, s.cfg.MaxOffset)
	return r, nil
}

// fingerprint hashes the canonical request minus pagination and output
// shaping, so different pages over the same filters share one cached
// window. Fields stays in the hash: it narrows keyword matching, not
// just the projection.
func fingerprint(r Request) string {
	r.Limit, r.Offset = 0, 0
	r.Compact = false
	raw, _ := json.Marshal(r)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
