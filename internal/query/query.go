// Package query executes memory_query: hybrid keyword/semantic retrieval,
// plain filtered listing, and relation-graph expansion, fused into one
// ranked, paginated result window.
//
// Result windows are cached for a short TTL keyed by a fingerprint of the
// normalized request, so consecutive pages over the same filters reuse one
// retrieval pass. A failed channel degrades the result instead of failing
// the call; only invalid requests and caller cancellation surface as
// errors.
package query

import (
	"context"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"mnemo/internal/config"
	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

const (
	// channelDeadline bounds one retrieval fan-out.
	channelDeadline = 30 * time.Second

	// resultCacheSize caps cached result windows.
	resultCacheSize = 256

	// maxSearchWindow caps candidates pulled per channel before ranking.
	maxSearchWindow = 1000

	// approxItemBytes is the per-item estimate reported to the resource
	// coordinator. Items hold hydrated entries, so this leans high.
	approxItemBytes = 512
)

// Service executes queries against one store. It implements the managed
// cache contract (SizeBytes, EntryCount, EvictEntries) so the resource
// coordinator can shrink the result cache under memory pressure.
type Service struct {
	store   *store.Store
	engine  embedding.EmbeddingEngine
	cfg     config.QueryConfig
	rerank  config.RerankConfig
	rewrite config.QueryRewriteConfig
	weights config.WeightsConfig

	cache  *expirable.LRU[string, *window]
	flight singleflight.Group

	now func() time.Time
}

// New wires a query service. engine may be nil; semantic search then
// degrades to the remaining channels.
func New(st *store.Store, engine embedding.EmbeddingEngine, cfg config.QueryConfig,
	rerank config.RerankConfig, rewrite config.QueryRewriteConfig) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = 10000
	}
	if cfg.TopKSemantic <= 0 {
		cfg.TopKSemantic = 20
	}
	if cfg.CacheTTLMS <= 0 {
		cfg.CacheTTLMS = 300000
	}
	if rerank.Enabled && rerank.TopK <= 0 {
		rerank.TopK = 50
	}
	return &Service{
		store:   st,
		engine:  engine,
		cfg:     cfg,
		rerank:  rerank,
		rewrite: rewrite,
		weights: cfg.Weights.Normalized(),
		cache: expirable.NewLRU[string, *window](
			resultCacheSize, nil, time.Duration(cfg.CacheTTLMS)*time.Millisecond),
		now: time.Now,
	}
}

// window is one fully ranked, unpaginated result set.
type window struct {
	items     []Item
	truncated bool
	degraded  bool
	failed    []string
}

// Execute runs one query. When every planned retrieval channel fails the
// response is empty and marked degraded rather than an error.
func (s *Service) Execute(ctx context.Context, req Request) (*Response, error) {
	start := s.now()
	norm, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	key := fingerprint(norm)

	if win, ok := s.cache.Get(key); ok {
		logging.Audit().CacheHit(key)
		resp := s.paginate(win, norm, true)
		resp.Meta.TookMS = s.now().Sub(start).Milliseconds()
		return resp, nil
	}

	// Concurrent identical queries share one retrieval pass. Degraded
	// windows are never cached so the next call retries the channels.
	v, err, _ := s.flight.Do(key, func() (any, error) {
		if win, ok := s.cache.Get(key); ok {
			return win, nil
		}
		win, err := s.run(ctx, norm)
		if err != nil {
			return nil, err
		}
		if !win.degraded {
			s.cache.Add(key, win)
		}
		return win, nil
	})
	if err != nil {
		return nil, err
	}
	win := v.(*window)

	resp := s.paginate(win, norm, false)
	resp.Meta.TookMS = s.now().Sub(start).Milliseconds()
	logging.Audit().QueryExecuted(norm.Scope.Type, len(win.items), resp.Meta.TookMS, win.failed)
	return resp, nil
}

// plan records which retrieval channels a request needs. Regex mode
// bypasses both match channels and filters the listing instead.
type plan struct {
	keyword  bool
	semantic bool
	related  bool
	regex    bool
}

func (s *Service) planFor(r Request) plan {
	p := plan{
		regex:   r.Regex,
		related: r.RelatedTo != nil,
	}
	if p.regex {
		return p
	}
	// Queries that tokenize to nothing (stop words, punctuation) fall
	// through to the filter path instead of matching nothing.
	if r.Search != "" && store.Searchable(r.Search) {
		p.keyword = true
	}
	if r.SemanticSearch && r.Search != "" && s.engine != nil {
		p.semantic = true
	}
	return p
}

// windowSize pulls enough rows to cover the deepest requested page.
func windowSize(offset, maxLimit int) int {
	want := offset + maxLimit
	if want > maxSearchWindow {
		want = maxSearchWindow
	}
	return want
}

func (s *Service) run(ctx context.Context, norm Request) (*window, error) {
	p := s.planFor(norm)
	scopes := norm.Scope.chain()
	wantRows := windowSize(norm.Offset, s.cfg.MaxLimit)

	var re *regexp.Regexp
	if p.regex {
		var err error
		if re, err = regexp.Compile(norm.Search); err != nil {
			return nil, memerr.Validationf("invalid regex: %v", err)
		}
	}

	var (
		keywordHits  []store.SearchHit
		semanticHits []store.SimilarHit
		relatedHits  []store.RelatedEntry
		listed       []*entryView
		listMore     bool

		kwErr, semErr, relErr error
	)

	gctx, cancel := context.WithTimeout(ctx, channelDeadline)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)

	attempted := 0
	if p.keyword {
		attempted++
		g.Go(func() error {
			// Query rewrite widens misses through the substring
			// path, so enabling it implies fuzzy.
			fuzzy := norm.Fuzzy || s.rewrite.Enabled
			var err error
			if *norm.UseFTS5 {
				keywordHits, err = s.store.SearchEntriesIn(norm.Search, norm.Types, norm.Fields, wantRows, fuzzy)
			} else {
				keywordHits, err = s.store.SearchEntriesLike(norm.Search, norm.Types, norm.Fields, wantRows)
			}
			if err != nil {
				kwErr = err
				logging.QueryWarn("keyword channel failed: %v", err)
			}
			return nil
		})
	}
	if p.semantic {
		attempted++
		g.Go(func() error {
			vec, err := s.engine.Embed(gctx, norm.Search)
			if err == nil {
				semanticHits, err = s.store.SimilarByVector(vec, norm.Types, s.cfg.TopKSemantic)
			}
			if err != nil {
				semErr = err
				logging.QueryWarn("semantic channel failed: %v", err)
			}
			return nil
		})
	}
	if p.related {
		attempted++
		rt := norm.RelatedTo
		g.Go(func() error {
			var err error
			relatedHits, err = s.store.Related(rt.Type, rt.ID, rt.Relation, rt.Direction, rt.MaxDepth)
			if err != nil {
				relErr = err
				logging.QueryWarn("related channel failed: %v", err)
			}
			return nil
		})
	}
	if !p.keyword && !p.semantic && !p.related {
		// Filter path: plain enumeration backs list and regex queries.
		// Unlike the match channels its errors are the caller's problem.
		g.Go(func() error {
			var err error
			listed, listMore, err = s.listCandidates(gctx, norm, scopes, wantRows)
			return err
		})
	}

	gerr := g.Wait()
	if ctx.Err() != nil {
		return nil, memerr.Timeout("query")
	}
	if gerr != nil {
		return nil, gerr
	}

	var failed []string
	if kwErr != nil {
		failed = append(failed, "keyword")
	}
	if semErr != nil {
		failed = append(failed, "semantic")
	}
	if relErr != nil {
		failed = append(failed, "related")
	}
	degraded := attempted > 0 && len(failed) == attempted

	cands := make(map[store.EntryRef]*candidate)
	ensure := func(ref store.EntryRef) *candidate {
		c, ok := cands[ref]
		if !ok {
			c = &candidate{}
			cands[ref] = c
		}
		return c
	}
	for _, h := range keywordHits {
		c := ensure(store.EntryRef{Kind: h.Kind, ID: h.ID})
		c.bm25 = h.Score
		c.snippet = h.Snippet
	}
	for _, h := range semanticHits {
		c := ensure(store.EntryRef{Kind: h.Kind, ID: h.ID})
		if h.Similarity > 0 {
			c.cosine = h.Similarity
		}
	}
	for _, h := range relatedHits {
		c := ensure(h.Ref)
		if c.depth == 0 || h.Depth < c.depth {
			c.depth = h.Depth
			c.relation = h.Relation
		}
	}
	for _, v := range listed {
		ensure(store.EntryRef{Kind: v.kind, ID: v.id}).view = v
	}

	// Hydrate channel hits that arrived as bare refs. Entries deleted
	// since the hit was indexed just drop out.
	for ref, c := range cands {
		if c.view != nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, memerr.Timeout("query")
		}
		v, err := s.loadView(ref)
		if err != nil {
			if memerr.IsNotFound(err) {
				delete(cands, ref)
				continue
			}
			return nil, err
		}
		c.view = v
	}

	ch := channelSet{
		keyword:  p.keyword && kwErr == nil,
		semantic: p.semantic && semErr == nil,
		relation: p.related && relErr == nil,
	}
	nowMS := s.now().UnixMilli()
	items := make([]Item, 0, len(cands))
	cosines := make(map[store.EntryRef]float64)
	for ref, c := range cands {
		if !matchesFilter(norm, scopes, re, c.view) {
			continue
		}
		it := Item{
			Kind:      ref.Kind,
			ID:        ref.ID,
			Name:      c.view.name,
			Score:     s.scoreCandidate(c, c.view, ch, nowMS),
			Snippet:   c.snippet,
			Scope:     c.view.scope,
			Priority:  c.view.priority,
			Tags:      c.view.tags,
			Depth:     c.depth,
			Relation:  c.relation,
			CreatedAt: c.view.createdAt,
			Entry:     c.view.entry,
		}
		if it.Snippet == "" {
			it.Snippet = leadSnippet(c.view.content)
		}
		items = append(items, it)
		if c.cosine > 0 {
			cosines[ref] = c.cosine
		}
	}

	sortItems(items)
	if s.rerank.Enabled && ch.semantic {
		s.rerankHead(items, cosines)
	}

	truncated := listMore || (p.keyword && len(keywordHits) >= wantRows)
	if len(items) > maxSearchWindow {
		items = items[:maxSearchWindow]
		truncated = true
	}
	return &window{items: items, truncated: truncated, degraded: degraded, failed: failed}, nil
}

// listCandidates enumerates every requested kind through the store's
// per-call page cap until the window is full.
func (s *Service) listCandidates(ctx context.Context, norm Request, scopes []store.Scope, want int) ([]*entryView, bool, error) {
	kinds := norm.Types
	if len(kinds) == 0 {
		kinds = store.EntryKinds
	}
	base := store.EntryFilter{
		Scopes:          scopes,
		Tags:            norm.Tags,
		MinPriority:     norm.MinPriority,
		IncludeInactive: norm.IncludeInactive,
		CreatedAfter:    norm.CreatedAfter,
		CreatedBefore:   norm.CreatedBefore,
		AtTime:          norm.AtTime,
	}
	var out []*entryView
	more := false
	for _, kind := range kinds {
		got, kindMore, err := s.listKind(ctx, kind, base, want)
		if err != nil {
			return nil, false, err
		}
		out = append(out, got...)
		more = more || kindMore
	}
	return out, more, nil
}

// listPageSize matches the store's list clamp so paging never stalls.
const listPageSize = 200

func (s *Service) listKind(ctx context.Context, kind string, f store.EntryFilter, want int) ([]*entryView, bool, error) {
	var out []*entryView
	for len(out) < want {
		if ctx.Err() != nil {
			return nil, false, memerr.Timeout("query")
		}
		f.Limit = min(want-len(out), listPageSize)
		f.Offset = len(out)
		batch, err := s.viewsOf(kind, f)
		if err != nil {
			return nil, false, err
		}
		if len(batch) == 0 {
			return out, false, nil
		}
		out = append(out, batch...)
	}
	return out, true, nil
}

func (s *Service) viewsOf(kind string, f store.EntryFilter) ([]*entryView, error) {
	switch kind {
	case store.KindGuideline:
		rows, err := s.store.ListGuidelines(f)
		if err != nil {
			return nil, err
		}
		out := make([]*entryView, len(rows))
		for i, g := range rows {
			out[i] = guidelineView(g)
		}
		return out, nil
	case store.KindKnowledge:
		rows, err := s.store.ListKnowledge(f)
		if err != nil {
			return nil, err
		}
		out := make([]*entryView, len(rows))
		for i, k := range rows {
			out[i] = knowledgeView(k)
		}
		return out, nil
	case store.KindTool:
		rows, err := s.store.ListTools(f)
		if err != nil {
			return nil, err
		}
		out := make([]*entryView, len(rows))
		for i, tl := range rows {
			out[i] = toolView(tl)
		}
		return out, nil
	case store.KindExperience:
		rows, err := s.store.ListExperiences(f)
		if err != nil {
			return nil, err
		}
		out := make([]*entryView, len(rows))
		for i, e := range rows {
			out[i] = experienceView(e)
		}
		return out, nil
	}
	return nil, memerr.Validationf("unknown entry kind %q", kind)
}

// SizeBytes estimates the result cache footprint for the coordinator.
func (s *Service) SizeBytes() int64 {
	var n int64
	for _, win := range s.cache.Values() {
		n += int64(len(win.items)) * approxItemBytes
	}
	return n
}

// EntryCount reports cached result windows.
func (s *Service) EntryCount() int { return s.cache.Len() }

// EvictEntries drops up to n windows, oldest first, and reports how many
// went.
func (s *Service) EvictEntries(n int) int {
	dropped := 0
	for i := 0; i < n; i++ {
		if _, _, ok := s.cache.RemoveOldest(); !ok {
			break
		}
		dropped++
	}
	return dropped
}
