// Package consolidate finds near-duplicate memory entries and reshapes
// historical decisions into DPO preference pairs.
//
// Grouping partitions active embedded entries by scope and clusters each
// partition with union-find over pairwise cosine similarity. Community
// detection runs a seeded modularity pass over the same similarity graph
// for coarser structure. Both passes are read-only; acting on the output
// (merging, deactivating) is left to the caller.
package consolidate

import (
	"context"
	"sort"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

// Service runs consolidation passes over a store.
type Service struct {
	store *store.Store
	cfg   config.ConsolidationConfig
}

// New builds a consolidation service. Zero config fields fall back to
// the shipped defaults.
func New(st *store.Store, cfg config.ConsolidationConfig) *Service {
	def := config.DefaultConfig().Consolidation
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MinCommunitySize <= 0 {
		cfg.MinCommunitySize = def.MinCommunitySize
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.RandomSeed == 0 {
		cfg.RandomSeed = def.RandomSeed
	}
	if cfg.MinRewardDelta <= 0 {
		cfg.MinRewardDelta = def.MinRewardDelta
	}
	if cfg.MinPairs <= 0 {
		cfg.MinPairs = def.MinPairs
	}
	return &Service{store: st, cfg: cfg}
}

// Group is one cluster of near-duplicate entries within a single scope.
// Similarity stats cover every member pair, not just the edges at or
// above the threshold that formed the cluster.
type Group struct {
	Scope         store.Scope      `json:"scope"`
	Members       []store.EntryRef `json:"members"`
	AvgSimilarity float64          `json:"avgSimilarity"`
	MinSimilarity float64          `json:"minSimilarity"`
	MaxSimilarity float64          `json:"maxSimilarity"`
	DominantTypes []string         `json:"dominantTypes"`
}

// GroupSimilar clusters active embedded entries by cosine similarity.
// Entries only group within their own scope: a project-level duplicate of
// a global guideline is a shadowing decision, not a consolidation target.
// Groups come back in scope order, then by first member.
func (s *Service) GroupSimilar(ctx context.Context) ([]Group, error) {
	entries, err := s.store.EmbeddedEntries()
	if err != nil {
		return nil, err
	}

	byScope := map[store.Scope][]store.EmbeddedEntry{}
	var scopes []store.Scope
	for _, e := range entries {
		if _, ok := byScope[e.Scope]; !ok {
			scopes = append(scopes, e.Scope)
		}
		byScope[e.Scope] = append(byScope[e.Scope], e)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].Type != scopes[j].Type {
			return scopes[i].Type < scopes[j].Type
		}
		return scopes[i].ID < scopes[j].ID
	})

	var groups []Group
	for _, sc := range scopes {
		if ctx.Err() != nil {
			return nil, memerr.Timeout("group_similar")
		}
		groups = append(groups, groupScope(sc, byScope[sc], s.cfg.SimilarityThreshold)...)
	}
	logging.Export("grouped %d embedded entries into %d duplicate groups", len(entries), len(groups))
	return groups, nil
}

// groupScope clusters one scope's entries with union-find over pairs at
// or above the threshold. Pairs with mismatched dimensions (mid-migration
// vectors) never edge, so clusters stay dimension-uniform.
func groupScope(sc store.Scope, entries []store.EmbeddedEntry, threshold float64) []Group {
	if len(entries) < 2 {
		return nil
	}

	sims := make([][]float64, len(entries))
	for i := range sims {
		sims[i] = make([]float64, len(entries))
	}
	uf := newUnionFind(len(entries))
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			sim, err := store.CosineSimilarity(entries[i].Vector, entries[j].Vector)
			if err != nil {
				continue
			}
			sims[i][j], sims[j][i] = sim, sim
			if sim >= threshold {
				uf.union(i, j)
			}
		}
	}

	members := map[int][]int{}
	for i := range entries {
		root := uf.find(i)
		members[root] = append(members[root], i)
	}
	var roots []int
	for root, idx := range members {
		if len(idx) >= 2 {
			roots = append(roots, root)
		}
	}
	// Member lists are built in entry order, so the root is also the
	// first member; sorting roots orders groups deterministically.
	sort.Ints(roots)

	groups := make([]Group, 0, len(roots))
	for _, root := range roots {
		groups = append(groups, buildGroup(sc, entries, sims, members[root]))
	}
	return groups
}

func buildGroup(sc store.Scope, entries []store.EmbeddedEntry, sims [][]float64, idx []int) Group {
	g := Group{Scope: sc, MinSimilarity: 1}
	counts := map[string]int{}
	for _, i := range idx {
		g.Members = append(g.Members, entries[i].Ref)
		counts[entries[i].Ref.Kind]++
	}

	pairs := 0
	var sum float64
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			sim := sims[idx[a]][idx[b]]
			sum += sim
			pairs++
			if sim < g.MinSimilarity {
				g.MinSimilarity = sim
			}
			if sim > g.MaxSimilarity {
				g.MaxSimilarity = sim
			}
		}
	}
	if pairs > 0 {
		g.AvgSimilarity = sum / float64(pairs)
	}
	g.DominantTypes = dominantTypes(counts)
	return g
}

// dominantTypes returns the most frequent member kinds, ties included.
func dominantTypes(counts map[string]int) []string {
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	var out []string
	for kind, n := range counts {
		if n == best {
			out = append(out, kind)
		}
	}
	sort.Strings(out)
	return out
}

// unionFind with path halving. Roots resolve to the smallest member
// index, which keeps group identity stable across runs.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra > rb {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
