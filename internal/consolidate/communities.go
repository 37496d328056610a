package consolidate

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

// Community is one modularity cluster of the similarity graph.
type Community struct {
	Members []store.EntryRef `json:"members"`
}

// CommunityResult reports one detection pass. Converged is false when
// nodes were still moving at the iteration cap.
type CommunityResult struct {
	Communities []Community `json:"communities"`
	Iterations  int         `json:"iterations"`
	Converged   bool        `json:"converged"`
}

// DetectCommunities runs a Leiden-style local-moving modularity pass over
// the similarity graph: nodes are active embedded entries, edges connect
// same-scope pairs with cosine at or above the threshold, weighted by the
// cosine. Visit order reshuffles each pass from RandomSeed, so the same
// store always produces the same communities. Communities smaller than
// MinCommunitySize are dropped from the result.
func (s *Service) DetectCommunities(ctx context.Context) (*CommunityResult, error) {
	entries, err := s.store.EmbeddedEntries()
	if err != nil {
		return nil, err
	}
	g := buildSimGraph(entries, s.cfg.SimilarityThreshold)

	comm := make([]int, len(g.nodes))
	order := make([]int, len(g.nodes))
	for i := range comm {
		comm[i] = i
		order[i] = i
	}
	commDeg := make([]float64, len(g.nodes))
	copy(commDeg, g.deg)

	rng := rand.New(rand.NewSource(s.cfg.RandomSeed))

	res := &CommunityResult{}
	for iter := 0; iter < s.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return nil, memerr.Timeout("detect_communities")
		}
		res.Iterations = iter + 1
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		moved := false
		for _, i := range order {
			next := bestCommunity(g, comm, commDeg, i)
			if next != comm[i] {
				commDeg[comm[i]] -= g.deg[i]
				commDeg[next] += g.deg[i]
				comm[i] = next
				moved = true
			}
		}
		if !moved {
			res.Converged = true
			break
		}
	}

	res.Communities = collectCommunities(g, comm, s.cfg.MinCommunitySize)
	logging.Export("community detection: %d nodes, %d communities, %d iterations, converged=%v",
		len(g.nodes), len(res.Communities), res.Iterations, res.Converged)
	return res, nil
}

type simEdge struct {
	to int
	w  float64
}

// simGraph is the thresholded similarity graph. deg is the weighted
// degree per node; total is the sum of edge weights, each edge once.
type simGraph struct {
	nodes []store.EmbeddedEntry
	adj   [][]simEdge
	deg   []float64
	total float64
}

func buildSimGraph(entries []store.EmbeddedEntry, threshold float64) *simGraph {
	g := &simGraph{
		nodes: entries,
		adj:   make([][]simEdge, len(entries)),
		deg:   make([]float64, len(entries)),
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[i].Scope != entries[j].Scope {
				continue
			}
			sim, err := store.CosineSimilarity(entries[i].Vector, entries[j].Vector)
			if err != nil || sim < threshold {
				continue
			}
			g.adj[i] = append(g.adj[i], simEdge{to: j, w: sim})
			g.adj[j] = append(g.adj[j], simEdge{to: i, w: sim})
			g.deg[i] += sim
			g.deg[j] += sim
			g.total += sim
		}
	}
	return g
}

// bestCommunity picks the community with the highest modularity gain for
// node i among its neighbors' communities and its own. Gains compare as
// k_in(c) - tot(c)*deg(i)/(2m) with i lifted out of its community first.
// Ties go to the lowest community id so runs stay reproducible.
func bestCommunity(g *simGraph, comm []int, commDeg []float64, i int) int {
	if len(g.adj[i]) == 0 {
		return comm[i]
	}

	cur := comm[i]
	kin := map[int]float64{cur: 0}
	for _, e := range g.adj[i] {
		kin[comm[e.to]] += e.w
	}
	cands := make([]int, 0, len(kin))
	for c := range kin {
		cands = append(cands, c)
	}
	sort.Ints(cands)

	commDeg[cur] -= g.deg[i]
	best, bestScore := cur, math.Inf(-1)
	for _, c := range cands {
		score := kin[c] - commDeg[c]*g.deg[i]/(2*g.total)
		if score > bestScore+1e-12 {
			best, bestScore = c, score
		}
	}
	commDeg[cur] += g.deg[i]
	return best
}

func collectCommunities(g *simGraph, comm []int, minSize int) []Community {
	byComm := map[int][]int{}
	for i, c := range comm {
		byComm[c] = append(byComm[c], i)
	}
	var ids []int
	for c, members := range byComm {
		if len(members) >= minSize {
			ids = append(ids, c)
		}
	}
	// Member lists are in node order, so sorting by first member keeps
	// the output order tied to the store's kind/id ordering.
	sort.Slice(ids, func(a, b int) bool { return byComm[ids[a]][0] < byComm[ids[b]][0] })

	out := make([]Community, 0, len(ids))
	for _, c := range ids {
		refs := make([]store.EntryRef, 0, len(byComm[c]))
		for _, i := range byComm[c] {
			refs = append(refs, g.nodes[i].Ref)
		}
		out = append(out, Community{Members: refs})
	}
	return out
}
