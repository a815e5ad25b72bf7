package router

// randomRanker selects uniformly: the ranked order is a uniform shuffle,
// so the primary is uniform over candidates and the fallback list is a
// uniform permutation of the rest.
type randomRanker struct {
	r *Router
}

func (randomRanker) Name() Strategy { return StrategyRandom }

func (rk randomRanker) Rank(cands []*candidate) []*candidate {
	out := make([]*candidate, len(cands))
	copy(out, cands)
	rk.r.randShuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
