package router

import "sort"

// roundRobin cycles through candidates in stable id order, one step per
// selection; the fallback list continues the cycle.
type roundRobin struct {
	r *Router
}

func (roundRobin) Name() Strategy { return StrategyRoundRobin }

func (rk roundRobin) Rank(cands []*candidate) []*candidate {
	out := make([]*candidate, len(cands))
	copy(out, cands)
	sort.Slice(out, func(i, j int) bool { return out[i].m.ID < out[j].m.ID })

	offset := int(rk.r.nextRoundRobin() % uint64(len(out)))
	rotated := make([]*candidate, 0, len(out))
	rotated = append(rotated, out[offset:]...)
	rotated = append(rotated, out[:offset]...)
	return rotated
}
