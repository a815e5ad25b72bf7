package router

// balanced ranks by the equal-weight sum of normalized features; ties
// break on lexicographically lower model id.
type balanced struct{}

func (balanced) Name() Strategy { return StrategyBalanced }

func (balanced) Rank(cands []*candidate) []*candidate {
	r := rangesOf(cands)
	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		scores[c.m.ID] = weightedScore(c, r)
	}
	return sortStable(cands, func(a, b *candidate) bool {
		if scores[a.m.ID] != scores[b.m.ID] {
			return scores[a.m.ID] > scores[b.m.ID]
		}
		return a.m.ID < b.m.ID
	})
}
