package router

// qualityFirst maximizes declared quality score; ties break on lower
// latency class, then lexicographically lower model id.
type qualityFirst struct{}

func (qualityFirst) Name() Strategy { return StrategyQualityFirst }

func (qualityFirst) Rank(cands []*candidate) []*candidate {
	return sortStable(cands, func(a, b *candidate) bool {
		if a.features.quality != b.features.quality {
			return a.features.quality > b.features.quality
		}
		if a.features.latencyClass != b.features.latencyClass {
			return a.features.latencyClass < b.features.latencyClass
		}
		return a.m.ID < b.m.ID
	})
}
