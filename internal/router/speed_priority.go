package router

// speedPriority minimizes latency class; ties break on higher quality.
type speedPriority struct{}

func (speedPriority) Name() Strategy { return StrategySpeedPriority }

func (speedPriority) Rank(cands []*candidate) []*candidate {
	return sortStable(cands, func(a, b *candidate) bool {
		if a.features.latencyClass != b.features.latencyClass {
			return a.features.latencyClass < b.features.latencyClass
		}
		return a.features.quality > b.features.quality
	})
}
