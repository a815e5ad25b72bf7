package router

// leastLoaded minimizes current load (active inferences over capacity);
// ties break on lower latency class.
type leastLoaded struct{}

func (leastLoaded) Name() Strategy { return StrategyLeastLoaded }

func (leastLoaded) Rank(cands []*candidate) []*candidate {
	return sortStable(cands, func(a, b *candidate) bool {
		if a.features.currentLoad != b.features.currentLoad {
			return a.features.currentLoad < b.features.currentLoad
		}
		return a.features.latencyClass < b.features.latencyClass
	})
}
