package router

// costOptimized minimizes cost per token; the request's quality floor has
// already been applied by candidate filtering. Ties break on lower
// latency class.
type costOptimized struct{}

func (costOptimized) Name() Strategy { return StrategyCostOptimized }

func (costOptimized) Rank(cands []*candidate) []*candidate {
	return sortStable(cands, func(a, b *candidate) bool {
		if a.features.costPerToken != b.features.costPerToken {
			return a.features.costPerToken < b.features.costPerToken
		}
		return a.features.latencyClass < b.features.latencyClass
	})
}
