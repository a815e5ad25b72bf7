package router

import "sort"

// normalized maps a value into [0,1] within the candidate set's observed
// range; a flat range normalizes to 0 so the feature carries no signal.
func normalized(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// weightedScore computes the balanced strategy's equal-weight sum of
// normalized features for one candidate, given the set's feature ranges.
// Lower-is-better features contribute inverted so a higher score is
// always better.
func weightedScore(c *candidate, r ranges) float64 {
	sum := normalized(c.features.quality, r.qualityLo, r.qualityHi)
	sum += 1 - normalized(c.features.latencyClass, r.latencyLo, r.latencyHi)
	sum += 1 - normalized(c.features.costPerToken, r.costLo, r.costHi)
	sum += 1 - normalized(c.features.currentLoad, r.loadLo, r.loadHi)
	sum += 1 - normalized(c.features.failureRate, r.failLo, r.failHi)
	sum += c.features.capability
	sum += c.features.formatPrefer
	return sum / 7
}

// ranges holds the per-feature min/max over a candidate set.
type ranges struct {
	qualityLo, qualityHi float64
	latencyLo, latencyHi float64
	costLo, costHi       float64
	loadLo, loadHi       float64
	failLo, failHi       float64
}

func rangesOf(cands []*candidate) ranges {
	r := ranges{}
	for i, c := range cands {
		f := c.features
		if i == 0 {
			r = ranges{
				qualityLo: f.quality, qualityHi: f.quality,
				latencyLo: f.latencyClass, latencyHi: f.latencyClass,
				costLo: f.costPerToken, costHi: f.costPerToken,
				loadLo: f.currentLoad, loadHi: f.currentLoad,
				failLo: f.failureRate, failHi: f.failureRate,
			}
			continue
		}
		r.qualityLo, r.qualityHi = minmax(r.qualityLo, r.qualityHi, f.quality)
		r.latencyLo, r.latencyHi = minmax(r.latencyLo, r.latencyHi, f.latencyClass)
		r.costLo, r.costHi = minmax(r.costLo, r.costHi, f.costPerToken)
		r.loadLo, r.loadHi = minmax(r.loadLo, r.loadHi, f.currentLoad)
		r.failLo, r.failHi = minmax(r.failLo, r.failHi, f.failureRate)
	}
	return r
}

func minmax(lo, hi, v float64) (float64, float64) {
	if v < lo {
		lo = v
	}
	if v > hi {
		hi = v
	}
	return lo, hi
}

// scoreOf reports the primary's balanced score within the ranked set, the
// value carried on the RouteDecision regardless of strategy so observers
// can compare decisions on one scale.
func scoreOf(primary *candidate, all []*candidate) float64 {
	return weightedScore(primary, rangesOf(all))
}

// sortStable is a helper every ranker uses: it copies the slice and
// stable-sorts by less, preserving submission order among full ties.
func sortStable(cands []*candidate, less func(a, b *candidate) bool) []*candidate {
	out := make([]*candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
