package prs

import (
	"math"
	"sort"

	"github.com/carbocation/polyrisk/catalog"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/guregu/null.v3"
)

type Tier string

const (
	TierLow          Tier = "Low"
	TierIntermediate Tier = "Intermediate"
	TierHigh         Tier = "High"
	TierUnknown      Tier = "Unknown"
)

// Tier boundaries, in percentile units. Both are inclusive lower bounds.
const (
	IntermediateFrom = 20.0
	HighFrom         = 80.0
)

// TierOf maps a percentile onto the fixed partition [0,20) Low, [20,80)
// Intermediate, [80,100] High.
func TierOf(percentile float64) Tier {
	switch {
	case math.IsNaN(percentile):
		return TierUnknown
	case percentile >= HighFrom:
		return TierHigh
	case percentile >= IntermediateFrom:
		return TierIntermediate
	}
	return TierLow
}

// Classification is the position of a raw score within a distribution.
type Classification struct {
	ZScore     null.Float
	Percentile null.Float
	Tier       Tier
}

// Classify places raw within a distribution. A percentile table, when
// present, is interpolated linearly; scores beyond either end take that end's
// percentile. Without a table the percentile is Phi((raw-mean)/std)*100. If
// std is not positive and there is no table, the percentile is undefined and
// the tier is Unknown.
func Classify(raw, mean, std float64, table catalog.PercentileTable) Classification {
	var c Classification

	if std > 0 && !math.IsInf(std, 0) {
		c.ZScore = null.FloatFrom((raw - mean) / std)
	}

	if len(table) > 0 && !sort.SliceIsSorted(table, func(i, j int) bool { return table[i].Score < table[j].Score }) {
		sorted := make(catalog.PercentileTable, len(table))
		copy(sorted, table)
		sorted.Sort()
		table = sorted
	}

	switch {
	case len(table) > 0:
		c.Percentile = null.FloatFrom(interpolate(raw, table))
	case c.ZScore.Valid:
		c.Percentile = null.FloatFrom(clampPercentile(distuv.UnitNormal.CDF(c.ZScore.Float64) * 100))
	default:
		c.Tier = TierUnknown
		return c
	}

	c.Tier = TierOf(c.Percentile.Float64)

	return c
}

// interpolate expects table sorted by score.
func interpolate(raw float64, table catalog.PercentileTable) float64 {
	first, last := table[0], table[len(table)-1]

	if raw <= first.Score {
		return clampPercentile(first.Percentile)
	}
	if raw >= last.Score {
		return clampPercentile(last.Percentile)
	}

	for i := 0; i < len(table)-1; i++ {
		lo, hi := table[i], table[i+1]
		if raw < lo.Score || raw > hi.Score {
			continue
		}
		if hi.Score == lo.Score {
			return clampPercentile(lo.Percentile)
		}
		frac := (raw - lo.Score) / (hi.Score - lo.Score)
		return clampPercentile(lo.Percentile + frac*(hi.Percentile-lo.Percentile))
	}

	return clampPercentile(last.Percentile)
}

func clampPercentile(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 50
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
