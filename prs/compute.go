package prs

import (
	"errors"
	"time"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/hwe"
)

type Options struct {
	// TopN contributors are kept on each result. Zero keeps none.
	TopN int

	// Results whose coverage is below LowCoverage carry WarningLowCoverage.
	LowCoverage float64
}

var DefaultOptions = Options{
	TopN:        10,
	LowCoverage: 0.8,
}

// Compute runs the whole pipeline for one definition: match and accumulate,
// resolve the distribution, then classify. It never fails; a distribution
// without spread yields a result with an undefined percentile and a warning.
func Compute(def catalog.ScoreDefinition, weights []catalog.VariantWeight, stored *catalog.PopulationDistribution, g Genotypes, opts Options) ScoreResult {
	started := time.Now()

	acc := Accumulate(def, weights, g, opts.TopN)

	r := ScoreResult{
		ScoreID:         def.ScoreID,
		Trait:           def.Trait,
		Category:        def.Category,
		Status:          StatusCompleted,
		RawScore:        acc.Raw,
		Matched:         acc.Matched,
		Ambiguous:       acc.Ambiguous,
		Unmatched:       acc.Unmatched,
		Total:           acc.Total,
		Coverage:        acc.Coverage,
		TopContributors: acc.Contributions,
	}

	if acc.Matched == 0 {
		r.Warnings = append(r.Warnings, WarningNoVariantsMatched)
	}
	if acc.Coverage < opts.LowCoverage {
		r.Warnings = append(r.Warnings, WarningLowCoverage)
	}

	dist, err := hwe.Resolve(stored, weights)
	r.Mean, r.Std = dist.Mean, dist.Std
	r.Population = dist.Population
	r.DistributionSource = dist.Source
	if dist.Source == hwe.SourceEstimated {
		r.Warnings = append(r.Warnings, WarningEstimatedDistribution)
	}

	if errors.Is(err, hwe.ErrDegenerateDistribution) {
		r.Warnings = append(r.Warnings, WarningDegenerateDistribution)
		r.Tier = TierUnknown
	} else {
		c := Classify(acc.Raw, dist.Mean, dist.Std, dist.Percentiles)
		r.ZScore, r.Percentile, r.Tier = c.ZScore, c.Percentile, c.Tier
	}

	r.ComputeTime = time.Since(started)

	return r
}
