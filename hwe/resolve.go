package hwe

import "github.com/carbocation/polyrisk/catalog"

type Source string

const (
	SourceStored    Source = "stored"
	SourceEstimated Source = "estimated"
)

// Distribution is what a raw score is compared against.
type Distribution struct {
	Mean        float64
	Std         float64
	Percentiles catalog.PercentileTable
	Population  string
	Source      Source

	// FrequencyCoverage is only set for estimated distributions.
	FrequencyCoverage float64
}

// Resolve returns the stored distribution verbatim when one exists and is
// usable (a percentile table, or a positive std). Otherwise the distribution
// is estimated from the weights. ErrDegenerateDistribution is returned along
// with the estimated moments when the estimate has no spread.
func Resolve(stored *catalog.PopulationDistribution, weights []catalog.VariantWeight) (Distribution, error) {
	if stored != nil && (len(stored.Percentiles) > 0 || stored.Std > 0) {
		return Distribution{
			Mean:        stored.Mean,
			Std:         stored.Std,
			Percentiles: stored.Percentiles,
			Population:  stored.Population,
			Source:      SourceStored,
		}, nil
	}

	m, err := Estimate(weights)

	return Distribution{
		Mean:              m.Mean,
		Std:               m.Std,
		Source:            SourceEstimated,
		FrequencyCoverage: m.FrequencyCoverage(),
	}, err
}
