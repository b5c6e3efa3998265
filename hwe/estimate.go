// Package hwe derives the population distribution of a polygenic score under
// Hardy-Weinberg equilibrium, treating every variant as independent.
package hwe

import (
	"errors"
	"math"

	"github.com/carbocation/polyrisk/catalog"
)

// DefaultFrequency is used for variants whose effect allele frequency is
// unknown.
const DefaultFrequency = 0.5

// ErrDegenerateDistribution means the score has zero variance, so no
// percentile can be derived from it.
var ErrDegenerateDistribution = errors.New("hwe: degenerate distribution")

// Moments are the expected mean and spread of a score.
type Moments struct {
	Mean     float64
	Variance float64
	Std      float64

	// Variants is the number of weights summed. WithFrequency counts those
	// that carried their own effect allele frequency.
	Variants      int
	WithFrequency int
}

// FrequencyCoverage is the fraction of weights that carried a frequency.
func (m Moments) FrequencyCoverage() float64 {
	if m.Variants == 0 {
		return 0
	}
	return float64(m.WithFrequency) / float64(m.Variants)
}

// Estimate sums the per-variant allele dosage moments. With effect allele
// frequency p, each dosage is Binomial(2, p), so a variant with weight beta
// contributes 2*p*beta to the mean and 2*p*(1-p)*beta^2 to the variance.
func Estimate(weights []catalog.VariantWeight) (Moments, error) {
	m := Moments{Variants: len(weights)}

	for _, w := range weights {
		p := DefaultFrequency
		if w.EAF.Valid {
			p = w.EAF.Float64
			m.WithFrequency++
		}

		m.Mean += 2 * p * w.Weight
		m.Variance += 2 * p * (1 - p) * w.Weight * w.Weight
	}

	m.Std = math.Sqrt(m.Variance)

	if m.Variance <= 0 || math.IsNaN(m.Variance) || math.IsInf(m.Variance, 0) {
		return m, ErrDegenerateDistribution
	}

	return m, nil
}
