package prs

import (
	"sort"

	"github.com/carbocation/polyrisk/catalog"
)

// Contribution is one matched variant's share of the raw score.
type Contribution struct {
	RSID         string  `json:"rsid"`
	Genotype     string  `json:"genotype"`
	EffectAllele string  `json:"effect_allele"`
	Weight       float64 `json:"weight"`
	Count        int     `json:"count"`
	Flipped      bool    `json:"flipped"`
	Value        float64 `json:"contribution"`
}

// Accumulation is the folded outcome of matching every weight of one score.
type Accumulation struct {
	Raw       float64
	Matched   int
	Ambiguous int
	Unmatched int

	// Total is the definition's declared variant count.
	Total    int
	Coverage float64

	Contributions []Contribution
}

// Accumulate matches every weight against g and sums weight*count over the
// matched ones. Total is def.VariantCount, or the number of weights when the
// definition does not declare one. When topN > 0 the topN contributions by
// absolute value are kept.
func Accumulate(def catalog.ScoreDefinition, weights []catalog.VariantWeight, g Genotypes, topN int) Accumulation {
	acc := Accumulation{Total: def.VariantCount}
	if acc.Total <= 0 {
		acc.Total = len(weights)
	}

	for _, w := range weights {
		m := MatchVariant(w, g)

		switch m.Outcome {
		case Matched:
			c := w.Weight * float64(m.Count)
			acc.Raw += c
			acc.Matched++
			if topN > 0 {
				acc.Contributions = append(acc.Contributions, Contribution{
					RSID:         w.RSID,
					Genotype:     m.Genotype,
					EffectAllele: w.EffectAllele,
					Weight:       w.Weight,
					Count:        m.Count,
					Flipped:      m.Flipped,
					Value:        c,
				})
			}
		case Ambiguous:
			acc.Ambiguous++
		default:
			acc.Unmatched++
		}
	}

	if acc.Total > 0 {
		acc.Coverage = float64(acc.Matched) / float64(acc.Total)
		if acc.Coverage > 1 {
			acc.Coverage = 1
		}
	}

	acc.Contributions = topContributions(acc.Contributions, topN)

	return acc
}

// topContributions orders by absolute contribution, largest first, breaking
// ties by rsid so the order is stable across runs.
func topContributions(cs []Contribution, n int) []Contribution {
	if n <= 0 || len(cs) == 0 {
		return nil
	}

	sort.Slice(cs, func(i, j int) bool {
		ai, aj := abs(cs[i].Value), abs(cs[j].Value)
		if ai == aj {
			return cs[i].RSID < cs[j].RSID
		}
		return ai > aj
	})

	if len(cs) > n {
		cs = cs[:n]
	}

	out := make([]Contribution, len(cs))
	copy(out, cs)

	return out
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
