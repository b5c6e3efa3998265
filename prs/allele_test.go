package prs

import (
	"testing"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/genotype"
)

func TestMatchVariant(t *testing.T) {
	ix := genotype.New(map[string]string{
		"rs1": "AG",
		"rs2": "TT",
		"rs3": "TC",
		"rs4": "AA",
		"rs5": "--",
		"rs6": "at",
	})

	for _, v := range []struct {
		Name    string
		Weight  catalog.VariantWeight
		Outcome Outcome
		Count   int
		Flipped bool
	}{
		{"heterozygous", catalog.VariantWeight{RSID: "rs1", EffectAllele: "A", OtherAllele: "G"}, Matched, 1, false},
		{"lowercase alleles", catalog.VariantWeight{RSID: "rs1", EffectAllele: "g", OtherAllele: "a"}, Matched, 1, false},
		{"no overlap either strand", catalog.VariantWeight{RSID: "rs2", EffectAllele: "C", OtherAllele: "G"}, Ambiguous, 0, false},
		{"strand flip", catalog.VariantWeight{RSID: "rs3", EffectAllele: "A", OtherAllele: "G"}, Matched, 1, true},
		{"homozygous other", catalog.VariantWeight{RSID: "rs4", EffectAllele: "G", OtherAllele: "A"}, Matched, 0, false},
		{"homozygous effect after flip", catalog.VariantWeight{RSID: "rs2", EffectAllele: "A", OtherAllele: "G"}, Matched, 2, true},
		{"palindromic", catalog.VariantWeight{RSID: "rs6", EffectAllele: "T", OtherAllele: "A"}, Matched, 1, false},
		{"not genotyped", catalog.VariantWeight{RSID: "rs99", EffectAllele: "A", OtherAllele: "G"}, Unmatched, 0, false},
		{"no call", catalog.VariantWeight{RSID: "rs5", EffectAllele: "A", OtherAllele: "G"}, Unmatched, 0, false},
		{"indel weight", catalog.VariantWeight{RSID: "rs1", EffectAllele: "AG", OtherAllele: "A"}, Ambiguous, 0, false},
		{"indel other allele", catalog.VariantWeight{RSID: "rs1", EffectAllele: "A", OtherAllele: "AGT"}, Ambiguous, 0, false},
		{"missing other allele", catalog.VariantWeight{RSID: "rs4", EffectAllele: "A"}, Matched, 2, false},
		{"missing other allele non carrier", catalog.VariantWeight{RSID: "rs2", EffectAllele: "A"}, Matched, 0, false},
	} {
		m := MatchVariant(v.Weight, ix)
		if m.Outcome != v.Outcome || m.Count != v.Count || m.Flipped != v.Flipped {
			t.Errorf("%s: got %v count=%d flipped=%v, expected %v count=%d flipped=%v",
				v.Name, m.Outcome, m.Count, m.Flipped, v.Outcome, v.Count, v.Flipped)
		}
	}
}

// A genotype disjoint from the weight's alleles on both strands is never
// Matched.
func TestDisjointIsAmbiguous(t *testing.T) {
	bases := []string{"A", "C", "G", "T"}
	complementOf := map[string]string{"A": "T", "T": "A", "C": "G", "G": "C"}

	for _, e := range bases {
		for _, o := range bases {
			if e == o {
				continue
			}
			allowed := map[string]bool{e: true, o: true}
			for _, g1 := range bases {
				for _, g2 := range bases {
					direct := allowed[g1] && allowed[g2]
					flipped := allowed[complementOf[g1]] && allowed[complementOf[g2]]

					ix := genotype.New(map[string]string{"rs1": g1 + g2})
					m := MatchVariant(catalog.VariantWeight{RSID: "rs1", EffectAllele: e, OtherAllele: o}, ix)

					if !direct && !flipped && m.Outcome != Ambiguous {
						t.Errorf("effect=%s other=%s genotype=%s%s: expected Ambiguous, got %v", e, o, g1, g2, m.Outcome)
					}
					if (direct || flipped) && m.Outcome != Matched {
						t.Errorf("effect=%s other=%s genotype=%s%s: expected Matched, got %v", e, o, g1, g2, m.Outcome)
					}
					if m.Count < 0 || m.Count > 2 {
						t.Errorf("count out of range: %d", m.Count)
					}
				}
			}
		}
	}
}
