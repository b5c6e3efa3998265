// Package prs scores one person's genotypes against polygenic score
// definitions.
package prs

import (
	"strings"

	"github.com/carbocation/polyrisk/catalog"
)

// Genotypes is the lookup the scorer needs. genotype.Index satisfies it.
type Genotypes interface {
	Lookup(rsid string) (string, bool)
}

type Outcome byte

const (
	// Unmatched means the SNP was not genotyped.
	Unmatched Outcome = iota
	// Matched means the genotype was reconciled with the weight's alleles,
	// possibly after a strand flip.
	Matched
	// Ambiguous means the SNP was genotyped but its alleles could not be
	// reconciled with the weight's alleles on either strand.
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	}
	return "unmatched"
}

// Match is the outcome of resolving one weight against one genotype. Count is
// the number of effect alleles carried and is only meaningful when Matched.
type Match struct {
	Outcome  Outcome
	Count    int
	Flipped  bool
	Genotype string
}

// MatchVariant resolves w against the genotype for w.RSID. The genotype is
// treated as an unordered pair of alleles. If both alleles are among the
// weight's effect and other alleles the effect allele is counted directly.
// Otherwise both genotype alleles are complemented (A<->T, C<->G) and the
// test is repeated. Weights whose alleles are not single bases are Ambiguous
// whenever the SNP was genotyped. Weights with no other allele at all are
// counted on the reported strand only.
func MatchVariant(w catalog.VariantWeight, g Genotypes) Match {
	gt, ok := g.Lookup(w.RSID)
	if !ok {
		return Match{Outcome: Unmatched}
	}
	gt = strings.ToUpper(gt)

	if len(gt) != 2 {
		return Match{Outcome: Ambiguous, Genotype: gt}
	}

	effect, okEffect := base(w.EffectAllele)
	other, okOther := base(w.OtherAllele)
	if !okEffect {
		return Match{Outcome: Ambiguous, Genotype: gt}
	}

	if !okOther && strings.TrimSpace(w.OtherAllele) != "" {
		return Match{Outcome: Ambiguous, Genotype: gt}
	} else if !okOther {
		// Without a usable other allele the strand cannot be checked, so the
		// effect allele is counted as reported.
		return matchEffectOnly(gt, effect)
	}

	a1, a2 := gt[0], gt[1]
	if inPair(a1, effect, other) && inPair(a2, effect, other) {
		return Match{Outcome: Matched, Count: countOf(effect, a1, a2), Genotype: gt}
	}

	c1, c2 := complement(a1), complement(a2)
	if inPair(c1, effect, other) && inPair(c2, effect, other) {
		return Match{Outcome: Matched, Count: countOf(effect, c1, c2), Flipped: true, Genotype: gt}
	}

	return Match{Outcome: Ambiguous, Genotype: gt}
}

func matchEffectOnly(gt string, effect byte) Match {
	return Match{Outcome: Matched, Count: countOf(effect, gt[0], gt[1]), Genotype: gt}
}

func base(allele string) (byte, bool) {
	allele = strings.ToUpper(strings.TrimSpace(allele))
	if len(allele) != 1 {
		return 0, false
	}
	switch allele[0] {
	case 'A', 'C', 'G', 'T':
		return allele[0], true
	}
	return 0, false
}

func inPair(a, x, y byte) bool {
	return a == x || a == y
}

func countOf(effect, a1, a2 byte) int {
	n := 0
	if a1 == effect {
		n++
	}
	if a2 == effect {
		n++
	}
	return n
}

func complement(b byte) byte {
	switch b {
	case 'A':
		return 'T'
	case 'T':
		return 'A'
	case 'C':
		return 'G'
	case 'G':
		return 'C'
	}
	return b
}
