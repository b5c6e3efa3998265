package prsparser

import "gopkg.in/guregu/null.v3"

// Variant is one weighted row of a scoring file.
type Variant struct {
	SNP          string
	EffectAllele Allele
	OtherAllele  Allele
	Chromosome   string
	Position     int
	Weight       float64

	// EAF is the effect allele frequency, when the file provides one.
	EAF null.Float
}
