package prsparser

import (
	"fmt"
	"sort"
	"strings"
)

// ColAbsent marks a column that the layout does not provide.
const ColAbsent = -1

type Layout struct {
	Delimiter       rune
	Comment         rune
	HasHeader       bool
	ColSNP          int
	ColEffectAllele int
	ColOtherAllele  int
	ColAllele1      int
	ColAllele2      int
	ColChromosome   int
	ColPosition     int
	ColWeight       int
	ColFrequency    int
	Parser          *func(layout *Layout, row []string) (Variant, error)
}

var Layouts = map[string]Layout{
	// PGS Catalog scoring files. The column positions are resolved from the
	// header row by LayoutFromHeader.
	"PGSCATALOG": {
		Delimiter:       '\t',
		Comment:         '#',
		HasHeader:       true,
		ColSNP:          ColAbsent,
		ColEffectAllele: ColAbsent,
		ColOtherAllele:  ColAbsent,
		ColAllele1:      ColAbsent,
		ColAllele2:      ColAbsent,
		ColChromosome:   ColAbsent,
		ColPosition:     ColAbsent,
		ColWeight:       ColAbsent,
		ColFrequency:    ColAbsent,
		Parser:          &defaultParseRow,
	},
	"AVKNG2018": {
		Delimiter:       '\t',
		Comment:         '#',
		ColSNP:          0,
		ColEffectAllele: 1,
		ColOtherAllele:  ColAbsent,
		ColAllele1:      5,
		ColAllele2:      6,
		ColChromosome:   3,
		ColPosition:     4,
		ColWeight:       2,
		ColFrequency:    ColAbsent,
		Parser:          &avkngParseRow,
	},
	"LDPRED": {
		Delimiter:       ' ',
		Comment:         '#',
		ColSNP:          2,
		ColEffectAllele: 4,
		ColOtherAllele:  ColAbsent,
		ColAllele1:      3,
		ColAllele2:      4,
		ColChromosome:   0,
		ColPosition:     1,
		ColWeight:       6,
		ColFrequency:    ColAbsent,
		Parser:          &ldpredParseRow,
	},
}

// Header aliases accepted in scoring-file headers, compared case-insensitively.
var (
	snpAliases       = []string{"rsid", "snp", "snp_id", "hm_rsid"}
	chromAliases     = []string{"chr_name", "chromosome", "chr", "hm_chr"}
	positionAliases  = []string{"chr_position", "position", "pos", "bp", "hm_pos"}
	effectAliases    = []string{"effect_allele", "a1", "allele1", "ea"}
	otherAliases     = []string{"other_allele", "a2", "allele2", "oa", "reference_allele", "hm_inferotherallele"}
	weightAliases    = []string{"effect_weight", "weight", "beta"}
	frequencyAliases = []string{"allelefrequency_effect", "eaf", "effect_allele_frequency"}
)

// LayoutFromHeader resolves the PGSCATALOG layout against a header row. The
// first column matching an alias wins. A weight column is required.
func LayoutFromHeader(header []string) (Layout, error) {
	l := Layouts["PGSCATALOG"]

	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(col))
		switch {
		case contains(snpAliases, col):
			setOnce(&l.ColSNP, i)
		case contains(chromAliases, col):
			setOnce(&l.ColChromosome, i)
		case contains(positionAliases, col):
			setOnce(&l.ColPosition, i)
		case contains(effectAliases, col):
			setOnce(&l.ColEffectAllele, i)
		case contains(otherAliases, col):
			setOnce(&l.ColOtherAllele, i)
		case contains(weightAliases, col):
			setOnce(&l.ColWeight, i)
		case contains(frequencyAliases, col):
			setOnce(&l.ColFrequency, i)
		}
	}

	if l.ColWeight == ColAbsent {
		return l, fmt.Errorf("no weight column among %v", header)
	}
	if l.ColSNP == ColAbsent {
		return l, fmt.Errorf("no rsid column among %v", header)
	}
	if l.ColEffectAllele == ColAbsent {
		return l, fmt.Errorf("no effect allele column among %v", header)
	}

	return l, nil
}

func setOnce(dst *int, i int) {
	if *dst == ColAbsent {
		*dst = i
	}
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func LayoutNames() string {
	names := make([]string, 0, len(Layouts))
	for m := range Layouts {
		names = append(names, m)
	}
	sort.Strings(names)

	return strings.Join(names, ", ")
}
