package prsparser

import "strings"

// Allele is a nucleotide or nucleotide sequence as written in a scoring file.
type Allele string

// Normalize returns the upper-cased, trimmed allele.
func (a Allele) Normalize() Allele {
	return Allele(strings.ToUpper(strings.TrimSpace(string(a))))
}

// IsBase reports whether a is exactly one of A, C, G or T.
func (a Allele) IsBase() bool {
	if len(a) != 1 {
		return false
	}
	switch a[0] {
	case 'A', 'C', 'G', 'T':
		return true
	}
	return false
}
