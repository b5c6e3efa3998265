// Package genotype holds a person's directly-typed SNP calls, keyed by rsid.
package genotype

import "strings"

// Index is an immutable rsid -> genotype lookup. Only calls made of two
// A/C/G/T bases are stored; anything else is treated as not genotyped.
type Index struct {
	calls   map[string]string
	entries int
}

// Summary describes what the source file contained.
type Summary struct {
	// Entries is the number of rsids supplied, called or not.
	Entries int
	// Called is the number of rsids with a usable diploid call.
	Called int
}

// NoCalls is the number of entries that were dropped as unusable.
func (s Summary) NoCalls() int {
	return s.Entries - s.Called
}

// New builds an Index from an rsid -> genotype mapping. The input map is not
// retained. Genotypes are upper-cased; hemizygous, indel and no-call entries
// ("--", "A", "DI") are dropped.
func New(src map[string]string) *Index {
	ix := &Index{
		calls:   make(map[string]string, len(src)),
		entries: len(src),
	}

	for rsid, gt := range src {
		rsid = strings.ToLower(strings.TrimSpace(rsid))
		gt = strings.ToUpper(strings.TrimSpace(gt))
		if rsid == "" || !validCall(gt) {
			continue
		}
		ix.calls[rsid] = gt
	}

	return ix
}

func validCall(gt string) bool {
	if len(gt) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		switch gt[i] {
		case 'A', 'C', 'G', 'T':
		default:
			return false
		}
	}
	return true
}

// Lookup returns the two-character genotype for rsid. The second value is
// false when the SNP was not genotyped.
func (ix *Index) Lookup(rsid string) (string, bool) {
	if ix == nil {
		return "", false
	}
	gt, ok := ix.calls[rsid]
	if !ok {
		gt, ok = ix.calls[strings.ToLower(rsid)]
	}
	return gt, ok
}

// Len is the number of usable calls.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.calls)
}

func (ix *Index) Summary() Summary {
	if ix == nil {
		return Summary{}
	}
	return Summary{Entries: ix.entries, Called: len(ix.calls)}
}
