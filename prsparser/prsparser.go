package prsparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"gopkg.in/guregu/null.v3"
)

type PRSParser struct {
	CSVReaderSettings *csv.Reader
	Layout            Layout
}

func New(layout string) (*PRSParser, error) {
	l, exists := Layouts[layout]
	if !exists {
		return nil, fmt.Errorf("Layout %s is not found. Valid layout names include: %s", layout, LayoutNames())
	}

	return NewWithLayout(l)
}

func NewWithLayout(layout Layout) (*PRSParser, error) {
	n := &PRSParser{}
	n.Layout = layout
	n.CSVReaderSettings = &csv.Reader{}
	n.CSVReaderSettings.Comma = layout.Delimiter
	n.CSVReaderSettings.Comment = layout.Comment

	return n, nil
}

func (prsp *PRSParser) ParseRow(row []string) (Variant, error) {
	return (*prsp.Layout.Parser)(&prsp.Layout, row)
}

// ErrSkip marks a row that is well-formed but carries no usable weight, such
// as an "NA" effect size.
var ErrSkip = errors.New("prsparser: row skipped")

// ReadAll streams every variant of a scoring file to fn. Rows that fail to
// parse are counted and skipped. When the layout has a header, the PGS
// Catalog column aliases are resolved from it first. An error returned by fn
// stops the read and is returned as-is.
func (prsp *PRSParser) ReadAll(r io.Reader, fn func(Variant) error) (skipped int, err error) {
	cr := csv.NewReader(r)
	cr.Comma = prsp.CSVReaderSettings.Comma
	cr.Comment = prsp.CSVReaderSettings.Comment
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	layout := prsp.Layout
	needHeader := layout.HasHeader

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return skipped, pfx.Err(err)
		}

		if needHeader {
			resolved, err := LayoutFromHeader(row)
			if err != nil {
				return skipped, pfx.Err(err)
			}
			layout = resolved
			needHeader = false
			continue
		}

		v, err := (*layout.Parser)(&layout, row)
		if err != nil {
			skipped++
			continue
		}

		if err := fn(v); err != nil {
			return skipped, err
		}
	}

	return skipped, nil
}

var defaultParseRow = func(layout *Layout, row []string) (Variant, error) {
	p := Variant{}

	snp, ok := column(row, layout.ColSNP)
	if !ok || snp == "" {
		return p, fmt.Errorf("missing rsid in %v", row)
	}
	p.SNP = strings.ToLower(snp)

	ea, _ := column(row, layout.ColEffectAllele)
	p.EffectAllele = Allele(ea).Normalize()
	if p.EffectAllele == "" {
		return p, fmt.Errorf("missing effect allele in %v", row)
	}

	oa, _ := column(row, layout.ColOtherAllele)
	p.OtherAllele = Allele(oa).Normalize()

	chrom, _ := column(row, layout.ColChromosome)
	p.Chromosome = NormalizeChromosome(chrom)

	if pos, ok := column(row, layout.ColPosition); ok && pos != "" {
		if v, err := strconv.Atoi(pos); err == nil {
			p.Position = v
		}
	}

	w, _ := column(row, layout.ColWeight)
	score, err := parseWeight(w)
	if err != nil {
		return p, err
	}
	p.Weight = score

	if freq, ok := column(row, layout.ColFrequency); ok {
		p.EAF = parseFrequency(freq)
	}

	return p, nil
}

// avkngParseRow reads files whose variant id is chr:pos:a1:a2 and whose
// alleles sit in their own columns.
var avkngParseRow = fixedParseRow

// ldpredParseRow treats the second allele as the effect allele. Negative
// weights are flipped onto the first allele so that all weights are
// positive.
var ldpredParseRow = func(layout *Layout, row []string) (Variant, error) {
	p, err := fixedParseRow(layout, row)
	if err != nil {
		return p, err
	}

	if p.Weight < 0 {
		p.EffectAllele, p.OtherAllele = p.OtherAllele, p.EffectAllele
		p.Weight = -p.Weight
		if p.EAF.Valid {
			p.EAF = null.FloatFrom(1 - p.EAF.Float64)
		}
	}

	return p, nil
}

func fixedParseRow(layout *Layout, row []string) (Variant, error) {
	p := Variant{}

	for _, col := range []int{layout.ColSNP, layout.ColEffectAllele, layout.ColAllele1, layout.ColAllele2, layout.ColChromosome, layout.ColPosition, layout.ColWeight} {
		if col >= len(row) {
			return p, fmt.Errorf("expected at least %d columns, found %d", col+1, len(row))
		}
	}

	p.SNP = strings.ToLower(row[layout.ColSNP])
	p.EffectAllele = Allele(row[layout.ColEffectAllele]).Normalize()
	a1 := Allele(row[layout.ColAllele1]).Normalize()
	a2 := Allele(row[layout.ColAllele2]).Normalize()
	if p.EffectAllele == a1 {
		p.OtherAllele = a2
	} else {
		p.OtherAllele = a1
	}
	p.Chromosome = NormalizeChromosome(row[layout.ColChromosome])

	if pos, err := strconv.Atoi(row[layout.ColPosition]); err != nil {
		return p, err
	} else {
		p.Position = pos
	}

	score, err := parseWeight(row[layout.ColWeight])
	if err != nil {
		return p, err
	}
	p.Weight = score

	if freq, ok := column(row, layout.ColFrequency); ok {
		p.EAF = parseFrequency(freq)
	}

	return p, nil
}

func column(row []string, col int) (string, bool) {
	if col < 0 || col >= len(row) {
		return "", false
	}
	return strings.TrimSpace(row[col]), true
}

func parseWeight(s string) (float64, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NA", "NAN", ".":
		return 0, ErrSkip
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}

	if math.IsInf(score, 0) || math.IsNaN(score) {
		return 0, ErrSkip
	}

	return score, nil
}

// parseFrequency returns a null Float for anything that is not a frequency in
// [0, 1].
func parseFrequency(s string) null.Float {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
		return null.Float{}
	}
	return null.FloatFrom(f)
}

// NormalizeChromosome strips the common "chr" and "chrom_" prefixes.
func NormalizeChromosome(chrom string) string {
	chrom = strings.TrimSpace(chrom)
	lower := strings.ToLower(chrom)
	for _, prefix := range []string{"chrom_", "chrom", "chr"} {
		if strings.HasPrefix(lower, prefix) {
			return strings.ToUpper(chrom[len(prefix):])
		}
	}
	return strings.ToUpper(chrom)
}
