package prs

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
	"gopkg.in/guregu/null.v3"
)

// ResultRow is the flat, tab-delimited form of a ScoreResult.
type ResultRow struct {
	ScoreID            string `csv:"score_id"`
	Trait              string `csv:"trait"`
	Category           string `csv:"category"`
	Status             string `csv:"status"`
	RawScore           string `csv:"raw_score"`
	Matched            int    `csv:"matched"`
	Ambiguous          int    `csv:"ambiguous"`
	Unmatched          int    `csv:"unmatched"`
	Total              int    `csv:"total"`
	Coverage           string `csv:"coverage"`
	ZScore             string `csv:"z_score"`
	Percentile         string `csv:"percentile"`
	Tier               string `csv:"risk_tier"`
	Population         string `csv:"population"`
	DistributionSource string `csv:"distribution_source"`
	Warnings           string `csv:"warnings"`
	Error              string `csv:"error"`
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', 8, 64)
}

func formatNull(f null.Float) string {
	if !f.Valid {
		return "NA"
	}
	return formatFloat(f.Float64)
}

func (r ScoreResult) Row() ResultRow {
	warnings := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		warnings = append(warnings, string(w))
	}

	row := ResultRow{
		ScoreID:            r.ScoreID,
		Trait:              r.Trait,
		Category:           string(r.Category),
		Status:             string(r.Status),
		RawScore:           formatFloat(r.RawScore),
		Matched:            r.Matched,
		Ambiguous:          r.Ambiguous,
		Unmatched:          r.Unmatched,
		Total:              r.Total,
		Coverage:           formatFloat(r.Coverage),
		ZScore:             formatNull(r.ZScore),
		Percentile:         formatNull(r.Percentile),
		Tier:               string(r.Tier),
		Population:         r.Population,
		DistributionSource: string(r.DistributionSource),
		Warnings:           strings.Join(warnings, ","),
		Error:              r.Error,
	}
	if r.Status == StatusFailed {
		row.RawScore, row.Coverage = "NA", "NA"
	}

	return row
}

// WriteTSV writes a header and one row per result.
func WriteTSV(w io.Writer, results []ScoreResult) error {
	rows := make([]ResultRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, r.Row())
	}

	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := gocsv.MarshalCSV(rows, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return pfx.Err(err)
	}
	cw.Flush()

	if err := cw.Error(); err != nil {
		return pfx.Err(err)
	}
	return nil
}
