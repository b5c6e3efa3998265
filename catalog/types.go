// Package catalog is the SQLite image of one catalog version: score
// definitions, their weighted variants and reference distributions.
package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/guregu/null.v3"
)

type Category string

const (
	CategoryMetabolic        Category = "Metabolic"
	CategoryCardiovascular   Category = "Cardiovascular"
	CategoryNeuropsychiatric Category = "Neuropsychiatric"
	CategoryOncology         Category = "Oncology"
	CategoryImmune           Category = "Immune"
	CategoryPhysical         Category = "Physical Trait"
	CategoryInfectious       Category = "Infectious"
	CategoryOther            Category = "Other"
)

var Categories = []Category{
	CategoryMetabolic,
	CategoryCardiovascular,
	CategoryNeuropsychiatric,
	CategoryOncology,
	CategoryImmune,
	CategoryPhysical,
	CategoryInfectious,
	CategoryOther,
}

// ParseCategory maps free text onto a known category. Unknown values become
// CategoryOther.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if strings.ToLower(string(c)) == s {
			return c
		}
	}
	if s == "physical" {
		return CategoryPhysical
	}
	return CategoryOther
}

// ScoreDefinition is one polygenic score. VariantCount always equals the
// number of VariantWeight rows for ScoreID in the same catalog image.
type ScoreDefinition struct {
	ScoreID          string   `db:"score_id" json:"score_id"`
	Trait            string   `db:"trait" json:"trait"`
	Category         Category `db:"category" json:"category"`
	VariantCount     int      `db:"variant_count" json:"variant_count"`
	Ancestry         string   `db:"ancestry" json:"ancestry"`
	PublicationDOI   string   `db:"publication_doi" json:"publication_doi"`
	PublicationYear  null.Int `db:"publication_year" json:"publication_year"`
	PublicationTitle string   `db:"publication_title" json:"publication_title"`
	SampleSize       null.Int `db:"sample_size" json:"sample_size"`
	GenomeBuild      string   `db:"genome_build" json:"genome_build"`
}

type VariantWeight struct {
	ScoreID      string     `db:"score_id"`
	RSID         string     `db:"rsid"`
	Chromosome   string     `db:"chromosome"`
	Position     int        `db:"position"`
	EffectAllele string     `db:"effect_allele"`
	OtherAllele  string     `db:"other_allele"`
	Weight       float64    `db:"weight"`
	EAF          null.Float `db:"eaf"`
}

// PopulationDistribution holds reference statistics for one score in one
// population.
type PopulationDistribution struct {
	ScoreID     string          `db:"score_id" json:"score_id"`
	Population  string          `db:"population" json:"population"`
	Mean        float64         `db:"mean" json:"mean"`
	Std         float64         `db:"std" json:"std"`
	Percentiles PercentileTable `db:"percentiles" json:"percentiles,omitempty"`
}

// Breakpoint maps a raw score onto a percentile.
type Breakpoint struct {
	Percentile float64 `json:"percentile"`
	Score      float64 `json:"score"`
}

// PercentileTable is stored as a JSON array. It is kept sorted by Score.
type PercentileTable []Breakpoint

// Sort orders the breakpoints by score, then by percentile.
func (t PercentileTable) Sort() {
	sort.SliceStable(t, func(i, j int) bool {
		if t[i].Score == t[j].Score {
			return t[i].Percentile < t[j].Percentile
		}
		return t[i].Score < t[j].Score
	})
}

func (t PercentileTable) Value() (driver.Value, error) {
	if len(t) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]Breakpoint(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *PercentileTable) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into PercentileTable", src)
	}

	if len(raw) == 0 {
		*t = nil
		return nil
	}

	var out []Breakpoint
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*t = PercentileTable(out)
	t.Sort()

	return nil
}
