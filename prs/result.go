package prs

import (
	"time"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/hwe"
	"gopkg.in/guregu/null.v3"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Warning is advisory. A result carrying warnings is still a valid result.
type Warning string

const (
	WarningLowCoverage            Warning = "low_coverage"
	WarningNoVariantsMatched      Warning = "no_variants_matched"
	WarningDegenerateDistribution Warning = "degenerate_distribution"
	WarningEstimatedDistribution  Warning = "estimated_distribution"
)

// ScoreResult is the outcome of scoring one definition for one person.
type ScoreResult struct {
	ScoreID  string           `json:"score_id"`
	Trait    string           `json:"trait"`
	Category catalog.Category `json:"category"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	RawScore  float64 `json:"raw_score"`
	Matched   int     `json:"matched_variants"`
	Ambiguous int     `json:"ambiguous_variants"`
	Unmatched int     `json:"unmatched_variants"`
	Total     int     `json:"total_variants"`
	Coverage  float64 `json:"coverage"`

	ZScore     null.Float `json:"z_score"`
	Percentile null.Float `json:"percentile"`
	Tier       Tier       `json:"risk_tier"`

	Mean               float64    `json:"population_mean"`
	Std                float64    `json:"population_std"`
	Population         string     `json:"population,omitempty"`
	DistributionSource hwe.Source `json:"distribution_source,omitempty"`

	TopContributors []Contribution `json:"top_contributors,omitempty"`
	Warnings        []Warning      `json:"warnings,omitempty"`

	ComputeTime time.Duration `json:"compute_time_ns"`
}

func (r ScoreResult) HasWarning(w Warning) bool {
	for _, v := range r.Warnings {
		if v == w {
			return true
		}
	}
	return false
}

// Failed builds the result recorded for a definition that could not be
// scored.
func Failed(def catalog.ScoreDefinition, err error) ScoreResult {
	r := ScoreResult{
		ScoreID:  def.ScoreID,
		Trait:    def.Trait,
		Category: def.Category,
		Total:    def.VariantCount,
		Status:   StatusFailed,
		Tier:     TierUnknown,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
