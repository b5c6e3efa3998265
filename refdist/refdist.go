// Package refdist turns per-sample scores from a reference cohort into a
// stored population distribution.
package refdist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk/catalog"
	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// CohortScore is one row of a reference file: the tab-delimited output of
// scoring every sample of a cohort with one score.
type CohortScore struct {
	SampleFileRow int     `csv:"sample_file_row"`
	Source        string  `csv:"source"`
	Score         float64 `csv:"score"`
	NIncremented  int     `csv:"n_incremented"`
}

// Breakpoints are the percentiles recorded in a built table, in addition to
// the cohort minimum (0) and maximum (100).
var Breakpoints = []float64{1, 5, 10, 20, 25, 30, 40, 50, 60, 70, 75, 80, 90, 95, 99}

// MinSamples is the smallest cohort Build accepts.
const MinSamples = 2

var ErrTooFewSamples = errors.New("refdist: too few samples")

// ReadCohort reads every finite score from a reference file.
func ReadCohort(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'

	um, err := gocsv.NewUnmarshaller(cr, CohortScore{})
	if err != nil {
		return nil, pfx.Err(err)
	}

	var out []float64
	for {
		row, err := um.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, pfx.Err(err)
		}

		s := row.(CohortScore)
		if math.IsNaN(s.Score) || math.IsInf(s.Score, 0) {
			continue
		}
		out = append(out, s.Score)
	}

	return out, nil
}

// Build summarizes cohort scores as a distribution for scoreID: the mean,
// the sample standard deviation and a percentile table.
func Build(scoreID, population string, scores []float64) (catalog.PopulationDistribution, error) {
	d := catalog.PopulationDistribution{ScoreID: scoreID, Population: population}

	if len(scores) < MinSamples {
		return d, fmt.Errorf("%w: %s has %d", ErrTooFewSamples, scoreID, len(scores))
	}

	d.Mean, d.Std = stat.MeanStdDev(scores, nil)
	if !(d.Std > 0) {
		return d, fmt.Errorf("refdist: %s has no spread across %d samples", scoreID, len(scores))
	}

	data := stats.Float64Data(scores)

	lo, err := data.Min()
	if err != nil {
		return d, err
	}
	hi, err := data.Max()
	if err != nil {
		return d, err
	}

	table := catalog.PercentileTable{{Percentile: 0, Score: lo}}
	for _, p := range Breakpoints {
		v, err := data.PercentileNearestRank(p)
		if err != nil {
			return d, err
		}
		table = append(table, catalog.Breakpoint{Percentile: p, Score: v})
	}
	table = append(table, catalog.Breakpoint{Percentile: 100, Score: hi})
	table.Sort()

	d.Percentiles = table

	return d, nil
}
