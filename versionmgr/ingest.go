package versionmgr

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk"
	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/fetch"
	"github.com/carbocation/polyrisk/prsparser"
	"github.com/carbocation/polyrisk/refdist"
	"github.com/gocarina/gocsv"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

// DefaultPopulation labels distributions whose source names none.
const DefaultPopulation = "ALL"

// Rows are committed in batches of this size, advancing the unit's record
// offset.
const batchRows = 5000

var errTooManyVariants = errors.New("score has too many variants")

// ScoreRow is one row of a scores unit: tab-delimited score definition
// metadata.
type ScoreRow struct {
	ScoreID          string `csv:"score_id"`
	Trait            string `csv:"trait"`
	Category         string `csv:"category"`
	VariantsNumber   string `csv:"variants_number"`
	Ancestry         string `csv:"ancestry"`
	PublicationDOI   string `csv:"publication_doi"`
	PublicationDate  string `csv:"publication_date"`
	PublicationTitle string `csv:"publication_title"`
	SampleSize       string `csv:"sample_size"`
	GenomeBuild      string `csv:"genome_build"`
}

// DistributionRow is one row of a distributions unit. Percentiles is a JSON
// object mapping percentile to raw score, e.g. {"5": -0.21, "50": 0.02}.
type DistributionRow struct {
	ScoreID     string  `csv:"score_id"`
	Population  string  `csv:"population"`
	Mean        float64 `csv:"mean"`
	Std         float64 `csv:"std"`
	Percentiles string  `csv:"percentiles"`
}

var kindOrder = map[string]int{
	fetch.KindScores:        0,
	fetch.KindWeights:       1,
	fetch.KindDistributions: 2,
	fetch.KindReference:     3,
}

// ingest loads every fetched unit into the staged image. Units already
// ingested by an earlier run are kept unless their bytes were fetched again;
// anything else has its rows purged and is ingested from the start.
func (m *Manager) ingest(ctx context.Context, st *Staged) error {
	w, err := catalog.Create(st.CatalogPath())
	if err != nil {
		return err
	}
	defer w.Close()

	states, err := w.Units(ctx)
	if err != nil {
		return err
	}

	units := append([]fetch.Unit(nil), st.Manifest.Units...)
	sort.SliceStable(units, func(i, j int) bool {
		return kindOrder[units[i].Kind] < kindOrder[units[j].Kind]
	})

	started := time.Now()
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}

		log := m.log.With(zap.String("version", st.Version), zap.String("unit", u.ID), zap.String("kind", u.Kind))

		state, seen := states[u.ID]
		if seen && state.Status == catalog.UnitComplete && !st.fetched[u.ID] {
			continue
		}
		if seen && state.Status != catalog.UnitComplete {
			log.Info("Purging partially ingested unit", zap.Int("records", state.RecordOffset))
		}

		if err := w.BeginUnit(ctx, u.ID, u.Kind); err != nil {
			return err
		}

		records, err := m.ingestUnit(ctx, w, st, u)
		if err != nil {
			return fmt.Errorf("ingesting unit %s: %w", u.ID, err)
		}

		if err := w.CompleteUnit(ctx, u.ID); err != nil {
			return err
		}
		log.Debug("Ingested unit", zap.Int("records", records))
	}

	meta := map[string]string{
		catalog.MetaVersion:  st.Version,
		catalog.MetaChecksum: st.Manifest.Checksum(),
	}
	if !st.Manifest.Released.IsZero() {
		meta[catalog.MetaReleased] = st.Manifest.Released.UTC().Format(time.RFC3339)
	}

	st.Summary, err = w.Finalize(ctx, m.cfg.MaxVariantsPerScore, meta)
	if err != nil {
		return err
	}

	m.log.Info("Staged catalog", zap.String("version", st.Version),
		zap.Int("scores", st.Summary.Scores), zap.Int("variants", st.Summary.Variants),
		zap.Int("dropped_empty", st.Summary.DroppedEmpty), zap.Int("dropped_large", st.Summary.DroppedLarge),
		zap.Int("dropped_orphan", st.Summary.DroppedOrphan), zap.Duration("elapsed", time.Since(started)))

	return nil
}

func (m *Manager) ingestUnit(ctx context.Context, w *catalog.Writer, st *Staged, u fetch.Unit) (int, error) {
	rc, err := polyrisk.OpenMaybeCompressed(st.UnitPath(u.ID))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	switch u.Kind {
	case fetch.KindScores:
		return m.ingestScores(ctx, w, u, rc)
	case fetch.KindWeights:
		return m.ingestWeights(ctx, w, st, u, rc)
	case fetch.KindDistributions:
		return m.ingestDistributions(ctx, w, u, rc)
	case fetch.KindReference:
		return m.ingestReference(ctx, w, u, rc)
	}

	return 0, fmt.Errorf("unknown unit kind %q", u.Kind)
}

func tsvReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

func (m *Manager) ingestScores(ctx context.Context, w *catalog.Writer, u fetch.Unit, r io.Reader) (int, error) {
	var rows []ScoreRow
	if err := gocsv.UnmarshalCSV(tsvReader(r), &rows); err != nil {
		return 0, pfx.Err(err)
	}

	b, err := w.Batch(ctx, u.ID)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		def, ok := row.definition()
		if !ok {
			continue
		}
		if def.VariantCount > m.cfg.MaxVariantsPerScore {
			m.log.Debug("Skipping score with too many variants", zap.String("score_id", def.ScoreID), zap.Int("variants", def.VariantCount))
			continue
		}
		if err := b.InsertScore(def); err != nil {
			b.Rollback()
			return 0, err
		}
	}

	n := b.Records()
	return n, b.Commit()
}

// definition converts a metadata row. Rows without an id are unusable.
func (row ScoreRow) definition() (catalog.ScoreDefinition, bool) {
	def := catalog.ScoreDefinition{
		ScoreID:          strings.TrimSpace(row.ScoreID),
		Trait:            strings.TrimSpace(row.Trait),
		Category:         catalog.ParseCategory(row.Category),
		Ancestry:         strings.TrimSpace(row.Ancestry),
		PublicationDOI:   strings.TrimSpace(row.PublicationDOI),
		PublicationTitle: strings.TrimSpace(row.PublicationTitle),
		GenomeBuild:      strings.TrimSpace(row.GenomeBuild),
	}
	if def.ScoreID == "" {
		return def, false
	}
	if def.Trait == "" {
		def.Trait = def.ScoreID
	}

	if n, err := strconv.Atoi(strings.TrimSpace(row.VariantsNumber)); err == nil {
		def.VariantCount = n
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(row.SampleSize), 10, 64); err == nil && n > 0 {
		def.SampleSize = null.IntFrom(n)
	}
	def.PublicationYear = publicationYear(row.PublicationDate)

	return def, true
}

func publicationYear(s string) null.Int {
	s = strings.TrimSpace(s)
	if s == "" {
		return null.Int{}
	}
	if len(s) == 4 {
		if y, err := strconv.ParseInt(s, 10, 64); err == nil {
			return null.IntFrom(y)
		}
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return null.Int{}
	}
	return null.IntFrom(int64(t.Year()))
}

func (m *Manager) ingestWeights(ctx context.Context, w *catalog.Writer, st *Staged, u fetch.Unit, r io.Reader) (int, error) {
	layout := u.Layout
	if layout == "" {
		layout = "PGSCATALOG"
	}
	parser, err := prsparser.New(layout)
	if err != nil {
		return 0, err
	}

	b, err := w.Batch(ctx, u.ID)
	if err != nil {
		return 0, err
	}

	skipped, err := parser.ReadAll(r, func(v prsparser.Variant) error {
		if err := b.InsertVariant(catalog.VariantWeight{
			ScoreID:      u.ScoreID,
			RSID:         v.SNP,
			Chromosome:   v.Chromosome,
			Position:     v.Position,
			EffectAllele: string(v.EffectAllele),
			OtherAllele:  string(v.OtherAllele),
			Weight:       v.Weight,
			EAF:          v.EAF,
		}); err != nil {
			return err
		}

		if b.Records() > m.cfg.MaxVariantsPerScore {
			return errTooManyVariants
		}

		if b.Records()%batchRows == 0 {
			if err := b.Commit(); err != nil {
				b = nil
				return err
			}
			b, err = w.Batch(ctx, u.ID)
			return err
		}
		return nil
	})
	st.SkippedRows += skipped

	if errors.Is(err, errTooManyVariants) {
		b.Rollback()
		m.log.Info("Skipping score with too many variants", zap.String("score_id", u.ScoreID), zap.Int("max", m.cfg.MaxVariantsPerScore))
		return 0, w.PurgeUnit(ctx, u.ID)
	} else if err != nil {
		if b != nil {
			b.Rollback()
		}
		return 0, err
	}

	n := b.Records()
	return n, b.Commit()
}

func (m *Manager) ingestDistributions(ctx context.Context, w *catalog.Writer, u fetch.Unit, r io.Reader) (int, error) {
	var rows []DistributionRow
	if err := gocsv.UnmarshalCSV(tsvReader(r), &rows); err != nil {
		return 0, pfx.Err(err)
	}

	b, err := w.Batch(ctx, u.ID)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		d, err := row.distribution()
		if err != nil {
			m.log.Warn("Skipping distribution", zap.String("score_id", row.ScoreID), zap.String("population", row.Population), zap.Error(err))
			continue
		}
		if err := b.InsertDistribution(d); err != nil {
			b.Rollback()
			return 0, err
		}
	}

	n := b.Records()
	return n, b.Commit()
}

// distribution converts a row. A distribution must carry a usable standard
// deviation or a percentile table.
func (row DistributionRow) distribution() (catalog.PopulationDistribution, error) {
	d := catalog.PopulationDistribution{
		ScoreID:    strings.TrimSpace(row.ScoreID),
		Population: strings.TrimSpace(row.Population),
		Mean:       row.Mean,
		Std:        row.Std,
	}
	if d.ScoreID == "" {
		return d, fmt.Errorf("no score id")
	}
	if d.Population == "" {
		d.Population = DefaultPopulation
	}

	if p := strings.TrimSpace(row.Percentiles); p != "" {
		table, err := parsePercentiles(p)
		if err != nil {
			return d, err
		}
		d.Percentiles = table
	}

	if math.IsNaN(d.Mean) || math.IsInf(d.Mean, 0) {
		return d, fmt.Errorf("mean is not finite")
	}
	if len(d.Percentiles) == 0 && (!(d.Std > 0) || math.IsInf(d.Std, 0)) {
		return d, fmt.Errorf("std %v is not positive and there is no percentile table", d.Std)
	}

	return d, nil
}

func parsePercentiles(s string) (catalog.PercentileTable, error) {
	raw := map[string]float64{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("percentiles: %w", err)
	}

	table := make(catalog.PercentileTable, 0, len(raw))
	for k, score := range raw {
		pct, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("percentiles: bad percentile %q", k)
		}
		table = append(table, catalog.Breakpoint{Percentile: pct, Score: score})
	}
	table.Sort()

	return table, nil
}

func (m *Manager) ingestReference(ctx context.Context, w *catalog.Writer, u fetch.Unit, r io.Reader) (int, error) {
	scores, err := refdist.ReadCohort(r)
	if err != nil {
		return 0, err
	}

	population := u.Population
	if population == "" {
		population = DefaultPopulation
	}

	d, err := refdist.Build(u.ScoreID, population, scores)
	if err != nil {
		m.log.Warn("Reference cohort is unusable", zap.String("score_id", u.ScoreID), zap.Int("samples", len(scores)), zap.Error(err))
		return 0, nil
	}

	b, err := w.Batch(ctx, u.ID)
	if err != nil {
		return 0, err
	}
	if err := b.InsertDistribution(d); err != nil {
		b.Rollback()
		return 0, err
	}

	return b.Records(), b.Commit()
}
