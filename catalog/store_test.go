package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

func buildTestCatalog(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "catalog.db")
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.BeginUnit(ctx, "scores", "scores"))
	b, err := w.Batch(ctx, "scores")
	require.NoError(t, err)
	require.NoError(t, b.InsertScore(ScoreDefinition{ScoreID: "PGS000001", Trait: "Coronary artery disease", Category: CategoryCardiovascular, VariantCount: 99, PublicationYear: null.IntFrom(2018)}))
	require.NoError(t, b.InsertScore(ScoreDefinition{ScoreID: "PGS000002", Trait: "Type 2 diabetes", Category: CategoryMetabolic}))
	require.NoError(t, b.InsertScore(ScoreDefinition{ScoreID: "PGS000003", Trait: "Height", Category: CategoryPhysical}))
	require.NoError(t, b.InsertScore(ScoreDefinition{ScoreID: "PGS000004", Trait: "Empty score", Category: CategoryOther}))
	require.NoError(t, b.Commit())
	require.NoError(t, w.CompleteUnit(ctx, "scores"))

	require.NoError(t, w.BeginUnit(ctx, "weights", "weights"))
	b, err = w.Batch(ctx, "weights")
	require.NoError(t, err)
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000001", RSID: "rs1", EffectAllele: "A", OtherAllele: "G", Weight: 0.4, EAF: null.FloatFrom(0.3)}))
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000001", RSID: "rs2", EffectAllele: "C", OtherAllele: "G", Weight: 0.6}))
	// Duplicate rsid within a score keeps the first row
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000001", RSID: "rs2", EffectAllele: "T", OtherAllele: "G", Weight: 9}))
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000002", RSID: "rs1", EffectAllele: "A", OtherAllele: "G", Weight: 0.1}))
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000002", RSID: "rs3", EffectAllele: "A", OtherAllele: "G", Weight: 0.1}))
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000002", RSID: "rs4", EffectAllele: "A", OtherAllele: "G", Weight: 0.1}))
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS000003", RSID: "rs5", EffectAllele: "A", OtherAllele: "G", Weight: 0.1}))
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS999999", RSID: "rs5", EffectAllele: "A", OtherAllele: "G", Weight: 0.1}))
	require.NoError(t, b.Commit())
	require.NoError(t, w.CompleteUnit(ctx, "weights"))

	require.NoError(t, w.BeginUnit(ctx, "dists", "distributions"))
	b, err = w.Batch(ctx, "dists")
	require.NoError(t, err)
	require.NoError(t, b.InsertDistribution(PopulationDistribution{ScoreID: "PGS000001", Population: "EUR", Mean: 0.5, Std: 0.2,
		Percentiles: PercentileTable{{Percentile: 90, Score: 0.8}, {Percentile: 10, Score: 0.2}}}))
	require.NoError(t, b.Commit())
	require.NoError(t, w.CompleteUnit(ctx, "dists"))

	sum, err := w.Finalize(ctx, 2, map[string]string{MetaVersion: "2024-01"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.DroppedOrphan)
	require.Equal(t, 1, sum.DroppedLarge)
	require.Equal(t, 1, sum.DroppedEmpty)
	require.Equal(t, 2, sum.Scores)
	require.Equal(t, 3, sum.Variants)

	return path
}

func TestStoreReads(t *testing.T) {
	ctx := context.Background()
	s, err := Open(buildTestCatalog(t))
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, "2024-01", s.Version())

	defs, err := s.ListScores(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, "PGS000001", defs[0].ScoreID)
	require.Equal(t, 2, defs[0].VariantCount)
	require.Equal(t, int64(2018), defs[0].PublicationYear.Int64)
	require.False(t, defs[1].PublicationYear.Valid)

	vs, err := s.Variants(ctx, "PGS000001")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	require.Equal(t, "rs1", vs[0].RSID)
	require.True(t, vs[0].EAF.Valid)
	require.False(t, vs[1].EAF.Valid)
	require.Equal(t, 0.6, vs[1].Weight)

	d, err := s.Distribution(ctx, "PGS000001")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Len(t, d.Percentiles, 2)
	require.Equal(t, 0.2, d.Percentiles[0].Score)

	d, err = s.Distribution(ctx, "PGS000003")
	require.NoError(t, err)
	require.Nil(t, d)

	_, err = s.Score(ctx, "PGS000002")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Verify(ctx))
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	s, err := Open(buildTestCatalog(t))
	require.NoError(t, err)
	defer s.Close()

	found, err := s.Search(ctx, Query{Trait: "coronary"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = s.Search(ctx, Query{Category: CategoryPhysical})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Height", found[0].Trait)

	found, err = s.Search(ctx, Query{Trait: "100%"})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestPurgeUnit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.BeginUnit(ctx, "u1", "weights"))
	b, err := w.Batch(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, b.InsertVariant(VariantWeight{ScoreID: "PGS1", RSID: "rs1", EffectAllele: "A", Weight: 1}))
	require.NoError(t, b.Commit())

	units, err := w.Units(ctx)
	require.NoError(t, err)
	require.Equal(t, UnitPending, units["u1"].Status)
	require.Equal(t, 1, units["u1"].RecordOffset)

	// Beginning again discards the partial rows
	require.NoError(t, w.BeginUnit(ctx, "u1", "weights"))
	units, err = w.Units(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, units["u1"].RecordOffset)

	var n int
	require.NoError(t, w.db.Get(&n, `SELECT COUNT(*) FROM variant_weights`))
	require.Zero(t, n)
}

func TestParseCategory(t *testing.T) {
	for _, v := range []struct {
		Input    string
		Expected Category
	}{
		{"metabolic", CategoryMetabolic},
		{" Physical Trait ", CategoryPhysical},
		{"physical", CategoryPhysical},
		{"Infectious", CategoryInfectious},
		{"", CategoryOther},
		{"Hobbies", CategoryOther},
	} {
		if got := ParseCategory(v.Input); got != v.Expected {
			t.Errorf("%q: got %q, expected %q", v.Input, got, v.Expected)
		}
	}
}
