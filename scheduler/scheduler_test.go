package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/genotype"
	"github.com/carbocation/polyrisk/prs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

type fakeCatalog struct {
	defs    []catalog.ScoreDefinition
	weights map[string][]catalog.VariantWeight
	listErr error
	errs    map[string]error
	panics  map[string]bool

	// gate, when set, blocks Variants for scores in gated until closed.
	gate  chan struct{}
	gated map[string]bool
}

func (f *fakeCatalog) ListScores(ctx context.Context) ([]catalog.ScoreDefinition, error) {
	return f.defs, f.listErr
}

func (f *fakeCatalog) Score(ctx context.Context, scoreID string) (catalog.ScoreDefinition, error) {
	for _, d := range f.defs {
		if d.ScoreID == scoreID {
			return d, nil
		}
	}
	return catalog.ScoreDefinition{}, catalog.ErrNotFound
}

func (f *fakeCatalog) Variants(ctx context.Context, scoreID string) ([]catalog.VariantWeight, error) {
	if f.gated[scoreID] {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panics[scoreID] {
		panic("corrupt page")
	}
	if err := f.errs[scoreID]; err != nil {
		return nil, err
	}
	return f.weights[scoreID], nil
}

func (f *fakeCatalog) Distribution(ctx context.Context, scoreID string) (*catalog.PopulationDistribution, error) {
	return nil, nil
}

func newFakeCatalog(n int) *fakeCatalog {
	f := &fakeCatalog{
		weights: map[string][]catalog.VariantWeight{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
		gated:   map[string]bool{},
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("PGS%06d", i+1)
		f.defs = append(f.defs, catalog.ScoreDefinition{ScoreID: id, Trait: "Trait " + id, VariantCount: 2})
		f.weights[id] = []catalog.VariantWeight{
			{ScoreID: id, RSID: "rs1", EffectAllele: "A", OtherAllele: "G", Weight: 0.4, EAF: null.FloatFrom(0.3)},
			{ScoreID: id, RSID: "rs2", EffectAllele: "C", OtherAllele: "G", Weight: 0.6, EAF: null.FloatFrom(0.5)},
		}
	}
	return f
}

func testGenotypes() *genotype.Index {
	return genotype.New(map[string]string{"rs1": "AG", "rs2": "TT"})
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(50)

	var observed int64
	s := New(Config{
		Workers:   4,
		Observers: []Observer{ObserverFunc(func(Progress) { atomic.AddInt64(&observed, 1) })},
	})

	ss, err := s.Start(ctx, testGenotypes(), cat)
	require.NoError(t, err)
	require.ErrorIs(t, ss.Start(ctx), ErrAlreadyStarted)

	var events []Progress
	for p := range ss.Progress() {
		events = append(events, p)
	}

	state, err := ss.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, state)

	require.Len(t, events, 50)
	require.EqualValues(t, 50, atomic.LoadInt64(&observed))

	seen := map[string]bool{}
	for _, p := range events {
		require.Equal(t, 50, p.Total)
		require.False(t, seen[p.ScoreID], "score %s reported twice", p.ScoreID)
		seen[p.ScoreID] = true
	}
	require.Equal(t, 50, events[len(events)-1].Completed)

	results := ss.Results()
	require.Len(t, results, 50)
	for _, r := range results {
		require.Equal(t, prs.StatusCompleted, r.Status)
		require.Equal(t, 0.4, r.RawScore)
		require.Equal(t, 0.5, r.Coverage)
	}

	st := ss.Status()
	require.Equal(t, 50, st.Completed)
	require.Zero(t, st.Failed)
	require.NotEmpty(t, st.RunID)
}

func TestUnitFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(10)
	cat.errs["PGS000002"] = errors.New("read failure")
	cat.panics["PGS000003"] = true
	cat.weights["PGS000004"][0].Weight = math.NaN()
	cat.weights["PGS000005"][1].EAF = null.FloatFrom(1.5)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	ss, err := New(Config{Workers: 3, Metrics: metrics}).Start(ctx, testGenotypes(), cat)
	require.NoError(t, err)

	state, err := ss.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, state)

	for _, id := range []string{"PGS000002", "PGS000003", "PGS000004", "PGS000005"} {
		r, ok := ss.Result(id)
		require.True(t, ok, id)
		require.Equal(t, prs.StatusFailed, r.Status, id)
		require.NotEmpty(t, r.Error, id)
		require.Equal(t, prs.TierUnknown, r.Tier, id)
	}

	r, ok := ss.Result("PGS000001")
	require.True(t, ok)
	require.Equal(t, prs.StatusCompleted, r.Status)

	require.Equal(t, 4, ss.Status().Failed)
	require.Len(t, ss.Results(), 10)

	require.Equal(t, 4.0, testutil.ToFloat64(metrics.Units.WithLabelValues(string(prs.StatusFailed))))
	require.Equal(t, 6.0, testutil.ToFloat64(metrics.Units.WithLabelValues(string(prs.StatusCompleted))))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(Completed.String())))
}

func TestRunFailsWhenCatalogUnreadable(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(3)
	cat.listErr = errors.New("database disk image is malformed")

	ss, err := New(Config{}).Start(ctx, testGenotypes(), cat)
	require.NoError(t, err)

	state, err := ss.Wait(ctx)
	require.Equal(t, Failed, state)
	require.Error(t, err)
	require.Empty(t, ss.Results())
}

func TestCancelKeepsEarlierResults(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(5)
	cat.gate = make(chan struct{})
	for _, d := range cat.defs[1:] {
		cat.gated[d.ScoreID] = true
	}

	ss, err := New(Config{Workers: 1}).Start(ctx, testGenotypes(), cat)
	require.NoError(t, err)

	first := <-ss.Progress()
	require.Equal(t, "PGS000001", first.ScoreID)

	ss.Cancel()
	close(cat.gate)

	state, err := ss.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Cancelled, state)

	results := ss.Results()
	require.Len(t, results, 1)
	require.Equal(t, "PGS000001", results[0].ScoreID)
	require.Equal(t, 1, ss.Status().Completed)

	// Nothing else was published after cancellation
	for range ss.Progress() {
		t.Fatal("unexpected progress after cancellation")
	}
}

func TestGetResultComputesSynchronously(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(3)

	ss := New(Config{}).NewSession(testGenotypes(), cat)
	require.Equal(t, Idle, ss.Status().State)

	r, err := ss.GetResult(ctx, "PGS000002")
	require.NoError(t, err)
	require.Equal(t, 0.4, r.RawScore)

	_, err = ss.GetResult(ctx, "PGS999999")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, ss.Start(ctx))
	_, err = ss.Wait(ctx)
	require.NoError(t, err)

	// The precomputed pass does not overwrite the on-demand result
	again, ok := ss.Result("PGS000002")
	require.True(t, ok)
	require.Equal(t, r.ComputeTime, again.ComputeTime)
	require.Len(t, ss.Results(), 3)
}

func TestExplicitZeroOptionsAreKept(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(1)

	r, err := New(Config{}).NewSession(testGenotypes(), cat).GetResult(ctx, "PGS000001")
	require.NoError(t, err)
	require.True(t, r.HasWarning(prs.WarningLowCoverage))
	require.NotEmpty(t, r.TopContributors)

	r, err = New(Config{Options: &prs.Options{}}).NewSession(testGenotypes(), cat).GetResult(ctx, "PGS000001")
	require.NoError(t, err)
	require.Equal(t, 0.5, r.Coverage)
	require.False(t, r.HasWarning(prs.WarningLowCoverage))
	require.Empty(t, r.TopContributors)
}

func TestWaitHonorsContext(t *testing.T) {
	cat := newFakeCatalog(2)
	cat.gate = make(chan struct{})
	cat.gated["PGS000001"] = true
	defer close(cat.gate)

	ss, err := New(Config{Workers: 1}).Start(context.Background(), testGenotypes(), cat)
	require.NoError(t, err)
	defer ss.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := ss.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Running, state)
}

func TestRunAgainstStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	w, err := catalog.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.BeginUnit(ctx, "u1", "weights"))
	b, err := w.Batch(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, b.InsertScore(catalog.ScoreDefinition{ScoreID: "PGS000001", Trait: "Example", Category: catalog.CategoryOther}))
	require.NoError(t, b.InsertVariant(catalog.VariantWeight{ScoreID: "PGS000001", RSID: "rs1", EffectAllele: "A", OtherAllele: "G", Weight: 0.4, EAF: null.FloatFrom(0.3)}))
	require.NoError(t, b.InsertVariant(catalog.VariantWeight{ScoreID: "PGS000001", RSID: "rs2", EffectAllele: "C", OtherAllele: "G", Weight: 0.6, EAF: null.FloatFrom(0.5)}))
	require.NoError(t, b.Commit())
	require.NoError(t, w.CompleteUnit(ctx, "u1"))
	_, err = w.Finalize(ctx, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	store, err := catalog.Open(path)
	require.NoError(t, err)
	defer store.Close()

	ss, err := New(Config{Workers: 2}).Start(ctx, testGenotypes(), store)
	require.NoError(t, err)
	state, err := ss.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, state)

	r, ok := ss.Result("PGS000001")
	require.True(t, ok)
	require.Equal(t, 0.4, r.RawScore)
	require.Equal(t, 2, r.Total)
	require.Equal(t, 0.5, r.Coverage)
	require.InDelta(t, 0.84, r.Mean, 1e-12)
	require.InDelta(t, 0.3965, r.Std, 1e-4)
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Idle, Running, Completed, Cancelled, Failed} {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, s, got)
	}

	var s State
	require.Error(t, s.UnmarshalText([]byte("paused")))
}
