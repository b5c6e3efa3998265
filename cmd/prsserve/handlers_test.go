package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/prs"
	"github.com/carbocation/polyrisk/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *catalog.Store {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "catalog.db")
	w, err := catalog.Create(path)
	require.NoError(t, err)

	require.NoError(t, w.BeginUnit(ctx, "scores", "scores"))
	b, err := w.Batch(ctx, "scores")
	require.NoError(t, err)
	require.NoError(t, b.InsertScore(catalog.ScoreDefinition{ScoreID: "PGS000001", Trait: "Coronary artery disease", Category: catalog.CategoryCardiovascular}))
	require.NoError(t, b.InsertScore(catalog.ScoreDefinition{ScoreID: "PGS000002", Trait: "Type 2 diabetes", Category: catalog.CategoryMetabolic}))
	require.NoError(t, b.Commit())
	require.NoError(t, w.CompleteUnit(ctx, "scores"))

	require.NoError(t, w.BeginUnit(ctx, "weights", "weights"))
	b, err = w.Batch(ctx, "weights")
	require.NoError(t, err)
	require.NoError(t, b.InsertVariant(catalog.VariantWeight{ScoreID: "PGS000001", RSID: "rs1", EffectAllele: "A", OtherAllele: "G", Weight: 0.4}))
	require.NoError(t, b.InsertVariant(catalog.VariantWeight{ScoreID: "PGS000001", RSID: "rs2", EffectAllele: "C", OtherAllele: "G", Weight: 0.6}))
	require.NoError(t, b.InsertVariant(catalog.VariantWeight{ScoreID: "PGS000002", RSID: "rs3", EffectAllele: "T", OtherAllele: "C", Weight: 0.2}))
	require.NoError(t, b.Commit())
	require.NoError(t, w.CompleteUnit(ctx, "weights"))

	_, err = w.Finalize(ctx, 0, map[string]string{catalog.MetaVersion: "test"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	s, err := catalog.Open(path)
	require.NoError(t, err)

	return s
}

func testServer(t *testing.T) (*httptest.Server, *Global) {
	t.Helper()

	registry := prometheus.NewRegistry()
	global := &Global{
		log:      zap.NewNop(),
		registry: registry,
		store:    testStore(t),
		sched: scheduler.New(scheduler.Config{
			Workers: 2,
			Metrics: scheduler.NewMetrics(registry),
		}),
	}

	srv := httptest.NewServer(router(global))
	t.Cleanup(func() {
		srv.Close()
		global.Close()
	})

	return srv, global
}

func getJSON(t *testing.T, url string, want int, out interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, want, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestScoresSearch(t *testing.T) {
	srv, _ := testServer(t)

	var defs []catalog.ScoreDefinition
	getJSON(t, srv.URL+"/scores", http.StatusOK, &defs)
	require.Len(t, defs, 2)

	defs = nil
	getJSON(t, srv.URL+"/scores?trait=diabetes", http.StatusOK, &defs)
	require.Len(t, defs, 1)
	require.Equal(t, "PGS000002", defs[0].ScoreID)

	defs = nil
	getJSON(t, srv.URL+"/scores?category=Cardiovascular", http.StatusOK, &defs)
	require.Len(t, defs, 1)
	require.Equal(t, "PGS000001", defs[0].ScoreID)

	var def catalog.ScoreDefinition
	getJSON(t, srv.URL+"/scores/PGS000001", http.StatusOK, &def)
	require.Equal(t, 2, def.VariantCount)

	getJSON(t, srv.URL+"/scores/PGS999999", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/scores?limit=x", http.StatusBadRequest, nil)
}

func TestPrecomputeAndResults(t *testing.T) {
	srv, global := testServer(t)

	getJSON(t, srv.URL+"/progress", http.StatusNotFound, nil)

	raw := "# rsid\tchromosome\tposition\tgenotype\nrs1\t1\t100\tAG\nrs2\t1\t200\tCC\n"
	resp, err := http.Post(srv.URL+"/precompute", "text/plain", strings.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ss, err := global.Session()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := ss.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.Completed, state)

	var st sessionStatus
	getJSON(t, srv.URL+"/progress", http.StatusOK, &st)
	require.Equal(t, 2, st.Completed)
	require.Equal(t, 2, st.Total)

	var res prs.ScoreResult
	getJSON(t, srv.URL+"/results/PGS000001", http.StatusOK, &res)
	require.Equal(t, prs.StatusCompleted, res.Status)
	require.Equal(t, 2, res.Matched)
	require.InDelta(t, 1.6, res.RawScore, 1e-9)

	var all []prs.ScoreResult
	getJSON(t, srv.URL+"/results", http.StatusOK, &all)
	require.Len(t, all, 2)

	resp, err = http.Get(srv.URL + "/results?format=tsv&category=Metabolic")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, err = sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "score_id\t"))
	require.True(t, strings.HasPrefix(lines[1], "PGS000002\t"))

	getJSON(t, srv.URL+"/results/PGS999999", http.StatusNotFound, nil)
}

func TestPrecomputeRejectsEmptyUpload(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/precompute", "text/plain", strings.NewReader("# nothing here\n"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCatalogWithoutManager(t *testing.T) {
	srv, _ := testServer(t)

	var info map[string]interface{}
	getJSON(t, srv.URL+"/catalog", http.StatusOK, &info)
	require.Equal(t, "test", info["version"])
	require.EqualValues(t, 2, info["scores"])

	resp, err := http.Post(srv.URL+"/catalog/update", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResultsSurviveCatalogSwap(t *testing.T) {
	ctx := context.Background()
	raw := "# rsid\tchromosome\tposition\tgenotype\nrs1\t1\t100\tAG\nrs2\t1\t200\tCC\n"

	for _, cancelRun := range []bool{false, true} {
		srv, global := testServer(t)

		resp, err := http.Post(srv.URL+"/precompute", "text/plain", strings.NewReader(raw))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		if cancelRun {
			req, err := http.NewRequest(http.MethodDelete, srv.URL+"/precompute", nil)
			require.NoError(t, err)
			resp, err = http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
		}

		ss, err := global.Session()
		require.NoError(t, err)
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		state, err := ss.Wait(waitCtx)
		cancel()
		require.NoError(t, err)
		require.True(t, state.Terminal())

		old := global.Store()
		global.SwapStore(testStore(t))

		// The finished session still reads from the catalog it started on
		_, err = old.Score(ctx, "PGS000001")
		require.NoError(t, err)
		getJSON(t, srv.URL+"/results/PGS999999", http.StatusNotFound, nil)

		var res prs.ScoreResult
		getJSON(t, srv.URL+"/results/PGS000002", http.StatusOK, &res)
		require.Equal(t, "PGS000002", res.ScoreID)

		// A new session on the new catalog releases the old one
		resp, err = http.Post(srv.URL+"/precompute", "text/plain", strings.NewReader(raw))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		require.Eventually(t, func() bool {
			_, err := old.Score(ctx, "PGS000001")
			return err != nil
		}, 5*time.Second, 10*time.Millisecond)
	}
}
