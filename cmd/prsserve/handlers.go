package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/genotype"
	"github.com/carbocation/polyrisk/prs"
	"github.com/carbocation/polyrisk/scheduler"
	"github.com/carbocation/polyrisk/versionmgr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Uploaded genotype files larger than this are refused.
const maxUpload = 64 << 20

var errNoManager = errors.New("the server was started on a fixed catalog file")

type handler struct {
	*Global
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func (h *handler) Scores(w http.ResponseWriter, r *http.Request) {
	q := catalog.Query{
		Trait: r.FormValue("trait"),
	}
	if c := r.FormValue("category"); c != "" {
		q.Category = catalog.ParseCategory(c)
	}
	if l := r.FormValue("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			h.HTTPError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", l))
			return
		}
		q.Limit = limit
	}

	defs, err := h.Store().Search(r.Context(), q)
	if err != nil {
		h.HTTPError(w, r, http.StatusInternalServerError, err)
		return
	}

	h.JSON(w, r, defs)
}

func (h *handler) Score(w http.ResponseWriter, r *http.Request) {
	scoreID := mux.Vars(r)["score_id"]
	store := h.Store()

	def, err := store.Score(r.Context(), scoreID)
	if err != nil {
		h.HTTPError(w, r, statusFor(err), err)
		return
	}

	dists, err := store.Distributions(r.Context(), scoreID)
	if err != nil {
		h.HTTPError(w, r, http.StatusInternalServerError, err)
		return
	}

	h.JSON(w, r, struct {
		catalog.ScoreDefinition
		Distributions []catalog.PopulationDistribution `json:"distributions"`
	}{def, dists})
}

// Precompute starts scoring the posted raw genotype file against the active
// catalog, replacing any earlier session. The file may be sent as the
// "genotypes" field of a multipart form or as the request body.
func (h *handler) Precompute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		f, _, err := r.FormFile("genotypes")
		if err != nil {
			h.HTTPError(w, r, http.StatusBadRequest, err)
			return
		}
		defer f.Close()
		body = f
	}

	calls, err := genotype.ParseRaw(body)
	if err != nil {
		h.HTTPError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(calls) == 0 {
		h.HTTPError(w, r, http.StatusBadRequest, errors.New("no genotype calls were found in the upload"))
		return
	}
	ix := genotype.New(calls)

	// The run outlives the request
	ss, err := h.StartSession(ix)
	if err != nil {
		h.HTTPError(w, r, http.StatusInternalServerError, err)
		return
	}

	sum := ix.Summary()
	h.log.Info("Started precomputation", zap.String("run_id", ss.RunID()),
		zap.Int("entries", sum.Entries), zap.Int("called", sum.Called))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	h.JSON(w, r, statusOf(ss.Status()))
}

func (h *handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ss, err := h.Session()
	if err != nil {
		h.HTTPError(w, r, http.StatusNotFound, err)
		return
	}

	ss.Cancel()
	ss.Wait(r.Context())

	h.JSON(w, r, statusOf(ss.Status()))
}

type sessionStatus struct {
	scheduler.Status
	Error string `json:"error,omitempty"`
}

func statusOf(st scheduler.Status) sessionStatus {
	out := sessionStatus{Status: st}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

func (h *handler) Progress(w http.ResponseWriter, r *http.Request) {
	ss, err := h.Session()
	if err != nil {
		h.HTTPError(w, r, http.StatusNotFound, err)
		return
	}

	h.JSON(w, r, statusOf(ss.Status()))
}

// Results lists every stored result. With format=tsv the output is the same
// table prscompute writes.
func (h *handler) Results(w http.ResponseWriter, r *http.Request) {
	ss, err := h.Session()
	if err != nil {
		h.HTTPError(w, r, http.StatusNotFound, err)
		return
	}

	results := ss.Results()
	if c := r.FormValue("category"); c != "" {
		want := catalog.ParseCategory(c)
		filtered := results[:0]
		for _, res := range results {
			if res.Category == want {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}

	if r.FormValue("format") == "tsv" {
		w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
		if err := prs.WriteTSV(w, results); err != nil {
			h.log.Error("Could not write results", zap.Error(err))
		}
		return
	}

	h.JSON(w, r, results)
}

// Result returns one score, computing it on demand if the session has not
// reached it yet.
func (h *handler) Result(w http.ResponseWriter, r *http.Request) {
	ss, err := h.Session()
	if err != nil {
		h.HTTPError(w, r, http.StatusNotFound, err)
		return
	}

	res, err := ss.GetResult(r.Context(), mux.Vars(r)["score_id"])
	if err != nil {
		h.HTTPError(w, r, statusFor(err), err)
		return
	}

	h.JSON(w, r, res)
}

func (h *handler) Catalog(w http.ResponseWriter, r *http.Request) {
	if h.mgr == nil {
		store := h.Store()
		scores, variants, err := store.Counts(r.Context())
		if err != nil {
			h.HTTPError(w, r, http.StatusInternalServerError, err)
			return
		}
		h.JSON(w, r, map[string]interface{}{
			"path":     store.Path(),
			"version":  store.Version(),
			"scores":   scores,
			"variants": variants,
		})
		return
	}

	st, err := h.mgr.Status()
	if err != nil {
		h.HTTPError(w, r, http.StatusInternalServerError, err)
		return
	}

	h.JSON(w, r, st)
}

func (h *handler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.mgr == nil {
		h.HTTPError(w, r, http.StatusNotFound, errNoManager)
		return
	}

	records, err := h.mgr.AuditLog()
	if err != nil {
		h.HTTPError(w, r, http.StatusInternalServerError, err)
		return
	}

	h.JSON(w, r, records)
}

// Update fetches and activates a new release if the source has one. Scoring
// requests that arrive afterwards use the new version.
func (h *handler) Update(w http.ResponseWriter, r *http.Request) {
	if h.mgr == nil {
		h.HTTPError(w, r, http.StatusNotFound, errNoManager)
		return
	}

	res, err := h.mgr.Update(r.Context())
	if err != nil {
		h.HTTPError(w, r, statusFor(err), err)
		return
	}

	if res.Updated {
		if err := h.reopen(); err != nil {
			h.HTTPError(w, r, http.StatusInternalServerError, err)
			return
		}
	}

	h.JSON(w, r, struct {
		From    string   `json:"from"`
		To      string   `json:"to"`
		Updated bool     `json:"updated"`
		Pruned  []string `json:"pruned,omitempty"`
	}{res.From, res.To, res.Updated, res.Pruned})
}

// Rollback activates the version named by the "version" parameter, or the
// previously active version if none is given.
func (h *handler) Rollback(w http.ResponseWriter, r *http.Request) {
	if h.mgr == nil {
		h.HTTPError(w, r, http.StatusNotFound, errNoManager)
		return
	}

	v, err := h.mgr.Rollback(r.Context(), r.FormValue("version"))
	if err != nil {
		h.HTTPError(w, r, statusFor(err), err)
		return
	}

	if err := h.reopen(); err != nil {
		h.HTTPError(w, r, http.StatusInternalServerError, err)
		return
	}

	h.JSON(w, r, v)
}

func (h *handler) reopen() error {
	store, v, err := h.mgr.OpenActive()
	if err != nil {
		return err
	}
	h.SwapStore(store)
	h.log.Info("Serving catalog version", zap.String("version", v.ID))

	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, versionmgr.ErrUnknownVersion):
		return http.StatusNotFound
	case errors.Is(err, versionmgr.ErrUpdateInProgress):
		return http.StatusConflict
	case errors.Is(err, versionmgr.ErrNoSource):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) JSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Could not encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (h *handler) HTTPError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{err.Error()})
}
