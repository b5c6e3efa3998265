// Package scheduler precomputes every score in a catalog for one person on a
// bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/prs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("scheduler: session already started")

// Catalog is the read side of one catalog version. *catalog.Store satisfies
// it. It must not change while a session is using it.
type Catalog interface {
	ListScores(ctx context.Context) ([]catalog.ScoreDefinition, error)
	Score(ctx context.Context, scoreID string) (catalog.ScoreDefinition, error)
	Variants(ctx context.Context, scoreID string) ([]catalog.VariantWeight, error)
	Distribution(ctx context.Context, scoreID string) (*catalog.PopulationDistribution, error)
}

type Config struct {
	// Workers bounds the number of definitions scored at once. Zero means
	// runtime.NumCPU().
	Workers int

	// ProgressBuffer is the capacity of each session's progress channel.
	// Events that do not fit are dropped from the channel; observers still
	// receive every event.
	ProgressBuffer int

	// Options for every computation. Nil means prs.DefaultOptions; a
	// non-nil value is used as given, zero fields included.
	Options   *prs.Options
	Observers []Observer
	Metrics   *Metrics
	Logger    *zap.Logger
}

type Scheduler struct {
	cfg Config
}

func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = 256
	}
	if cfg.Options == nil {
		opts := prs.DefaultOptions
		cfg.Options = &opts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Scheduler{cfg: cfg}
}

// NewSession prepares an idle session for one person's genotypes against one
// catalog version.
func (s *Scheduler) NewSession(g prs.Genotypes, c Catalog) *Session {
	return &Session{
		cfg:       s.cfg,
		genotypes: g,
		catalog:   c,
		state:     Idle,
		results:   make(map[string]prs.ScoreResult),
		progress:  make(chan Progress, s.cfg.ProgressBuffer),
		done:      make(chan struct{}),
	}
}

// Start creates a session and starts it.
func (s *Scheduler) Start(ctx context.Context, g prs.Genotypes, c Catalog) (*Session, error) {
	ss := s.NewSession(g, c)
	if err := ss.Start(ctx); err != nil {
		return nil, err
	}
	return ss, nil
}

// Session is one precomputation run and its result store. Results are
// written at most once per score id and are kept when the run is cancelled.
type Session struct {
	cfg       Config
	genotypes prs.Genotypes
	catalog   Catalog

	mu        sync.Mutex
	state     State
	runID     string
	err       error
	total     int
	completed int
	failed    int
	dropped   int
	startedAt time.Time
	endedAt   time.Time
	results   map[string]prs.ScoreResult
	cancel    context.CancelFunc

	progress chan Progress
	done     chan struct{}
}

// Start moves the session from Idle to Running and returns immediately. The
// run stops early when ctx is cancelled or Cancel is called.
func (ss *Session) Start(ctx context.Context) error {
	ss.mu.Lock()
	if ss.state != Idle {
		ss.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	ss.cancel = cancel
	ss.runID = uuid.NewString()
	ss.state = Running
	ss.startedAt = time.Now()
	ss.mu.Unlock()

	go ss.run(runCtx)

	return nil
}

func (ss *Session) run(ctx context.Context) {
	log := ss.cfg.Logger.With(zap.String("run_id", ss.RunID()))

	defs, err := ss.catalog.ListScores(ctx)
	if err != nil {
		log.Error("Could not list score definitions", zap.Error(err))
		ss.finish(Failed, fmt.Errorf("listing score definitions: %w", err))
		return
	}

	ss.mu.Lock()
	ss.total = len(defs)
	ss.mu.Unlock()
	log.Info("Precomputation started", zap.Int("definitions", len(defs)), zap.Int("workers", ss.cfg.Workers))

	g := errgroup.Group{}
	g.SetLimit(ss.cfg.Workers)

	for _, def := range defs {
		if ctx.Err() != nil {
			break
		}

		def := def
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ss.publish(ctx, ss.computeUnit(ctx, def))
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		ss.finish(Cancelled, nil)
	} else {
		ss.finish(Completed, nil)
	}

	st := ss.Status()
	log.Info("Precomputation finished",
		zap.Stringer("state", st.State),
		zap.Int("completed", st.Completed),
		zap.Int("failed", st.Failed),
		zap.Int("total", st.Total),
		zap.Duration("elapsed", st.Elapsed))
}

func (ss *Session) finish(state State, err error) {
	ss.mu.Lock()
	ss.state = state
	ss.err = err
	ss.endedAt = time.Now()
	ss.mu.Unlock()

	ss.cfg.Metrics.run(state)
	close(ss.progress)
	close(ss.done)
	ss.cancel()
}

// computeUnit scores one definition. Any failure, including a panic, becomes
// a Failed result for that definition alone.
func (ss *Session) computeUnit(ctx context.Context, def catalog.ScoreDefinition) (r prs.ScoreResult) {
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			r = prs.Failed(def, fmt.Errorf("panic while scoring %s: %v", def.ScoreID, p))
		}

		r.ComputeTime = time.Since(started)
		ss.cfg.Metrics.unit(string(r.Status), r.ComputeTime.Seconds())
		if r.Status == prs.StatusFailed && ctx.Err() == nil {
			ss.cfg.Logger.Warn("Score failed", zap.String("score_id", def.ScoreID), zap.String("error", r.Error))
		}
	}()

	weights, err := ss.catalog.Variants(ctx, def.ScoreID)
	if err != nil {
		return prs.Failed(def, err)
	}
	if err := checkWeights(weights); err != nil {
		return prs.Failed(def, err)
	}

	dist, err := ss.catalog.Distribution(ctx, def.ScoreID)
	if err != nil {
		return prs.Failed(def, err)
	}

	return prs.Compute(def, weights, dist, ss.genotypes, *ss.cfg.Options)
}

func checkWeights(weights []catalog.VariantWeight) error {
	for _, w := range weights {
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return fmt.Errorf("corrupt weight row for %s: weight %v", w.RSID, w.Weight)
		}
		if w.EAF.Valid && (w.EAF.Float64 < 0 || w.EAF.Float64 > 1 || math.IsNaN(w.EAF.Float64)) {
			return fmt.Errorf("corrupt weight row for %s: effect allele frequency %v", w.RSID, w.EAF.Float64)
		}
	}
	return nil
}

// publish stores r unless the run was cancelled while r was computed, then
// notifies observers.
func (ss *Session) publish(ctx context.Context, r prs.ScoreResult) {
	ss.mu.Lock()
	if ctx.Err() != nil {
		ss.mu.Unlock()
		return
	}
	if _, exists := ss.results[r.ScoreID]; !exists {
		ss.results[r.ScoreID] = r
	}
	ss.completed++
	if r.Status == prs.StatusFailed {
		ss.failed++
	}
	p := Progress{
		RunID:     ss.runID,
		Completed: ss.completed,
		Total:     ss.total,
		ScoreID:   r.ScoreID,
		Failed:    r.Status == prs.StatusFailed,
	}

	// The channel is only closed by finish, which runs after every worker has
	// returned, so sending here is safe.
	select {
	case ss.progress <- p:
	default:
		ss.dropped++
	}
	ss.mu.Unlock()

	for _, o := range ss.cfg.Observers {
		o.OnProgress(p)
	}
}

// Progress returns the session's progress events. The channel is closed when
// the run reaches a terminal state.
func (ss *Session) Progress() <-chan Progress {
	return ss.progress
}

// Cancel asks the run to stop. Units already being scored finish, but their
// results are discarded. Results published before Cancel are kept.
func (ss *Session) Cancel() {
	ss.mu.Lock()
	cancel := ss.cancel
	ss.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the run is terminal or ctx is done.
func (ss *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-ss.done:
		st := ss.Status()
		return st.State, st.Err
	case <-ctx.Done():
		return ss.Status().State, ctx.Err()
	}
}

// Done is closed when the run is terminal.
func (ss *Session) Done() <-chan struct{} {
	return ss.done
}

func (ss *Session) RunID() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.runID
}

// Status is a snapshot of a session.
type Status struct {
	RunID     string        `json:"run_id"`
	State     State         `json:"state"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Dropped   int           `json:"dropped_events"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Err       error         `json:"-"`
}

func (ss *Session) Status() Status {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	st := Status{
		RunID:     ss.runID,
		State:     ss.state,
		Completed: ss.completed,
		Failed:    ss.failed,
		Total:     ss.total,
		Dropped:   ss.dropped,
		Err:       ss.err,
	}
	switch {
	case ss.startedAt.IsZero():
	case ss.endedAt.IsZero():
		st.Elapsed = time.Since(ss.startedAt)
	default:
		st.Elapsed = ss.endedAt.Sub(ss.startedAt)
	}

	return st
}

// Result returns a stored result without computing anything.
func (ss *Session) Result(scoreID string) (prs.ScoreResult, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	r, ok := ss.results[scoreID]
	return r, ok
}

// GetResult returns the stored result for scoreID, computing and storing it
// synchronously if the run has not reached it yet.
func (ss *Session) GetResult(ctx context.Context, scoreID string) (prs.ScoreResult, error) {
	if r, ok := ss.Result(scoreID); ok {
		return r, nil
	}

	def, err := ss.catalog.Score(ctx, scoreID)
	if err != nil {
		return prs.ScoreResult{}, err
	}

	r := ss.computeUnit(ctx, def)
	if err := ctx.Err(); err != nil {
		return prs.ScoreResult{}, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if existing, ok := ss.results[scoreID]; ok {
		return existing, nil
	}
	ss.results[scoreID] = r

	return r, nil
}

// Results returns every stored result ordered by score id.
func (ss *Session) Results() []prs.ScoreResult {
	ss.mu.Lock()
	out := make([]prs.ScoreResult, 0, len(ss.results))
	for _, r := range ss.results {
		out = append(out, r)
	}
	ss.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScoreID < out[j].ScoreID })

	return out
}
