// prscompute scores one person's raw genotype file against every definition
// in the active catalog and writes one tab-delimited row per score.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/compileinfo"
	"github.com/carbocation/polyrisk/config"
	"github.com/carbocation/polyrisk/genotype"
	"github.com/carbocation/polyrisk/logging"
	"github.com/carbocation/polyrisk/prs"
	"github.com/carbocation/polyrisk/scheduler"
	"github.com/carbocation/polyrisk/versionmgr"
	"go.uber.org/zap"
)

var (
	BufferSize = 4096
	STDOUT     = bufio.NewWriterSize(os.Stdout, BufferSize)
)

func main() {
	defer STDOUT.Flush()

	var (
		configPath   string
		genotypePath string
		dataDir      string
		catalogPath  string
		category     string
		workers      int
		top          int
	)
	flag.StringVar(&configPath, "config", "", "Optional: path to a YAML configuration file")
	flag.StringVar(&genotypePath, "genotypes", "", "Path to a raw genotype file (23andMe or AncestryDNA style, optionally compressed). May be a Google Storage URL (gs://).")
	flag.StringVar(&dataDir, "data-dir", "", "Optional: catalog data directory. Overrides the configuration file.")
	flag.StringVar(&catalogPath, "catalog", "", "Optional: score against this catalog.db instead of the active version")
	flag.StringVar(&category, "category", "", "Optional: only output scores in this trait category")
	flag.IntVar(&workers, "workers", 0, "Optional: number of scores computed at once. Defaults to the number of CPUs.")
	flag.IntVar(&top, "top", -1, "Optional: number of top contributing variants kept per score")
	flag.Parse()

	if genotypePath == "" {
		flag.PrintDefaults()
		log.Fatalln("Please provide --genotypes")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalln(err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if top >= 0 {
		cfg.TopContributors = top
	}

	logger, err := logging.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()
	logger.Info("Build", compileinfo.Get().Fields()...)

	store, err := openCatalog(cfg, catalogPath, logger)
	if err != nil {
		log.Fatalln(err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *storage.Client
	if strings.HasPrefix(genotypePath, "gs://") {
		client, err = storage.NewClient(ctx)
		if err != nil {
			log.Fatalln(err)
		}
		defer client.Close()
	}

	ix, err := genotype.ReadRawFromGoogleStorage(ctx, genotypePath, client)
	if err != nil {
		log.Fatalln(err)
	}
	sum := ix.Summary()
	logger.Info("Loaded genotypes", zap.String("file", genotypePath), zap.Int("entries", sum.Entries),
		zap.Int("called", sum.Called), zap.Int("no_calls", sum.NoCalls()))

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.Workers,
		Options:   &prs.Options{TopN: cfg.TopContributors, LowCoverage: cfg.LowCoverage},
		Logger:    logger,
		Observers: []scheduler.Observer{progressLogger(logger)},
	})

	session, err := sched.Start(ctx, ix, store)
	if err != nil {
		log.Fatalln(err)
	}

	state, err := session.Wait(context.Background())
	if state == scheduler.Failed {
		log.Fatalln(err)
	}

	results := session.Results()
	if category != "" {
		want := catalog.ParseCategory(category)
		filtered := results[:0]
		for _, r := range results {
			if r.Category == want {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].ScoreID < results[j].ScoreID })

	if err := prs.WriteTSV(STDOUT, results); err != nil {
		log.Fatalln(err)
	}

	st := session.Status()
	logger.Info("Done", zap.String("run_id", st.RunID), zap.String("state", st.State.String()),
		zap.Int("scores", st.Completed), zap.Int("failed", st.Failed), zap.Duration("elapsed", st.Elapsed))

	if state == scheduler.Cancelled {
		log.Println("Interrupted: the output holds only the scores computed before the interruption")
	}
}

func openCatalog(cfg config.Config, catalogPath string, logger *zap.Logger) (*catalog.Store, error) {
	if catalogPath != "" {
		return catalog.Open(catalogPath)
	}

	// Another process may be activating a version below DataDir
	store, v, err := versionmgr.OpenActiveReadOnly(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Using catalog", zap.String("version", v.ID), zap.Int("scores", v.Scores), zap.Int("variants", v.Variants))

	return store, nil
}

// progressLogger logs roughly every tenth of the run.
func progressLogger(logger *zap.Logger) scheduler.Observer {
	return scheduler.ObserverFunc(func(p scheduler.Progress) {
		step := p.Total / 10
		if step == 0 {
			step = 1
		}
		if p.Completed%step == 0 || p.Completed == p.Total {
			logger.Info("Progress", zap.Int("completed", p.Completed), zap.Int("total", p.Total))
		}
	})
}
