// prsserve exposes the active catalog and one person's precomputed scores
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/compileinfo"
	"github.com/carbocation/polyrisk/config"
	"github.com/carbocation/polyrisk/fetch"
	"github.com/carbocation/polyrisk/logging"
	"github.com/carbocation/polyrisk/prs"
	"github.com/carbocation/polyrisk/scheduler"
	"github.com/carbocation/polyrisk/versionmgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath  string
		dataDir     string
		catalogPath string
		source      string
		listen      string
		workers     int
	)
	flag.StringVar(&configPath, "config", "", "Optional: path to a YAML configuration file")
	flag.StringVar(&dataDir, "data-dir", "", "Optional: catalog data directory. Overrides the configuration file.")
	flag.StringVar(&catalogPath, "catalog", "", "Optional: serve this catalog.db instead of the active version. Disables updates.")
	flag.StringVar(&source, "source", "", "Optional: release location used by /catalog/update. Overrides the configuration file.")
	flag.StringVar(&listen, "listen", "", "Optional: address to listen on. Overrides the configuration file.")
	flag.IntVar(&workers, "workers", 0, "Optional: number of scores computed at once. Defaults to the number of CPUs.")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalln(err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if source != "" {
		cfg.Source = source
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	logger, err := logging.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()
	logger.Info("Build", compileinfo.Get().Fields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	global := &Global{
		log:      logger,
		registry: registry,
		sched: scheduler.New(scheduler.Config{
			Workers: cfg.Workers,
			Options: &prs.Options{TopN: cfg.TopContributors, LowCoverage: cfg.LowCoverage},
			Metrics: scheduler.NewMetrics(registry),
			Logger:  logger,
		}),
	}

	if catalogPath != "" {
		global.store, err = catalog.Open(catalogPath)
		if err != nil {
			log.Fatalln(err)
		}
	} else {
		var src fetch.Source
		if cfg.Source != "" {
			var closeSource func() error
			src, closeSource, err = fetch.Open(ctx, cfg.Source, cfg.FetchTimeout)
			if err != nil {
				log.Fatalln(err)
			}
			defer closeSource()
		}

		global.mgr, err = versionmgr.Open(versionmgr.Config{
			Root:                cfg.DataDir,
			Source:              src,
			ChunkSize:           cfg.ChunkSize,
			FetchTimeout:        cfg.FetchTimeout,
			FetchAttempts:       cfg.FetchAttempts,
			Retain:              cfg.Retain,
			MaxVariantsPerScore: cfg.MaxVariantsPerScore,
			Actor:               compileinfo.Get().Actor(),
			Logger:              logger,
			Metrics:             versionmgr.NewMetrics(registry),
		})
		if err != nil {
			log.Fatalln(err)
		}

		var v versionmgr.CatalogVersion
		global.store, v, err = global.mgr.OpenActive()
		if err != nil {
			log.Fatalln(err)
		}
		logger.Info("Serving catalog version", zap.String("version", v.ID), zap.Int("scores", v.Scores), zap.Int("variants", v.Variants))
	}
	defer global.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router(global),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("listen", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		logger.Error("HTTP server failed", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Unclean shutdown", zap.Error(err))
	}
}
