// prsupdate manages the versioned catalog: it checks for, stages, validates
// and activates new releases, rolls back, prunes and prints the audit log.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carbocation/polyrisk/compileinfo"
	"github.com/carbocation/polyrisk/config"
	"github.com/carbocation/polyrisk/fetch"
	"github.com/carbocation/polyrisk/logging"
	"github.com/carbocation/polyrisk/versionmgr"
	"go.uber.org/zap"
)

var (
	BufferSize = 4096
	STDOUT     = bufio.NewWriterSize(os.Stdout, BufferSize)
)

const commands = "status, check, update, stage, validate, activate, rollback, prune, audit"

func main() {
	defer STDOUT.Flush()

	var (
		configPath string
		dataDir    string
		source     string
		retain     int
	)
	flag.StringVar(&configPath, "config", "", "Optional: path to a YAML configuration file")
	flag.StringVar(&dataDir, "data-dir", "", "Optional: catalog data directory. Overrides the configuration file.")
	flag.StringVar(&source, "source", "", "Optional: release location (directory, http(s) URL or gs:// path). Overrides the configuration file.")
	flag.IntVar(&retain, "retain", 0, "Optional: number of inactive versions and backups to keep")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [version]\nCommands: %s\n", os.Args[0], commands)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		log.Fatalln("Please provide a command")
	}
	command, arg := flag.Arg(0), flag.Arg(1)

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
	if retain > 0 {
		cfg.Retain = retain
	}

	logger, err := logging.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()
	logger.Info("Build", compileinfo.Get().Fields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var src fetch.Source
	if cfg.Source != "" {
		var closeSource func() error
		src, closeSource, err = fetch.Open(ctx, cfg.Source, cfg.FetchTimeout)
		if err != nil {
			log.Fatalln(err)
		}
		defer closeSource()
	}

	mgr, err := versionmgr.Open(versionmgr.Config{
		Root:                cfg.DataDir,
		Source:              src,
		ChunkSize:           cfg.ChunkSize,
		FetchTimeout:        cfg.FetchTimeout,
		FetchAttempts:       cfg.FetchAttempts,
		Retain:              cfg.Retain,
		MaxVariantsPerScore: cfg.MaxVariantsPerScore,
		Actor:               compileinfo.Get().Actor(),
		Logger:              logger,
	})
	if err != nil {
		log.Fatalln(err)
	}

	if err := run(ctx, mgr, command, arg, logger); err != nil {
		STDOUT.Flush()
		log.Fatalln(err)
	}
}

func run(ctx context.Context, mgr *versionmgr.Manager, command, arg string, logger *zap.Logger) error {
	switch command {
	case "status":
		st, err := mgr.Status()
		if err != nil {
			return err
		}
		return printJSON(st)

	case "check":
		check, err := mgr.CheckForUpdate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(STDOUT, "current\t%s\nremote\t%s\navailable\t%t\nbytes\t%d\n",
			check.Current, check.Manifest.Version, check.Available, check.Manifest.TotalSize())
		return nil

	case "update":
		res, err := mgr.Update(ctx)
		if err != nil {
			return err
		}
		if !res.Updated {
			fmt.Fprintf(STDOUT, "Already at version %s\n", res.From)
			return nil
		}
		fmt.Fprintf(STDOUT, "Activated %s (was %q): %d scores, %d variants\n", res.To, res.From, res.Version.Scores, res.Version.Variants)
		for _, p := range res.Pruned {
			fmt.Fprintf(STDOUT, "Pruned %s\n", p)
		}
		return nil

	case "stage":
		check, err := mgr.CheckForUpdate(ctx)
		if err != nil {
			return err
		}
		st, err := mgr.FetchAndStage(ctx, check.Manifest)
		if err != nil {
			return err
		}
		fmt.Fprintf(STDOUT, "Staged %s in %s: %d scores, %d variants, %d unparseable rows\n",
			st.Version, st.Dir, st.Summary.Scores, st.Summary.Variants, st.SkippedRows)
		return nil

	case "validate", "activate":
		if arg == "" {
			return fmt.Errorf("%s needs a staged version", command)
		}
		st, err := mgr.Staged(arg)
		if err != nil {
			return err
		}
		if command == "validate" {
			if err := mgr.Validate(ctx, st); err != nil {
				return err
			}
			fmt.Fprintf(STDOUT, "Staged version %s is valid\n", arg)
			return nil
		}
		v, err := mgr.Activate(ctx, st)
		if err != nil {
			return err
		}
		fmt.Fprintf(STDOUT, "Activated %s: %d scores, %d variants\n", v.ID, v.Scores, v.Variants)
		return nil

	case "rollback":
		v, err := mgr.Rollback(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(STDOUT, "Active version is now %s\n", v.ID)
		return nil

	case "prune":
		removed, err := mgr.Prune()
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Fprintln(STDOUT, "Nothing to prune")
		}
		for _, p := range removed {
			fmt.Fprintf(STDOUT, "Pruned %s\n", p)
		}
		return nil

	case "audit":
		records, err := mgr.AuditLog()
		if err != nil {
			return err
		}
		fmt.Fprintln(STDOUT, "timestamp\tfrom_version\tto_version\toutcome\tactor\tdetail")
		for _, r := range records {
			fmt.Fprintf(STDOUT, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
				r.FromVersion, r.ToVersion, r.Outcome, r.Actor, strings.ReplaceAll(r.Detail, "\t", " "))
		}
		return nil
	}

	logger.Debug("Unknown command", zap.String("command", command))
	return fmt.Errorf("unknown command %q; expected one of: %s", command, commands)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(STDOUT)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
