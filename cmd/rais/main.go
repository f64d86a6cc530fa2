/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the RAIS aggregation engine. Every command
  loads the same configuration, opens the same SQLite store and builds
  the same pipeline; they differ only in what they run.

COMMANDS:
  serve     HTTP API with a background run queue
  run       Run the pipeline once (base, state, country, cuts)
  cut       Build one cut from stored base tables
  classes   Print (and optionally refresh) the CNAE classification
  config    Print the effective configuration as YAML

GLOBAL FLAGS:
  --config    YAML run configuration (default: built-in defaults)
  --db        SQLite database path, overrides db_path
  --log-mode  "dev" (console, debug) or "prod" (JSON, info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the command context is cancelled:
  - run/cut stop at the next step boundary or record batch
  - serve stops accepting connections, drains requests (30s) and cancels
    the run in progress

EXAMPLES:
  rais run --config rais.yaml --state SP --vintage 2017
  rais cut RMC --vintage 2010
  rais serve --port 8080

SEE ALSO:
  - factory/config.go: Configuration file format
  - rais/pipeline.go: The steps each command runs
  - api/server.go: HTTP routes
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/rais-engine/factory"
	"github.com/warp/rais-engine/logger"
	"github.com/warp/rais-engine/rais"
	"github.com/warp/rais-engine/source"
	"github.com/warp/rais-engine/store/sqlite"
)

type globalOptions struct {
	configPath string
	dbPath     string
	logMode    string
}

// app holds the collaborators shared by every command.
type app struct {
	cfg      rais.Config
	log      *logger.Logger
	store    *sqlite.Store
	cnae     *source.CNAEClient
	pipeline *rais.Pipeline
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	cmd := &cobra.Command{
		Use:           "rais",
		Short:         "Aggregate RAIS employment microdata into municipality, state and country tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML run configuration (default: built-in defaults)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides db_path)")
	cmd.PersistentFlags().StringVar(&opts.logMode, "log-mode", "dev", "Log mode: dev or prod")

	cmd.AddCommand(
		newServeCmd(&opts),
		newRunCmd(&opts),
		newCutCmd(&opts),
		newClassesCmd(&opts),
		newConfigCmd(&opts),
	)
	return cmd
}

func loadConfig(opts *globalOptions) (rais.Config, error) {
	var (
		cfg rais.Config
		err error
	)
	if opts.configPath == "" {
		cfg, err = factory.ParseConfig(nil)
	} else {
		cfg, err = factory.LoadConfig(opts.configPath)
	}
	if err != nil {
		return rais.Config{}, err
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	return cfg, nil
}

// newApp loads the configuration and opens the store. Callers must call close.
func newApp(opts *globalOptions) (*app, error) {
	log, err := logger.New(opts.logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cnae := source.NewCNAEClient(cfg.ClassificationURL, cfg.UtilDir)
	pipeline := rais.NewPipeline(cfg,
		source.NewMicrodataReader(cfg.RawDir),
		cnae,
		store,
		rais.WithLogger(log.With("component", "pipeline")),
	)

	log.Info("configuration loaded",
		"db", cfg.DBPath,
		"vintages", cfg.Vintages,
		"states", len(cfg.States),
		"cuts", len(cfg.Cuts),
		"workers", cfg.Workers,
	)
	return &app{cfg: cfg, log: log, store: store, cnae: cnae, pipeline: pipeline}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
	a.log.Sync()
}
