package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/rais-engine/api"
	"github.com/warp/rais-engine/factory"
	"github.com/warp/rais-engine/rais"
)

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		port    int
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and execute queued runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a, port, origins)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", []string{"http://localhost:5173", "http://localhost:8080"}, "Allowed CORS origins")
	return cmd
}

func serve(ctx context.Context, a *app, port int, origins []string) error {
	queue := api.NewRunQueue(a.store, a.pipeline, a.log)
	queue.Start()
	defer queue.Stop()

	handler := api.NewHandler(a.store, a.pipeline, queue, a.log.With("component", "api"))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.NewRouter(handler, origins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // whole base tables as CSV
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

// =============================================================================
// RUN
// =============================================================================

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		vintages  []string
		states    []string
		cuts      []string
		noCuts    bool
		noCountry bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline: base tables, states, country, then cuts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			sel := a.pipeline.FullSelection()
			if len(vintages) > 0 {
				sel.Vintages = vintages
			}
			if len(states) > 0 {
				sel = a.pipeline.SelectStates(sel, states)
			}
			if len(cuts) > 0 {
				sel.Cuts = cuts
			}
			if noCuts {
				sel.Cuts = nil
			}
			if noCountry {
				sel.Country = false
			}

			results, err := a.pipeline.Execute(cmd.Context(), sel)
			printResults(cmd, results)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&vintages, "vintage", nil, "Vintages to run (default: all configured)")
	cmd.Flags().StringSliceVar(&states, "state", nil, "States to run (default: all configured; a subset skips the country and other states' cuts)")
	cmd.Flags().StringSliceVar(&cuts, "cut", nil, "Cuts to build (default: all configured)")
	cmd.Flags().BoolVar(&noCuts, "no-cuts", false, "Skip every cut")
	cmd.Flags().BoolVar(&noCountry, "no-country", false, "Skip the country rollup")
	return cmd
}

// =============================================================================
// CUT
// =============================================================================

func newCutCmd(opts *globalOptions) *cobra.Command {
	var vintages []string

	cmd := &cobra.Command{
		Use:   "cut NAME",
		Short: "Build one configured cut from stored base tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			cut, ok := a.cfg.Cut(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", rais.ErrUnknownCut, args[0])
			}
			if len(vintages) == 0 {
				vintages = a.cfg.Vintages
			}

			var results []rais.StepResult
			for _, v := range vintages {
				r, err := a.pipeline.BuildCut(cmd.Context(), cut, v)
				if err != nil {
					printResults(cmd, results)
					return err
				}
				results = append(results, r)
			}
			printResults(cmd, results)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&vintages, "vintage", nil, "Vintages to build (default: all configured)")
	return cmd
}

// =============================================================================
// CLASSES
// =============================================================================

func newClassesCmd(opts *globalOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "classes",
		Short: "Print the CNAE classification catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			if refresh {
				if _, err := a.cnae.Refresh(cmd.Context()); err != nil {
					return err
				}
			}
			idx, err := a.pipeline.Classification(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, code := range idx.Codes() {
				desc, _ := idx.Describe(code)
				fmt.Fprintf(tw, "%s\t%s\n", code, desc)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the catalog again and overwrite the cache")
	return cmd
}

// =============================================================================
// CONFIG
// =============================================================================

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			data, err := factory.MarshalConfig(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func printResults(cmd *cobra.Command, results []rais.StepResult) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tNAME\tVINTAGE\tROWS\tUNCLASSIFIED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", r.Key.Level, r.Key.Name, r.Key.Vintage, r.Rows, len(r.Unclassified))
	}
	tw.Flush()
}
