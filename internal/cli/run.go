package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"basegraph.app/batchinfer/common/id"
	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/common/logger"
	"basegraph.app/batchinfer/common/otel"
	"basegraph.app/batchinfer/core/config"
	"basegraph.app/batchinfer/internal/dispatch"
	"basegraph.app/batchinfer/internal/http/handler"
	"basegraph.app/batchinfer/internal/http/router"
	"basegraph.app/batchinfer/internal/manifest"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch every job in a manifest and write the outcomes",
		Long: `run loads configuration from the environment (and .env.batchinfer in
development), dispatches the manifest's jobs, and writes results.jsonl and
diagnostics.jsonl to the output directory. SIGINT or SIGTERM cancels the run:
calls already in flight finish, everything else is reported as cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.manifest, "manifest", "m", "", "job manifest (.yaml, .yml or .jsonl)")
	fs.StringVarP(&f.outputDir, "out", "o", "", "output directory (overrides SINK_OUTPUT_DIR)")
	fs.IntVar(&f.poolSize, "pool", 0, "worker pool size (overrides DISPATCH_POOL_SIZE)")
	fs.IntVar(&f.maxAttempts, "attempts", 0, "attempts per job (overrides DISPATCH_MAX_ATTEMPTS)")
	fs.DurationVar(&f.pacingDelay, "pacing", 0, "pause after each success (overrides DISPATCH_PACING_DELAY)")
	fs.BoolVar(&f.paceFailures, "pace-failures", false, "also pause after failures")
	fs.StringVar(&f.httpAddr, "http", "", "control server address, e.g. :8080 (overrides HTTP_ADDR)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runBatch(cmd *cobra.Command, f runFlags) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		return err
	}
	f.apply(cmd, &cfg)

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to initialize otel: %v\n", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", banner)
	logger.Setup(cfg)
	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	}

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		return err
	}

	m, err := manifest.Load(f.manifest)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load manifest", "path", f.manifest, "error", err)
		return err
	}
	jobs, err := m.Jobs()
	if err != nil {
		slog.ErrorContext(ctx, "invalid manifest", "path", f.manifest, "error", err)
		return err
	}
	validator, err := newValidator(m)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build validator", "error", err)
		return err
	}

	client, err := llm.New(llmConfig(cfg.LLM))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create llm client", "error", err)
		return err
	}

	d, err := dispatch.New[llm.Request, json.RawMessage](
		dispatch.EndpointFunc[llm.Request](client.Complete),
		validator,
		dispatchConfig(cfg.Dispatch),
		dispatch.WithMetrics(dispatch.NewMetrics(prometheus.DefaultRegisterer)),
		dispatch.WithRetryObserver(func(index, attempt int, delay time.Duration, reason string) {
			slog.DebugContext(ctx, "retry scheduled",
				"job_index", index,
				"attempt", attempt,
				"delay", delay,
				"reason", reason)
		}),
	)
	if err != nil {
		slog.ErrorContext(ctx, "invalid dispatch config", "error", err)
		return err
	}

	sinks, err := buildSinks[json.RawMessage](ctx, cfg.Sink)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open sinks", "error", err)
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			slog.ErrorContext(ctx, "sink close error", "error", err)
		}
	}()

	slog.InfoContext(ctx, "batchinfer starting",
		"env", cfg.Env,
		"provider", cfg.LLM.Provider,
		"model", client.Model(),
		"manifest", f.manifest,
		"jobs", len(jobs))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	run, err := d.Start(gctx, jobs)
	if err != nil {
		slog.ErrorContext(ctx, "failed to start run", "error", err)
		return err
	}

	tracker := &handler.RunTracker{}
	tracker.Set(run)

	var server *http.Server
	if cfg.HTTP.Enabled() {
		if cfg.IsProduction() {
			gin.SetMode(gin.ReleaseMode)
		}
		server = newServer(cfg, tracker)
		g.Go(func() error {
			slog.InfoContext(ctx, "http server starting", "addr", cfg.HTTP.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		report, runErr := run.Wait()
		if runErr != nil {
			slog.ErrorContext(ctx, "dispatch run error", "error", runErr)
		}

		// Outcomes are written even when the run was cancelled.
		writeCtx := context.WithoutCancel(ctx)
		writeErr := sinks.Write(writeCtx, report)
		if writeErr != nil {
			slog.ErrorContext(writeCtx, "failed to write outcomes", "error", writeErr)
		}
		printSummary(cmd, report)

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(writeCtx, shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
			}
		}
		return errors.Join(runErr, writeErr)
	})

	return g.Wait()
}

func newServer(cfg config.Config, tracker *handler.RunTracker) *http.Server {
	rc := router.RouterConfig{
		Gatherer: prometheus.DefaultGatherer,
		Tracker:  tracker,
	}
	if cfg.OTel.Enabled() {
		rc.ServiceName = cfg.OTel.ServiceName
	}
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router.New(rc),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func printSummary[V any](cmd *cobra.Command, report *dispatch.Report[V]) {
	if report == nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %d: %d succeeded, %d diagnostics, %d tokens in %s\n",
		report.RunID,
		len(report.Successes),
		len(report.Diagnostics),
		report.Usage.TotalTokens,
		report.Duration.Round(time.Millisecond))
	if report.Cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled: %s\n", report.CancelReason)
	}
}

const banner = `
 _           _       _     _        __
| |__   __ _| |_ ___| |__ (_)_ __  / _| ___ _ __
| '_ \ / _' | __/ __| '_ \| | '_ \| |_ / _ \ '__|
| |_) | (_| | || (__| | | | | | | |  _|  __/ |
|_.__/ \__,_|\__\___|_| |_|_|_| |_|_|  \___|_|
`
