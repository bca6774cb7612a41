package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/nvr.tools/pkg/api"
	"github.com/ericvolp12/nvr.tools/pkg/bq"
	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/frigate"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
	"github.com/ericvolp12/nvr.tools/pkg/parq"
	"github.com/ericvolp12/nvr.tools/pkg/projection"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "mirror",
		Usage:   "local mirror of NVR detection events",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"NVR_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"NVR_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/events.db",
			EnvVars: []string{"NVR_SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "frigate-host",
			Usage:   "base URL of the NVR (with protocol), producers are disabled when empty",
			EnvVars: []string{"NVR_FRIGATE_HOST"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "how often to poll the NVR's event list, 0 disables polling",
			Value:   time.Minute,
			EnvVars: []string{"NVR_POLL_INTERVAL"},
		},
		&cli.Float64Flag{
			Name:    "poll-rate-limit",
			Usage:   "rate limit for event list requests in requests per second",
			Value:   5,
			EnvVars: []string{"NVR_POLL_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "poll-since",
			Usage:   "how far back the first poll reaches",
			Value:   24 * time.Hour,
			EnvVars: []string{"NVR_POLL_SINCE"},
		},
		&cli.BoolFlag{
			Name:    "websocket",
			Usage:   "follow the NVR's relayed events topic over its websocket",
			Value:   true,
			EnvVars: []string{"NVR_WEBSOCKET"},
		},
		&cli.IntFlag{
			Name:    "retention-days",
			Usage:   "days of events to keep per camera, 0 keeps everything",
			Value:   0,
			EnvVars: []string{"NVR_RETENTION_DAYS"},
		},
		&cli.StringSliceFlag{
			Name:    "camera-retention",
			Usage:   "per camera retention override as camera=days (repeatable)",
			EnvVars: []string{"NVR_CAMERA_RETENTION"},
		},
		&cli.DurationFlag{
			Name:    "retention-interval",
			Usage:   "how often to apply the retention policy",
			Value:   time.Hour,
			EnvVars: []string{"NVR_RETENTION_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory to archive published changes to as parquet files, disabled when empty",
			EnvVars: []string{"NVR_PARQUET_DIR"},
		},
		&cli.IntFlag{
			Name:    "parquet-batch-size",
			Usage:   "number of changes per parquet file",
			Value:   10_000,
			EnvVars: []string{"NVR_PARQUET_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "parquet-max-batch-wait",
			Usage:   "longest time changes wait before being written to a parquet file",
			Value:   15 * time.Minute,
			EnvVars: []string{"NVR_PARQUET_MAX_BATCH_WAIT"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"NVR_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"NVR_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			EnvVars: []string{"NVR_BIGQUERY_TABLE_PREFIX"},
			Value:   "events",
		},
	}

	app.Action = Mirror

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Mirror is the main function for the event mirror service
func Mirror(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "nvr-mirror", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	retention, err := ingest.ParseRetention(cctx.Int("retention-days"), cctx.StringSlice("camera-retention"))
	if err != nil {
		logger.Error("failed to parse retention policy", "error", err)
		return err
	}

	// A store that fails to open still serves requests with ErrUnavailable.
	store, err := events.NewStore(logger, cctx.String("sqlite-path"))
	if err != nil {
		if !errors.Is(err, events.ErrUnavailable) {
			return err
		}
		logger.Error("event store unavailable, continuing without persistence", "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close event store", "error", err)
		}
	}()

	coord := ingest.NewCoordinator(logger, store, events.DefaultFilter(time.Now()))
	defer coord.Close()

	var wg sync.WaitGroup
	run := func(source string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger := logger.With("source", source)
			logger.Info("starting")
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("routine returned an error", "error", err)
			}
			logger.Info("shut down")
		}()
	}

	proj := projection.New(logger)
	projSub := coord.Subscribe()
	run("projection", func(ctx context.Context) error {
		defer projSub.Close()
		return proj.Run(ctx, projSub)
	})
	if !coord.Reload(ctx, coord.ActiveFilter()) {
		logger.Warn("initial load of events failed, projection starts empty")
	}
	run("rollover", func(ctx context.Context) error {
		coord.RunRollover(ctx)
		return nil
	})

	if dir := cctx.String("parquet-dir"); dir != "" {
		logger.Info("parquet dir set, archiving changes", "dir", dir)
		p, err := parq.NewParq(logger, dir, "events", cctx.Int("parquet-batch-size"), cctx.Duration("parquet-max-batch-wait"))
		if err != nil {
			logger.Error("failed to create parquet writer", "error", err)
			return err
		}
		p.StartWriter()
		defer p.Shutdown()

		sub := coord.SubscribeLog()
		run("parquet", func(ctx context.Context) error {
			defer sub.Close()
			return p.Follow(ctx, sub)
		})
	}

	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "error", err)
			return err
		}
		defer func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		}()

		sub := coord.SubscribeLog()
		run("bigquery", func(ctx context.Context) error {
			defer sub.Close()
			return bqInstance.Follow(ctx, sub)
		})
	}

	if retention.DefaultDays > 0 || len(retention.Cameras) > 0 {
		run("retention", func(ctx context.Context) error {
			coord.RunRetention(ctx, retention, cctx.Duration("retention-interval"))
			return nil
		})
	}

	var poller *frigate.Poller
	if host := cctx.String("frigate-host"); host != "" {
		if interval := cctx.Duration("poll-interval"); interval > 0 {
			poller = frigate.NewPoller(logger, host, coord, interval, cctx.Float64("poll-rate-limit"), time.Now().Add(-cctx.Duration("poll-since")))
			run("poller", poller.Run)
		}

		if cctx.Bool("websocket") {
			sub, err := frigate.NewSubscriber(logger, host, coord)
			if err != nil {
				logger.Error("failed to create websocket subscriber", "error", err)
				return err
			}
			run("subscriber", sub.Run)
		}
	} else {
		logger.Warn("no frigate host set, only accepting pushed events")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "nvr_mirror",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	api.New(logger, store, coord, proj, retention).Register(e)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "NVR Mirror")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	httpKill := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")
		logger.Info("http server listening on port", "port", cctx.Int("port"))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("failed to start http server", "error", err)
			close(httpKill)
		}
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-httpKill:
		logger.Info("shutting down due to http server error")
	}

	logger.Info("shutting down, waiting for routines to finish")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}
	if poller != nil {
		if err := poller.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down poller", "error", err)
		}
	}

	cancel()
	wg.Wait()
	logger.Info("shutdown complete")

	return nil
}
