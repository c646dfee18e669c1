// Command rasterrunner wires every component into the orchestrator's core
// loop: it decomposes admitted image requests into regions and tiles,
// dispatches tiles to remote inference endpoints, and rolls results up into
// a completed image's feature sinks. Grounded on the teacher's root main.go
// (flag parsing, subcommand dispatch, signal-handling shutdown shape),
// narrowed from its tile-service subcommand set to this system's two:
// "run", the long-running server, and "verify-tiling", a standalone
// tiling-coverage check.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mumuon/rasterrunner/internal/capacity"
	"github.com/mumuon/rasterrunner/internal/config"
	"github.com/mumuon/rasterrunner/internal/core"
	"github.com/mumuon/rasterrunner/internal/handler"
	"github.com/mumuon/rasterrunner/internal/inference"
	"github.com/mumuon/rasterrunner/internal/metrics"
	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/progress"
	"github.com/mumuon/rasterrunner/internal/queue"
	"github.com/mumuon/rasterrunner/internal/raster"
	"github.com/mumuon/rasterrunner/internal/scheduler"
	"github.com/mumuon/rasterrunner/internal/selection"
	"github.com/mumuon/rasterrunner/internal/sink"
	"github.com/mumuon/rasterrunner/internal/status"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

// unconfiguredRasterSource reports that no concrete raster backend was
// wired. Raster I/O is an external collaborator by design (the image
// formats and georeferencing libraries involved vary per deployment);
// operators supply their own handler.RasterSource backed by whatever
// raster-reading library fits their images, and set it in place of this
// one before starting the runner for real.
type unconfiguredRasterSource struct{}

func (unconfiguredRasterSource) Open(ctx context.Context, imageURL, readRole string) (raster.Dataset, error) {
	return nil, fmt.Errorf("rasterrunner: no raster source configured for %q; wire a handler.RasterSource backed by a real raster reader", imageURL)
}

// main dispatches to the two subcommands, in the spirit of the teacher's
// multi-subcommand CLI generalized down to this system's two operator
// entrypoints: the long-running server and a standalone tiling-coverage
// check.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: rasterrunner <run|verify-tiling> [flags]")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "verify-tiling":
		cmdVerifyTiling(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "rasterrunner: unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", ".env", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rasterrunner exited with error", "error", err)
		os.Exit(1)
	}
}

// cmdVerifyTiling runs the tiling-coverage invariant check (Testable
// Property 6) against a configured region/tile/overlap triple and prints a
// coverage report, in the spirit of the teacher's verify subcommand.
func cmdVerifyTiling(args []string) {
	fs := flag.NewFlagSet("verify-tiling", flag.ExitOnError)
	strategyName := fs.String("strategy", "variable-tile", "tiling strategy: variable-tile or variable-overlap")
	width := fs.Int("width", 0, "processing bounds width in pixels")
	height := fs.Int("height", 0, "processing bounds height in pixels")
	regionWidth := fs.Int("region-width", 0, "region width in pixels")
	regionHeight := fs.Int("region-height", 0, "region height in pixels")
	tileWidth := fs.Int("tile-width", 0, "tile width in pixels")
	tileHeight := fs.Int("tile-height", 0, "tile height in pixels")
	overlapWidth := fs.Int("overlap-width", 0, "minimum tile overlap width in pixels")
	overlapHeight := fs.Int("overlap-height", 0, "minimum tile overlap height in pixels")
	_ = fs.Parse(args)

	var strategy tiling.Strategy
	switch *strategyName {
	case "variable-tile":
		strategy = tiling.VariableTile{}
	case "variable-overlap":
		strategy = tiling.VariableOverlap{}
	default:
		fmt.Fprintf(os.Stderr, "verify-tiling: unknown strategy %q\n", *strategyName)
		os.Exit(2)
	}

	bounds := tiling.ProcessingBounds{Width: *width, Height: *height}
	regionSize := model.ImageDimensions{Width: *regionWidth, Height: *regionHeight}
	tileSize := model.ImageDimensions{Width: *tileWidth, Height: *tileHeight}
	overlap := model.ImageDimensions{Width: *overlapWidth, Height: *overlapHeight}

	regions, err := strategy.ComputeRegions(bounds, regionSize, tileSize, overlap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-tiling: computing regions: %v\n", err)
		os.Exit(1)
	}

	regionCrops := make([]tiling.Crop, len(regions))
	maxX, maxY := 0, 0
	var tileGaps int
	for i, r := range regions {
		regionCrops[i] = tiling.Crop{UL: r.UL, Width: r.Width, Height: r.Height}
		if x := r.UL.X + r.Width; x > maxX {
			maxX = x
		}
		if y := r.UL.Y + r.Height; y > maxY {
			maxY = y
		}

		tiles, err := strategy.ComputeTiles(r, tileSize, overlap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify-tiling: computing tiles for region %+v: %v\n", r, err)
			os.Exit(1)
		}
		tileGaps += len(tiling.VerifyCoverage(r.Width, r.Height, tiles))
	}

	regionGaps := tiling.VerifyCoverage(maxX-bounds.UL.X, maxY-bounds.UL.Y, regionCrops)

	fmt.Printf("regions: %d, region coverage gaps: %d, tile coverage gaps across all regions: %d\n",
		len(regions), len(regionGaps), tileGaps)
	if len(regionGaps) > 0 || tileGaps > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Service.AWSRegion))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	progressStore, err := progress.Open(ctx, progress.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, DBName: cfg.Database.DBName, SSLMode: cfg.Database.SSLMode,
	})
	if err != nil {
		return fmt.Errorf("opening progress store: %w", err)
	}
	defer progressStore.Close()

	s3Client := s3.NewFromConfig(awsCfg)
	kinesisClient := kinesis.NewFromConfig(awsCfg)
	snsClient := sns.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)
	sagemakerClient := sagemaker.NewFromConfig(awsCfg)
	sagemakerRuntimeClient := sagemakerruntime.NewFromConfig(awsCfg)

	metricsRegistry := metrics.NewRegistry()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metricsRegistry.Collectors()...)

	capacityLookup := capacity.NewLookup(capacity.TieredSource{
		Hosted: capacity.SageMakerSource{Client: sagemakerClient},
		Static: capacity.StaticSource{Counts: cfg.Table.EndpointCapacities, Default: cfg.Table.DefaultCapacity},
	})

	sinkFactory := sink.NewFactory(s3Client, kinesisClient, logger)
	detectorFactory := inference.NewFactory(sagemakerRuntimeClient, inference.NewHTTPClient(0), logger)

	var imageMon handler.ImageStatusMonitor
	if cfg.Topic.ImageStatusARN != "" {
		imageMon = status.NewImageMonitor(snsClient, cfg.Topic.ImageStatusARN, logger)
	}
	var regionMon handler.RegionStatusMonitor
	if cfg.Topic.RegionStatusARN != "" {
		regionMon = status.NewRegionMonitor(snsClient, cfg.Topic.RegionStatusARN, logger)
	}

	regionQueue := queue.NewRegionQueue(256)
	bufferedQueue := queue.NewBufferedRequestQueue(sqsClient, queue.DefaultRequestDecoder, queue.BufferedRequestQueueConfig{
		QueueURL: cfg.Queue.URL, DeadLetterURL: cfg.Queue.DeadLetterURL,
		MaxJobsLookahead: cfg.Queue.MaxJobsLookahead, MaxRetryAttempts: cfg.Queue.MaxRetryAttempts,
		RetryTime: cfg.Queue.RetryTime,
	}, logger)
	reg.MustRegister(bufferedQueue.Collectors()...)

	handlerCfg := handler.Config{
		TileWorkerCount: cfg.Service.TileWorkerCount, SelfThrottlingEnabled: cfg.Service.SelfThrottlingEnabled,
		FeatureRowByteLimit: cfg.Service.FeatureRowByteLimit,
		RegionSize:          model.ImageDimensions{Width: cfg.Service.RegionWidth, Height: cfg.Service.RegionHeight},
	}

	var rasterSource handler.RasterSource = unconfiguredRasterSource{}
	// No concrete raster-opening/tile-encoding backend lives in this repo
	// (raster I/O is an external collaborator); both are nil until an
	// operator wires their own. rasterSource.Open always errors first, so
	// tiles/elevation are never reached in this configuration.
	var tileFactory raster.TileFactory
	var elevationModel raster.ElevationModel

	imageHandler := handler.NewImageRequestHandler(
		handlerCfg, progressStore, tiling.VariableTile{}, selection.Selector{}, rasterSource,
		regionQueue, sinkFactory, imageMon, logger,
	)
	regionHandler := handler.NewRegionRequestHandler(
		handlerCfg, progressStore, tiling.VariableTile{}, rasterSource, tileFactory,
		detectorFactory, imageHandler, elevationModel, regionMon, logger,
	)
	regionHandler.SetMetrics(metricsRegistry)
	imageHandler.SetRegionProcessor(regionHandler)

	endpointScheduler := scheduler.New(bufferedQueue, capacityLookup, progressStore)
	endpointScheduler.SetMetrics(metricsRegistry)

	runner := core.New(
		regionQueue, regionHandler, endpointScheduler, imageHandler, bufferedQueue, progressStore,
		core.Config{
			PollInterval: cfg.Scheduler.PollInterval, RegionThrottleRetryDelay: cfg.Scheduler.RegionThrottleRetryDelay,
			RefillInterval: cfg.Scheduler.RefillInterval,
		}, logger,
	)

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := progressStore.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "progress store unreachable: %v\n", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	metricsServer := &http.Server{Addr: cfg.Service.MetricsAddr, Handler: opsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal, stopping", "signal", sig)
		runner.Stop()
		_ = metricsServer.Close()
		return <-runErr
	case err := <-runErr:
		_ = metricsServer.Close()
		return err
	}
}
