package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/api"
	"github.com/chainscope/indexer-go/client"
	"github.com/chainscope/indexer-go/columnar"
	"github.com/chainscope/indexer-go/fetch"
	"github.com/chainscope/indexer-go/graph"
	"github.com/chainscope/indexer-go/indexer/assets"
	"github.com/chainscope/indexer-go/indexer/moneyflow"
	"github.com/chainscope/indexer-go/indexer/series"
	"github.com/chainscope/indexer-go/indexer/transfers"
	"github.com/chainscope/indexer-go/internal/config"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/logger"
	"github.com/chainscope/indexer-go/pipeline"
	"github.com/chainscope/indexer-go/storage"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")

		network     = flag.String("network", "", "Network to index (torus, bittensor, polkadot)")
		rpcEndpoint = flag.String("rpc", "", "Node JSON-RPC endpoint URL")
		sidecar     = flag.String("sidecar", "", "API sidecar base URL")
		streamPath  = flag.String("stream-db", "", "Block stream database path")
		graphPath   = flag.String("graph-db", "", "Money-flow graph database path")
		dsn         = flag.String("dsn", "", "Postgres connection string")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")

		resetConsumers = flag.String("reset-consumer", "", "Comma-separated consumers whose checkpoints are reset before starting")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("indexer-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *network, *rpcEndpoint, *sidecar, *streamPath, *graphPath, *dsn, *logLevel, *logFormat)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Format == "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, *resetConsumers); err != nil {
		log.Error("indexer stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("indexer stopped")
}

func run(cfg *config.Config, log *zap.Logger, resetConsumers string) error {
	params, _ := constants.Params(constants.Network(cfg.Network))

	log.Info("starting indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("network", cfg.Network),
		zap.String("native_symbol", params.NativeSymbol),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Canonical block stream and checkpoints.
	streamCfg := storage.DefaultConfig(cfg.Stream.Path)
	streamCfg.PartitionSize = cfg.Stream.PartitionSize
	store, err := storage.NewPebbleStore(streamCfg)
	if err != nil {
		return fmt.Errorf("failed to open stream store: %w", err)
	}
	store.SetLogger(log)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close stream store", zap.Error(err))
		}
	}()

	// Money-flow graph store.
	graphStore, err := graph.Open(&graph.Config{Path: cfg.Graph.Path})
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	graphStore.SetLogger(log)
	defer func() {
		if err := graphStore.Close(); err != nil {
			log.Error("failed to close graph store", zap.Error(err))
		}
	}()

	// Analytical store.
	colStore, err := columnar.New(ctx, cfg.Network, &columnar.Config{
		DSN:          cfg.Columnar.DSN,
		MaxOpenConns: cfg.Columnar.MaxOpenConns,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to open columnar store: %w", err)
	}
	defer colStore.Close()

	if err := colStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure columnar schema: %w", err)
	}

	// Chain access.
	cli, err := client.New(ctx, &client.Config{
		Network:           constants.Network(cfg.Network),
		RPCEndpoint:       cfg.Node.RPCEndpoint,
		SidecarEndpoint:   cfg.Node.SidecarEndpoint,
		Timeout:           cfg.Node.Timeout,
		RequestsPerSecond: cfg.Node.RequestsPerSecond,
		RequestBurst:      cfg.Node.RequestBurst,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	defer cli.Close()

	if resetConsumers != "" {
		for _, name := range strings.Split(resetConsumers, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if err := store.ResetCheckpoint(ctx, name); err != nil {
				return fmt.Errorf("failed to reset checkpoint for %q: %w", name, err)
			}
			log.Info("checkpoint reset, projection will replay from genesis",
				zap.String("consumer", name))
		}
	}

	pipeMetrics := pipeline.NewMetrics("indexer", prometheus.DefaultRegisterer)
	pipeCfg := func(milestone uint32) *pipeline.Config {
		return &pipeline.Config{
			PollInterval:      cfg.Consumers.PollInterval,
			MilestoneInterval: milestone,
		}
	}

	type runner struct {
		name string
		run  func(context.Context) error
	}
	var runners []runner
	var enabled []string

	if cfg.Consumers.Stream.Enabled {
		fetcher, err := fetch.NewFetcher(cli, store, &fetch.Config{
			BatchSize:    cfg.Consumers.Stream.BatchSize,
			ChunkSize:    cfg.Fetch.ChunkSize,
			NumWorkers:   cfg.Fetch.Workers,
			PollInterval: cfg.Consumers.PollInterval,
			MaxRetries:   cfg.Fetch.MaxRetries,
			RetryDelay:   cfg.Fetch.RetryDelay,
		}, fetch.NewMetrics("indexer", prometheus.DefaultRegisterer), log)
		if err != nil {
			return fmt.Errorf("failed to create fetcher: %w", err)
		}
		runners = append(runners, runner{constants.ConsumerStream, fetcher.Run})
		enabled = append(enabled, constants.ConsumerStream)
	}

	if cfg.Consumers.Transfers.Enabled {
		idx, err := transfers.New(colStore, &transfers.Config{
			BatchSize:    cfg.Consumers.Transfers.BatchSize,
			NativeSymbol: params.NativeSymbol,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create transfers indexer: %w", err)
		}
		rt, err := pipeline.NewRuntime(idx, store, store,
			pipeCfg(cfg.Consumers.Transfers.MilestoneInterval), pipeMetrics, log)
		if err != nil {
			return fmt.Errorf("failed to create transfers runtime: %w", err)
		}
		runners = append(runners, runner{constants.ConsumerTransfers, rt.Run})
		enabled = append(enabled, constants.ConsumerTransfers)
	}

	if cfg.Consumers.Series.Enabled {
		idx, err := series.New(cli, colStore, store, &series.Config{
			BatchSize:    cfg.Consumers.Series.BatchSize,
			PeriodLength: time.Duration(cfg.Consumers.PeriodHours) * time.Hour,
			NativeSymbol: params.NativeSymbol,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create series indexer: %w", err)
		}
		rt, err := pipeline.NewRuntime(idx, store, store,
			pipeCfg(cfg.Consumers.Series.MilestoneInterval), pipeMetrics, log)
		if err != nil {
			return fmt.Errorf("failed to create series runtime: %w", err)
		}
		runners = append(runners, runner{constants.ConsumerSeries, rt.Run})
		enabled = append(enabled, constants.ConsumerSeries)
	}

	if cfg.Consumers.MoneyFlow.Enabled {
		idx, err := moneyflow.New(graphStore, &moneyflow.Config{
			BatchSize:            cfg.Consumers.MoneyFlow.BatchSize,
			NativeSymbol:         params.NativeSymbol,
			AnalyticsEveryBlocks: int(cfg.Consumers.AnalyticsEveryBlocks),
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create money-flow indexer: %w", err)
		}
		rt, err := pipeline.NewRuntime(idx, store, store,
			pipeCfg(cfg.Consumers.MoneyFlow.MilestoneInterval), pipeMetrics, log)
		if err != nil {
			return fmt.Errorf("failed to create money-flow runtime: %w", err)
		}
		runners = append(runners, runner{constants.ConsumerMoneyFlow, rt.Run})
		enabled = append(enabled, constants.ConsumerMoneyFlow)
	}

	if cfg.Consumers.Assets.Enabled {
		idx, err := assets.New(ctx, colStore, &assets.Config{
			BatchSize:      cfg.Consumers.Assets.BatchSize,
			NativeSymbol:   params.NativeSymbol,
			NativeDecimals: int(params.Decimals),
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create assets indexer: %w", err)
		}
		rt, err := pipeline.NewRuntime(idx, store, store,
			pipeCfg(cfg.Consumers.Assets.MilestoneInterval), pipeMetrics, log)
		if err != nil {
			return fmt.Errorf("failed to create assets runtime: %w", err)
		}
		runners = append(runners, runner{constants.ConsumerAssets, rt.Run})
		enabled = append(enabled, constants.ConsumerAssets)
	}

	if len(runners) == 0 {
		return errors.New("no consumers enabled")
	}

	var opsServer *api.Server
	if cfg.Ops.Enabled {
		opsCfg := api.DefaultConfig()
		opsCfg.Host = cfg.Ops.Host
		opsCfg.Port = cfg.Ops.Port
		opsServer, err = api.NewServer(opsCfg, log, store, enabled)
		if err != nil {
			return fmt.Errorf("failed to create ops server: %w", err)
		}
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	// One consumer failing fatally brings the process down; the others are
	// stopped through context cancellation and resume from their
	// checkpoints on restart.
	errChan := make(chan error, len(runners))
	var wg sync.WaitGroup
	for _, r := range runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", r.name, err)
			}
		}()
	}

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		log.Error("consumer failed", zap.Error(runErr))
	}

	cancel()
	wg.Wait()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := opsServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop ops server gracefully", zap.Error(err))
		}
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finalCancel()
	if tip, err := store.MaxHeight(finalCtx); err == nil {
		log.Info("final stream tip", zap.Uint32("height", tip))
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn("failed to read final stream tip", zap.Error(err))
	}

	return runErr
}

// loadConfig loads configuration from file and environment variables.
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags over the loaded configuration.
func applyFlags(cfg *config.Config, network, rpcEndpoint, sidecar, streamPath, graphPath, dsn, logLevel, logFormat string) {
	if network != "" {
		cfg.Network = network
	}
	if rpcEndpoint != "" {
		cfg.Node.RPCEndpoint = rpcEndpoint
	}
	if sidecar != "" {
		cfg.Node.SidecarEndpoint = sidecar
	}
	if streamPath != "" {
		cfg.Stream.Path = streamPath
	}
	if graphPath != "" {
		cfg.Graph.Path = graphPath
	}
	if dsn != "" {
		cfg.Columnar.DSN = dsn
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}
