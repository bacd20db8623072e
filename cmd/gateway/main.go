package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/coinstack-go/internal/config"
	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/api"
	"github.com/0xmhha/coinstack-go/pkg/api/websocket"
	"github.com/0xmhha/coinstack-go/pkg/client"
	"github.com/0xmhha/coinstack-go/pkg/explorer"
	"github.com/0xmhha/coinstack-go/pkg/feed"
	"github.com/0xmhha/coinstack-go/pkg/gasoracle"
	"github.com/0xmhha/coinstack-go/pkg/indexer"
	"github.com/0xmhha/coinstack-go/pkg/registry"
	"github.com/0xmhha/coinstack-go/pkg/resilience"
	"github.com/0xmhha/coinstack-go/pkg/storage"
	"github.com/0xmhha/coinstack-go/pkg/txhistory"
)

const metricsNamespace = "coinstack"

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

type flags struct {
	logLevel  string
	logFormat string
	apiHost   string
	apiPort   int
	feedType  string
	mode      string
}

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		f           flags
	)
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.StringVar(&f.apiHost, "api-host", "", "API server host")
	flag.IntVar(&f.apiPort, "api-port", 0, "API server port")
	flag.StringVar(&f.feedType, "feed", "", "Upstream feed type (blockbook, redis)")
	flag.StringVar(&f.mode, "tx-history-mode", "", "Tx history engine (merged, indexer)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coinstack-gateway version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile, f.apply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "coinstack-gateway",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting gateway",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("feed", cfg.Feed.Type),
		zap.String("tx_history_mode", cfg.TxHistory.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Gateway failed", zap.Error(err))
	}
	log.Info("Gateway stopped")
}

// apply overrides configuration with command-line flags
func (f flags) apply(cfg *config.Config) {
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.apiHost != "" {
		cfg.API.Host = f.apiHost
	}
	if f.apiPort > 0 {
		cfg.API.Port = f.apiPort
	}
	if f.feedType != "" {
		cfg.Feed.Type = f.feedType
	}
	if f.mode != "" {
		cfg.TxHistory.Mode = f.mode
	}
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
	return godotenv.Load(".env")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	nodeID := uuid.NewString()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	retry := &resilience.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      constants.DefaultRetryBackoffMultiplier,
	}
	breaker := &resilience.BreakerConfig{
		MaxFailures:      cfg.Retry.BreakerFailures,
		Timeout:          cfg.Retry.BreakerTimeout,
		HalfOpenRequests: 1,
	}

	var redisClient redis.UniversalClient
	if len(cfg.Redis.Addresses) > 0 {
		rc, err := storage.NewRedisClient(storage.RedisConfig{
			Addresses:   cfg.Redis.Addresses,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
			ClusterMode: cfg.Redis.ClusterMode,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis client: %w", err)
		}
		defer rc.Close()
		redisClient = rc
	}

	cache, err := storage.NewStore(&storage.Config{
		Backend:   cfg.Cache.Backend,
		TTL:       cfg.Cache.TTL,
		Capacity:  cfg.Cache.Capacity,
		Path:      cfg.Cache.Path,
		KeyPrefix: cfg.Feed.ChannelPrefix + ":cache",
	}, redisClient)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				log.Error("Failed to close cache", zap.Error(err))
			}
		}()
	}
	log.Info("Cache initialized", zap.String("backend", cfg.Cache.Backend))

	node, err := client.NewClient(&client.Config{
		Endpoint: cfg.Node.RPCURL,
		Timeout:  cfg.Node.Timeout,
		Logger:   log,
		Retry:    retry,
		Breaker:  breaker,
	})
	if err != nil {
		return fmt.Errorf("failed to create node client: %w", err)
	}
	defer node.Close()

	chainID, err := node.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}
	log.Info("Connected to chain", zap.String("chain_id", chainID.String()))

	idx, err := indexer.NewClient(&indexer.Config{
		URL:      cfg.Indexer.URL,
		Timeout:  cfg.Indexer.Timeout,
		Logger:   log,
		Retry:    retry,
		Breaker:  breaker,
		Cache:    cache,
		CacheTTL: cfg.Cache.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create indexer client: %w", err)
	}

	var internal txhistory.InternalSource
	if cfg.TxHistory.Mode == txhistory.ModeMerged {
		exp, err := explorer.NewClient(&explorer.Config{
			URL:       cfg.Explorer.URL,
			APIKey:    cfg.Explorer.APIKey,
			Timeout:   cfg.Explorer.Timeout,
			RateLimit: cfg.Explorer.RateLimit,
			Logger:    log,
			Retry:     retry,
			Breaker:   breaker,
		})
		if err != nil {
			return fmt.Errorf("failed to create explorer client: %w", err)
		}
		internal = exp
	}

	history, err := txhistory.NewService(txhistory.Options{
		Mode:       cfg.TxHistory.Mode,
		Primary:    idx,
		Internal:   internal,
		Traces:     node,
		TraceCache: cache,
		Metrics:    txhistory.NewMetrics(reg, metricsNamespace),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to create tx history service: %w", err)
	}

	oracle := gasoracle.New(node, &gasoracle.Config{TotalBlocks: cfg.GasOracle.TotalBlocks}, log, gasoracle.NewMetrics(reg, metricsNamespace))
	if err := oracle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gas oracle: %w", err)
	}

	feedMetrics := feed.NewMetrics(reg, metricsNamespace)
	redisFeed := &feed.RedisConfig{
		Client:        redisClient,
		ChannelPrefix: cfg.Feed.ChannelPrefix,
		NodeID:        nodeID,
		Logger:        log,
		Metrics:       feedMetrics,
	}

	var (
		source   feed.Source
		upstream feed.AddressSubscriber
		relay    *feed.RedisRelay
	)
	switch cfg.Feed.Type {
	case "redis":
		rs := feed.NewRedisSource(redisFeed)
		source, upstream = rs, rs
	default:
		bb, err := feed.NewBlockbook(&feed.BlockbookConfig{
			URL:          cfg.Feed.URL,
			PingInterval: cfg.Feed.PingInterval,
			ReconnectMax: cfg.Feed.ReconnectMax,
			Logger:       log,
			Metrics:      feedMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create feed: %w", err)
		}
		source, upstream = bb, bb
		if cfg.Feed.Relay {
			relay = feed.NewRedisRelay(redisFeed, bb)
			upstream = relay
		}
	}

	subs := registry.New(registry.Config{
		Format:             registry.EVMAddressFormatter,
		BlockHandler:       registry.NewEVMBlockHandler(idx, node, log),
		TransactionHandler: registry.NewEVMTransactionHandler(),
		Metrics:            registry.NewMetrics(reg, metricsNamespace),
		Logger:             log,
	})

	handlers := feed.Handlers{subs, feed.BlockFunc(oracle.OnBlock)}
	if relay != nil {
		handlers = append(handlers, relay)
	}

	wsServer := websocket.NewServer(&websocket.Config{
		MaxClients:     cfg.API.MaxClients,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Registry:       subs,
		Upstream:       upstream,
		Metrics:        websocket.NewMetrics(reg, metricsNamespace),
		Logger:         log,
	})

	health := api.NewHealthChecker(nodeID, version)
	health.AddCheck("node", true, node.Ping)
	health.AddCheck("feed", false, func(context.Context) error {
		if !source.Connected() {
			return errors.New("upstream feed disconnected")
		}
		return nil
	})
	health.AddCheck("gas_oracle", false, func(context.Context) error {
		if oracle.WindowSize() == 0 {
			return errors.New("fee window is empty")
		}
		return nil
	})
	if redisClient != nil {
		health.AddCheck("redis", false, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	health.SetConnectionCounter(wsServer.Hub().ClientCount)

	apiServer, err := api.NewServer(api.Options{
		Config:    cfg.API,
		Accounts:  idx,
		TxHistory: history,
		Fees:      oracle,
		Node:      node,
		WebSocket: wsServer,
		Health:    health,
		Gatherer:  reg,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return source.Run(ctx, handlers)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout+5*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	return g.Wait()
}
