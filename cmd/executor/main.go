package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/flashbots/mev-executor/adapters/redis"
	"github.com/flashbots/mev-executor/engine"
	"github.com/flashbots/mev-executor/jsonrpcserver"
	"github.com/flashbots/mev-executor/strategies"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev" // is set during build process

	// Scheduler and cache are configured using their own env variables, see `engine.SchedulerConfigFromEnv`.
	// Variables from a `.env` file in the working directory are loaded before the defaults below.

	// Default values
	defaultDebug              = os.Getenv("DEBUG") == "1"
	defaultLogProd            = os.Getenv("LOG_PROD") == "1"
	defaultLogService         = os.Getenv("LOG_SERVICE")
	defaultPort               = cli.GetEnv("PORT", "8080")
	defaultMetricsPort        = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint        = cli.GetEnv("ETH_ENDPOINT", "ws://127.0.0.1:8546")
	defaultMempool            = cli.GetEnv("MEMPOOL", "1") == "1"
	defaultAdapterEndpoint    = cli.GetEnv("ADAPTER_ENDPOINT", "http://127.0.0.1:9545")
	defaultOracleEndpoint     = cli.GetEnv("ORACLE_ENDPOINT", "http://127.0.0.1:9546")
	defaultStrategiesConfig   = cli.GetEnv("STRATEGIES_CONFIG", "strategies.yaml")
	defaultRedisEndpoint      = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultChannelName        = cli.GetEnv("REDIS_CHANNEL_NAME", "executions")
	defaultMarkerTTL          = cli.GetEnv("EXECUTION_MARKER_TTL", "10m")
	defaultPostgresDSN        = cli.GetEnv("POSTGRES_DSN", "")
	defaultMinProfit          = cli.GetEnv("MIN_PROFIT_WEI", "0")
	defaultMaxFee             = cli.GetEnv("MAX_FEE_WEI", "0")
	defaultPriceStaleness     = cli.GetEnv("PRICE_STALENESS", "1h")
	defaultPriceCacheDuration = cli.GetEnv("PRICE_CACHE_DURATION", "10s")
	defaultFeeCacheDuration   = cli.GetEnv("FEE_CACHE_DURATION", "1s")
	defaultAPIToken           = os.Getenv("API_TOKEN")

	// Flags
	debugPtr              = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr            = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr         = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr               = flag.String("port", defaultPort, "port of the operator api")
	metricsPortPtr        = flag.String("metrics-port", defaultMetricsPort, "port of the metrics and pprof server")
	ethPtr                = flag.String("eth", defaultEthEndpoint, "eth endpoint, must support subscriptions")
	mempoolPtr            = flag.Bool("mempool", defaultMempool, "subscribe to full pending transactions")
	adapterPtr            = flag.String("adapter", defaultAdapterEndpoint, "protocol adapter jsonrpc endpoint")
	oraclePtr             = flag.String("oracle", defaultOracleEndpoint, "price oracle jsonrpc endpoint")
	strategiesConfigPtr   = flag.String("strategies-config", defaultStrategiesConfig, "strategies config file")
	redisPtr              = flag.String("redis", defaultRedisEndpoint, "redis url string, empty disables notifications and execution markers")
	channelPtr            = flag.String("channel", defaultChannelName, "redis pub/sub channel for execution records")
	markerTTLPtr          = flag.String("marker-ttl", defaultMarkerTTL, "expiry of execution markers")
	postgresDSNPtr        = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty disables execution records storage")
	minProfitPtr          = flag.String("min-profit", defaultMinProfit, "minimal net profit in wei (exclusive)")
	maxFeePtr             = flag.String("max-fee", defaultMaxFee, "max base fee + priority fee per gas in wei, 0 disables the cap")
	priceStalenessPtr     = flag.String("price-staleness", defaultPriceStaleness, "max age of oracle prices")
	priceCacheDurationPtr = flag.String("price-cache-duration", defaultPriceCacheDuration, "how long oracle prices are cached")
	feeCacheDurationPtr   = flag.String("fee-cache-duration", defaultFeeCacheDuration, "how long fee market readings are cached")
	apiTokenPtr           = flag.String("api-token", defaultAPIToken, "bearer token of the operator api, empty disables auth")
)

func parseWei(name, value string) (*big.Int, error) {
	wei, ok := new(big.Int).SetString(value, 10)
	if !ok || wei.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %q", name, value) //nolint:goerr113
	}
	return wei, nil
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting mev-executor", zap.String("version", version))

	durations := map[string]time.Duration{}
	for name, value := range map[string]string{
		"marker-ttl":           *markerTTLPtr,
		"price-staleness":      *priceStalenessPtr,
		"price-cache-duration": *priceCacheDurationPtr,
		"fee-cache-duration":   *feeCacheDurationPtr,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			logger.Fatal("Failed to parse duration", zap.String("flag", name), zap.Error(err))
		}
		durations[name] = d
	}
	minProfit, err := parseWei("min-profit", *minProfitPtr)
	if err != nil {
		logger.Fatal("Failed to parse min profit", zap.Error(err))
	}
	maxFee, err := parseWei("max-fee", *maxFeePtr)
	if err != nil {
		logger.Fatal("Failed to parse max fee", zap.Error(err))
	}
	if maxFee.Sign() == 0 {
		maxFee = nil
	}

	// the key is only read from the environment
	key, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("EXECUTOR_PRIVATE_KEY"), "0x"))
	if err != nil {
		logger.Fatal("Failed to load EXECUTOR_PRIVATE_KEY", zap.Error(err))
	}

	rpcClient, err := rpc.DialContext(ctx, *ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to eth endpoint", zap.Error(err))
	}
	ethClient := ethclient.NewClient(rpcClient)
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}

	schedulerConfig, err := engine.SchedulerConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load scheduler config", zap.Error(err))
	}
	cacheConfig, err := engine.CacheConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load cache config", zap.Error(err))
	}

	submitter := engine.NewEthSubmitter(logger, ethClient, key, chainID, engine.DefaultReceiptPollInterval)
	nonces, err := engine.NewNonceAllocatorFromChain(ctx, ethClient, submitter.Address())
	if err != nil {
		logger.Fatal("Failed to get account nonce", zap.Error(err))
	}
	logger.Info("Executor account", zap.String("address", submitter.Address().Hex()), zap.Uint64("nonce", nonces.Next()),
		zap.Uint64("chain_id", chainID.Uint64()))

	fees := engine.NewCachingFeeOracle(engine.NewEthFeeOracle(ethClient), durations["fee-cache-duration"])
	prices := engine.NewPriceFeed(engine.NewJSONRPCPriceOracle(*oraclePtr), durations["price-staleness"], durations["price-cache-duration"])
	adapter := engine.NewJSONRPCProtocolAdapter(*adapterPtr)

	strategiesConfig, err := strategies.LoadConfig(*strategiesConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load strategies config", zap.Error(err))
	}
	built, err := strategiesConfig.Build(strategies.Deps{Adapter: adapter, Prices: prices})
	if err != nil {
		logger.Fatal("Failed to build strategies", zap.Error(err))
	}
	strategySet, err := engine.NewStrategySet(logger.Named("strategies"), built.Strategies...)
	if err != nil {
		logger.Fatal("Failed to create strategy set", zap.Error(err))
	}
	if strategySet.Len() == 0 {
		logger.Fatal("No strategies enabled")
	}
	logger.Info("Strategies enabled", zap.Strings("strategies", strategySet.Names()))

	gate := engine.NewProfitabilityGate(engine.GateConfig{
		MinProfit:       minProfit,
		MaxFee:          maxFee,
		ValidityWindows: built.ValidityWindows,
	})

	var (
		sinks  []engine.ExecutionSink
		marker engine.ExecutionMarker
	)
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		sinks = append(sinks, engine.NewRedisExecutionNotifier(redisClient, *channelPtr))
		marker = redisadapter.NewExecutionMarker(redisClient, durations["marker-ttl"], "executor-mark:", submitter.Address().Hex())
	}
	if *postgresDSNPtr != "" {
		dbStore, err := engine.NewDBExecutionStore(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbStore.Close()
		sinks = append(sinks, dbStore)
	}

	cache := engine.NewOpportunityCache(cacheConfig)
	scheduler := engine.NewScheduler(logger, schedulerConfig, cache, strategySet, gate, nonces, fees, submitter, marker, sinks...)
	source := engine.NewEthEventSource(logger, rpcClient, chainID, *mempoolPtr)
	ingestion := engine.NewIngestionLoop(logger, source, strategySet, cache, scheduler)

	api := engine.NewAPI(logger, ingestion, cache, scheduler, nonces, strategySet)
	var handlerOpts []jsonrpcserver.Option
	if *apiTokenPtr != "" {
		handlerOpts = append(handlerOpts, jsonrpcserver.WithBearerToken(*apiTokenPtr))
	}
	jsonRPCServer, err := jsonrpcserver.NewHandler(api.Methods(), handlerOpts...)
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           jsonRPCServer,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	go func() {
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}
		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		select {
		case <-notifier:
			logger.Info("Shutting down...")
			ctxCancel()
		case <-ctx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	schedulerWg := scheduler.Start(groupCtx)
	group.Go(func() error {
		return ingestion.Run(groupCtx)
	})
	group.Go(func() error {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		source.Close()
		return server.Shutdown(context.Background())
	})

	if err := group.Wait(); err != nil {
		logger.Error("Executor stopped with error", zap.Error(err))
	}
	// in-flight executions get their grace period
	schedulerWg.Wait()
	logger.Info("Executor stopped", zap.Uint64("next_nonce", nonces.Next()))
}
