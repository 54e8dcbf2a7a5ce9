// Package main is the entry point for the Stratum mining server.
// It handles configuration loading, component wiring, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/basaltpool/stratum-engine/internal/address"
	"github.com/basaltpool/stratum-engine/internal/bitcoin"
	"github.com/basaltpool/stratum-engine/internal/config"
	"github.com/basaltpool/stratum-engine/internal/events"
	"github.com/basaltpool/stratum-engine/internal/metrics"
	"github.com/basaltpool/stratum-engine/internal/relay"
	"github.com/basaltpool/stratum-engine/internal/server"
	"github.com/basaltpool/stratum-engine/internal/storage"
	"github.com/basaltpool/stratum-engine/internal/user"
	"github.com/basaltpool/stratum-engine/internal/validator"
	"github.com/basaltpool/stratum-engine/internal/vardiff"
	"github.com/basaltpool/stratum-engine/internal/workbase"
)

// Exit codes per the daemon's operational contract: 0 clean shutdown, 1
// configuration error, 2 unrecoverable runtime error, 3 Bitcoin node
// unreachable at startup.
const (
	exitOK = iota
	exitConfigError
	exitRuntimeError
	exitBitcoinUnreachable
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()

	logger.Info("starting stratum mining server",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("mode", string(cfg.Mode)),
		zap.String("region", cfg.Region),
	)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *zap.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcClient, err := bitcoin.NewClient(cfg.BitcoinRPCURL, cfg.BitcoinRPCUser, cfg.BitcoinRPCPass)
	if err != nil {
		logger.Error("failed to create bitcoin rpc client", zap.Error(err))
		return exitConfigError
	}
	defer rpcClient.Shutdown()

	if _, err := rpcClient.GetBlockCount(); err != nil {
		logger.Error("bitcoin node unreachable at startup", zap.Error(err))
		return exitBitcoinUnreachable
	}

	payout, err := address.Validate(cfg.PayoutAddress, cfg.BTCNetwork)
	if err != nil {
		logger.Error("invalid payout address", zap.Error(err))
		return exitConfigError
	}

	reconnectStore, err := storage.NewReconnectStore(ctx, cfg.RedisURL, time.Duration(cfg.VarDiff.ReconnectTTLS)*time.Second, logger)
	if err != nil {
		logger.Error("failed to connect to redis", zap.Error(err))
		return exitRuntimeError
	}
	defer reconnectStore.Close()

	pgClient, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", zap.Error(err))
		return exitRuntimeError
	}
	defer pgClient.Close()

	userRegistry := user.NewRegistry(logger)
	userRegistry.SetStore(pgClient)
	go userRegistry.RunPersistence(ctx, time.Minute)

	metricsRegistry := metrics.NewRegistry()
	eventRing := events.NewRing(65536)

	if writer := buildEventWriter(cfg, eventRing, logger); writer != nil {
		go writer.Run(ctx)
	}

	var relayClient *relay.Client
	var relayPrimary *relay.Primary

	switch cfg.Mode {
	case config.ModeRelay:
		relayClient = relay.NewClient(cfg.PrimaryURL, cfg.Region, time.Duration(cfg.FailoverTimeoutS)*time.Second, logger)
		go relayClient.Run(ctx)
	case config.ModePrimary:
		relayPrimary, err = relay.NewPrimary(cfg.RelayPort, logger)
		if err != nil {
			logger.Error("failed to start relay primary", zap.Error(err))
			return exitRuntimeError
		}
		defer relayPrimary.Close()
		go relayPrimary.Run(ctx)
	}

	// srv is assigned after the work generator is built, but the
	// generator's onPublish callback needs to reach it; the closure
	// captures the variable, not its (not-yet-set) value, and onPublish
	// is never invoked until the generator's poll loop starts.
	var srv *server.Server

	templateSource := workbase.NewRPCSource(rpcClient, string(cfg.BTCNetwork))
	generator := workbase.New(workbase.GeneratorConfig{
		PoolSignature:   cfg.PoolSignature,
		PayoutScript:    payout.ScriptPubKey,
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		MaxStaleKept:    16,
		Grace:           60 * time.Second,
		MinBackoff:      250 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
	}, templateSource, logger, func(wb *workbase.Workbase) {
		srv.BroadcastNotify(wb)
		if relayPrimary != nil {
			relayPrimary.Broadcast(wb)
		}
	})

	store := generator.Store()
	shareValidator := validator.New(store, rpcClient)

	srv = server.New(server.Deps{
		Store:     store,
		Validator: shareValidator,
		VarDiff: vardiff.New(vardiff.Config{
			TargetIntervalS:   cfg.VarDiff.TargetIntervalS,
			EMAAlpha:          cfg.VarDiff.EMAAlpha,
			DeadBandLow:       cfg.VarDiff.DeadBandLow,
			DeadBandHigh:      cfg.VarDiff.DeadBandHigh,
			Dampening:         cfg.VarDiff.Dampening,
			CooldownS:         cfg.VarDiff.CooldownS,
			FastRampThreshold: cfg.VarDiff.FastRampThreshold,
			FastRampMaxJump:   cfg.VarDiff.FastRampMaxJump,
			MinDiff:           cfg.MinDiff,
			MaxDiff:           cfg.MaxDiff,
		}),
		Users:           userRegistry,
		Reconnect:       reconnectStore,
		Ledger:          pgClient,
		EventRing:       eventRing,
		Metrics:         metricsRegistry,
		RelayClient:     relayClient,
		Network:         cfg.BTCNetwork,
		Region:          cfg.Region,
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		InitialDiff:     cfg.MinDiff,
		MinDiff:         cfg.MinDiff,
		MaxDiff:         cfg.MaxDiff,
		MaxSessions:     cfg.MaxSessions,
		RateLimits:      cfg.RateLimits,
	}, logger)

	hashBlockNotify := make(chan struct{}, 1)
	if cfg.ZMQURL != "" {
		zmqSub, err := bitcoin.NewHashBlockSubscriber(cfg.ZMQURL, logger)
		if err != nil {
			logger.Warn("zmq hashblock subscription unavailable, falling back to polling only", zap.Error(err))
		} else {
			defer zmqSub.Close()
			go zmqSub.Run(ctx, hashBlockNotify)
		}
	}
	go generator.Run(ctx, hashBlockNotify, 30*time.Second)

	if err := srv.Listen(cfg.StratumPort); err != nil {
		logger.Error("failed to bind stratum port", zap.Error(err))
		return exitRuntimeError
	}
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("stratum server error", zap.Error(err))
		}
	}()

	metricsServer := metrics.StartMetricsServer(cfg.MetricsPort, metricsRegistry)
	go metricsServer.ListenAndServe()

	healthAggregator := metrics.NewHealthAggregator(cfg.Region, nil, logger)
	go healthAggregator.Run(ctx, 15*time.Second)
	healthServer := metrics.StartHealthServer(cfg.HealthPort, healthAggregator)
	go healthServer.ListenAndServe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during stratum shutdown", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	cancel()

	logger.Info("server shutdown complete")
	return exitOK
}

// buildEventWriter wires the configured event sinks (Unix socket, Redis
// streams, NATS JetStream). A sink whose endpoint isn't configured, or
// that fails to connect, is simply omitted rather than failing startup.
func buildEventWriter(cfg *config.Config, ring *events.Ring, logger *zap.Logger) *events.Writer {
	var sinks []events.Sink

	if cfg.EventSocketPath != "" {
		sinks = append(sinks, events.NewUnixSocketSink(cfg.EventSocketPath, logger))
	}

	if cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
			sinks = append(sinks, events.NewRedisStreamSink(redis.NewClient(opts), cfg.Region))
		} else {
			logger.Warn("invalid redis_url for event sink", zap.Error(err))
		}
	}

	if cfg.NATSURL != "" {
		if nc, err := nats.Connect(cfg.NATSURL); err == nil {
			if sink, err := events.NewNATSSink(nc, cfg.Region); err == nil {
				sinks = append(sinks, sink)
			} else {
				logger.Warn("failed to init nats jetstream sink", zap.Error(err))
			}
		} else {
			logger.Warn("failed to connect to nats", zap.Error(err))
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return events.NewWriter(ring, sinks, cfg.Region, logger, 50*time.Millisecond)
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
