// Package main provides the novastream service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"novastream/internal/cache"
	"novastream/internal/catalog"
	"novastream/internal/core"
	"novastream/internal/extract"
	httpserver "novastream/internal/http"
	"novastream/internal/lockreg"
	"novastream/internal/popular"
	"novastream/internal/prefetch"
	"novastream/internal/resolver"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "novastream",
	Short: "novastream - stream URL resolution service",
	Long: `novastream resolves track keys into short-lived playable stream URLs,
deduplicating concurrent extractions, caching successes and failures with
independent TTLs, and prefetching keys discovery surfaces will need soon.`,
	RunE: runNovastream,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("success-cache-size", 4096, "max cached successful resolutions")
	rootCmd.PersistentFlags().Duration("success-ttl", 2*time.Hour, "lifetime of successful resolutions")
	rootCmd.PersistentFlags().Int("failure-cache-size", 512, "max cached failure markers")
	rootCmd.PersistentFlags().Duration("failure-ttl", 5*time.Minute, "lifetime of failure markers")
	rootCmd.PersistentFlags().Duration("lock-acquire-timeout", 10*time.Second, "max wait for a key's lock")
	rootCmd.PersistentFlags().Duration("lock-max-hold", 16*time.Second, "hold duration after which a lock is force-released")
	rootCmd.PersistentFlags().Duration("resolver-timeout", 8*time.Second, "max duration of one extraction attempt")
	rootCmd.PersistentFlags().Float64("extractor-rps", 4, "extraction requests per second")
	rootCmd.PersistentFlags().Int("prefetch-workers", 8, "background prefetch worker count")
	rootCmd.PersistentFlags().Int("prefetch-queue-depth", 256, "max queued prefetch tasks")
	rootCmd.PersistentFlags().String("popular-db", "./novastream.db", "popularity store path")
	rootCmd.PersistentFlags().String("server-host", "0.0.0.0", "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("NOVASTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	if v := viper.GetInt("success-cache-size"); v > 0 {
		cfg.Cache.SuccessSize = v
	}
	if v := viper.GetDuration("success-ttl"); v > 0 {
		cfg.Cache.SuccessTTL = v
	}
	if v := viper.GetInt("failure-cache-size"); v > 0 {
		cfg.Cache.FailureSize = v
	}
	if v := viper.GetDuration("failure-ttl"); v > 0 {
		cfg.Cache.FailureTTL = v
	}
	if v := viper.GetDuration("lock-acquire-timeout"); v > 0 {
		cfg.Locks.AcquireTimeout = v
	}
	if v := viper.GetDuration("lock-max-hold"); v > 0 {
		cfg.Locks.MaxHoldDuration = v
	}
	if v := viper.GetDuration("resolver-timeout"); v > 0 {
		cfg.Extractor.Timeout = v
	}
	if v := viper.GetFloat64("extractor-rps"); v > 0 {
		cfg.Extractor.RequestsPerSec = v
	}
	if v := viper.GetInt("prefetch-workers"); v > 0 {
		cfg.Prefetch.Workers = v
	}
	if v := viper.GetInt("prefetch-queue-depth"); v > 0 {
		cfg.Prefetch.QueueDepth = v
	}
	if v := viper.GetString("popular-db"); v != "" {
		cfg.Popular.Path = v
	}
	if v := viper.GetString("server-host"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("server-port"); v > 0 {
		cfg.Server.Port = v
	}
	cfg.Log.Level = viper.GetString("log-level")

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runNovastream(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting novastream",
		zap.Int("success_cache_size", config.Cache.SuccessSize),
		zap.Int("prefetch_workers", config.Prefetch.Workers),
		zap.Duration("resolver_timeout", config.Extractor.Timeout))

	successCache, err := cache.New[*core.StreamInfo](config.Cache.SuccessSize, config.Cache.SweepInterval)
	if err != nil {
		return fmt.Errorf("failed to create success cache: %w", err)
	}
	defer successCache.Stop()

	failureCache, err := cache.New[core.FailureKind](config.Cache.FailureSize, config.Cache.SweepInterval)
	if err != nil {
		return fmt.Errorf("failed to create failure cache: %w", err)
	}
	defer failureCache.Stop()

	locks := lockreg.New(config.Locks.MaxHoldDuration, config.Locks.SweepInterval, logger.Named("lockreg"))
	defer locks.Stop()

	extractor := extract.NewClient(config.Extractor.BaseURL, logger.Named("extract"))
	res := resolver.New(extractor, &config.Extractor, logger.Named("resolver"))

	orchestrator := core.NewOrchestrator(
		config,
		successCache,
		failureCache,
		locks,
		res,
		logger.Named("orchestrator"),
	)

	scheduler := prefetch.NewScheduler(orchestrator, &config.Prefetch, logger.Named("prefetch"))
	orchestrator.SetQueueStats(scheduler)

	popularStore, err := popular.NewStore(config.Popular.Path, logger.Named("popular"))
	if err != nil {
		return fmt.Errorf("failed to open popularity store: %w", err)
	}
	defer popularStore.Close()

	catalogClient := catalog.NewClient(config.Extractor.BaseURL, logger.Named("catalog"))

	server := httpserver.NewServer(
		&config.Server,
		orchestrator,
		catalogClient,
		scheduler,
		popularStore,
		logger.Named("http"),
	)

	// Warm the prefetch queue with the most requested keys from previous runs.
	if keys, err := popularStore.Top(ctx, config.Popular.WarmCount); err != nil {
		logger.Warn("Failed to load popular keys for warmup", zap.Error(err))
	} else if len(keys) > 0 {
		scheduler.Submit(keys, core.PriorityLow)
		logger.Info("Warmed prefetch queue from popularity store", zap.Int("keys", len(keys)))
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gCtx)
	})

	g.Go(func() error {
		return scheduler.Start(gCtx)
	})

	g.Go(func() error {
		return popularStore.Run(gCtx, config.Popular.FlushInterval)
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				server.UpdateEngineGauges(orchestrator.Stats())
			}
		}
	})

	logger.Info("novastream started",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("novastream stopped with error", zap.Error(err))
		return err
	}

	logger.Info("novastream stopped gracefully")
	return nil
}
