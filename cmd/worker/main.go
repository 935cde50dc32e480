// Command worker consumes manifest tasks queued by the daemon and delivers
// them to object storage and the Postgres ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/database"
	"github.com/dharsanguruparan/DropWatch/internal/logging"
	"github.com/dharsanguruparan/DropWatch/internal/manifest"
	"github.com/dharsanguruparan/DropWatch/internal/repository"
	"github.com/dharsanguruparan/DropWatch/internal/s3storage"
	"github.com/dharsanguruparan/DropWatch/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	concurrency := flag.Int("concurrency", 2, "number of manifest tasks handled at once")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	var sinks []manifest.Sink

	store, err := s3storage.New(cfg)
	if err != nil {
		logger.Fatal("init storage", zap.Error(err))
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		logger.Fatal("ensure buckets", zap.Error(err))
	}
	sinks = append(sinks, manifest.ObjectSink{Store: store, Prefix: cfg.Manifest.Prefix})

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connect database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("ensure schema", zap.Error(err))
		}
		sinks = append(sinks, manifest.LedgerSink{Ledger: repository.NewManifestRepository(pool)})
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, asynq.Config{
		Concurrency: *concurrency,
	})
	processor := worker.NewProcessor(logger.Named("manifest-worker"), sinks...)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("manifest worker started", zap.Int("sinks", len(sinks)), zap.String("redis", cfg.Redis.Addr))
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
