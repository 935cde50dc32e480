// Command server runs the DropWatch daemon: the collector, the worker pool,
// the shutdown coordinator and the status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/logging"
	"github.com/dharsanguruparan/DropWatch/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build service", zap.Error(err))
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		logger.Error("dropwatch stopped with errors", zap.Error(err))
		svc.Close()
		os.Exit(1)
	}
}
