// fiatescrow - custody escrow service for fiat-settled trades
package main

import (
	"context"
	"io"
	"os"

	"github.com/mbd888/fiatescrow/internal/config"
	"github.com/mbd888/fiatescrow/internal/logging"
	"github.com/mbd888/fiatescrow/internal/server"
	"github.com/mbd888/fiatescrow/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rotating := logging.Rotating(cfg.LogFile)
		defer func() { _ = rotating.Close() }()
		out = io.MultiWriter(os.Stdout, rotating)
	}
	logger := logging.NewTo(out, cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting fiatescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"backend", cfg.StoreBackend,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
