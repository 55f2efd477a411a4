package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/parleyhq/pulse/internal/config"
	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	// automaxprocs sets GOMAXPROCS from container CPU limits at init
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Str("version", server.Version).Msg("Starting pulse")
	cfg.LogConfig(logger)

	srv := server.New(cfg, logger)
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("Startup failed")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Signal received")

	// Grace window plus headroom for the HTTP shutdown and component stops.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
