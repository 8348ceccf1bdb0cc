package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/broadcast-dispatch/internal/app"
	"github.com/unclebandit/broadcast-dispatch/internal/config"
	"github.com/unclebandit/broadcast-dispatch/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		l := logger.New(logger.Config{})
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})
	if cfg.Database.Driver == "memory" {
		log.Fatal().Msg("the worker needs a shared database, the memory driver only works with RUN_ENGINE on the server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	defer a.Close()

	if err := a.StartEngine(ctx); err != nil {
		log.Fatal().Err(err).Msg("start engine")
	}
	log.Info().Int("workers_per_account", cfg.Pool.WorkersPerAccount).
		Str("ratelimit", cfg.RateLimit.Backend).Msg("worker running")

	<-ctx.Done()
	log.Info().Msg("shutting down worker, waiting for in-flight sends")
	a.StopEngine()
	log.Info().Msg("worker stopped")
}
