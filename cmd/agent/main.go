package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ariavoice/aria/pkg/aria"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to the agent config file")
	logLevel := flag.String("log-level", "", "override configured log level")
	logFormat := flag.String("log-format", "", "override configured log format")
	flag.Parse()

	// Credentials live in the environment; .env is a development convenience.
	_ = godotenv.Load()

	cfg, err := aria.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	providers := aria.NewProviderRegistry()
	registerProviders(providers)

	transport, err := buildTransport(cfg)
	if err != nil {
		slog.Error("transport_build_failed", "error", err)
		os.Exit(1)
	}

	app, err := aria.NewEngine(aria.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Transport: transport,
	})
	if err != nil {
		slog.Error("engine_build_failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		slog.Error("engine_start_failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	_ = app.Stop()
}
