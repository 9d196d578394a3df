package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"exchange_simulator/internal/config"
	"exchange_simulator/internal/server"
	"exchange_simulator/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/simulator.json", "Path to configuration file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("simulator version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting exchange simulator",
		"version", version,
		"symbols", cfg.Exchange.Symbols,
		"port", cfg.Server.Port,
		"failures_enabled", cfg.Failures.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger)

	logger.Info("simulator is running",
		"websocket_url", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port),
		"rest_url", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port),
		"health_url", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port),
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("simulator stopped")
	_ = logger.Sync()
}
