package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	aluvia "github.com/aluvia-connect/aluvia-go"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./aluvia.yaml, ~/.aluvia/config.yaml, /etc/aluvia/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		addr       = flag.String("addr", "", "proxy listen address (overrides config)")
		apiKey     = flag.String("api-key", "", "API key (overrides ALUVIA_API_KEY)")
		metrics    = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	if *genConfig {
		if err := aluvia.WriteExampleSettings("aluvia.yaml"); err != nil {
			logger.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated aluvia.yaml")
		return
	}

	// A local .env is a convenient home for ALUVIA_API_KEY; absence is fine.
	_ = godotenv.Load()

	settings, err := aluvia.LoadSettings(*configPath)
	if err != nil {
		logger.Error("load settings", "error", err)
		os.Exit(1)
	}

	if *addr != "" {
		settings.Proxy.Addr = *addr
	}
	if *apiKey != "" {
		settings.API.Key = *apiKey
	}
	if settings.API.Key == "" {
		settings.API.Key = os.Getenv("ALUVIA_API_KEY")
	}
	if *metrics {
		settings.Proxy.MetricsEnabled = true
	}
	if *verbose {
		settings.Logging.Level = "debug"
	}

	client, err := aluvia.NewClient(*settings)
	if err != nil {
		logger.Error("create client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("client exited", "error", err)
		os.Exit(1)
	}
}
