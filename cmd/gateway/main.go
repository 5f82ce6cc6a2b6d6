package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/evermind-ai/backend/internal/config"
	"github.com/evermind-ai/backend/internal/lifecycle"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	envPath := flag.String("env", ".env", "path to an optional env file")
	flag.Parse()

	// Optional .env for local development; real deployments set the
	// environment directly.
	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load env file: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := lifecycle.New(cfg, lifecycle.WithConfigFile(*configPath))
	if err := mgr.Run(ctx); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
