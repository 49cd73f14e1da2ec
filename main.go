package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cantonscan-ingest/internal/api"
	"cantonscan-ingest/internal/config"
	"cantonscan-ingest/internal/ingester"
	"cantonscan-ingest/internal/metrics"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	log.Printf("Initializing cantonscan ingester (%s)...", BuildCommit)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Scan URL: %s", cfg.ScanURL)
	log.Printf("Data dir: %s  Cursor dir: %s", cfg.DataDir, cfg.CursorDir)
	log.Printf("Shard: %d/%d  Backends: parquet=%v chunked=%v", cfg.ShardIndex, cfg.ShardTotal, cfg.WriteParquet, cfg.WriteChunked)

	engine, err := ingester.NewEngine(cfg)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	registry := metrics.NewRegistry()
	server := api.NewServer(engine, registry, cfg.JWTSecret, cfg.APIPort)
	server.Start()

	// Graceful shutdown: stop intake, flush, wait for writes, exit 0.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down gracefully...", sig)
		cancel()
	}()

	runErr := engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer shutdownCancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}

	if runErr != nil {
		log.Printf("Fatal: %v", runErr)
		os.Exit(1)
	}
	log.Println("Shutdown complete.")
}
