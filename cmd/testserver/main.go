// testserver starts the full worker with stub providers and an embedded
// Redis for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stolink/imageworker/internal/app"
	"github.com/stolink/imageworker/internal/config"
	"github.com/stolink/imageworker/internal/provider/stub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.DBPath = ":memory:"
	cfg.Queue.Block = 200 * time.Millisecond
	cfg.Queue.PingInterval = time.Second

	logger := config.NewLogger(os.Stdout, cfg.Level())

	mr, err := miniredis.Run()
	if err != nil {
		log.Fatalf("failed to start embedded redis: %v", err)
	}
	defer mr.Close()
	cfg.Redis.Addr = mr.Addr()

	providers := stub.New("https://cdn.test", 300*time.Millisecond)

	logger.Info("testserver: starting",
		"listen_addr", cfg.ListenAddr,
		"redis_addr", cfg.Redis.Addr,
		"stream", cfg.Queue.Stream,
	)

	a, err := app.New(cfg, providers.Engine(), redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	if err != nil {
		log.Fatalf("failed to build worker: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}
