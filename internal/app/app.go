// Package app assembles the worker: job ledger, workflow engine, callback
// dispatcher, queue consumer and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stolink/imageworker/internal/api"
	"github.com/stolink/imageworker/internal/callback"
	"github.com/stolink/imageworker/internal/config"
	"github.com/stolink/imageworker/internal/consumer"
	"github.com/stolink/imageworker/internal/engine"
	"github.com/stolink/imageworker/internal/queue"
	"github.com/stolink/imageworker/internal/store"
)

// App is a fully wired worker process.
type App struct {
	rc       redis.UniversalClient
	store    *store.SQLiteStore
	engine   *engine.Engine
	stream   *queue.RedisStream
	monitor  *queue.Monitor
	consumer *consumer.Consumer
	server   *api.Server
	logger   *slog.Logger
}

// New wires the worker around the given providers and queue client. The App
// takes ownership of rc and closes it when Run returns.
func New(cfg config.Config, p engine.Providers, rc redis.UniversalClient, logger *slog.Logger) (*App, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open job ledger: %w", err)
	}

	eng := engine.NewEngine(p, engine.Config{
		StageTimeout:     cfg.Workflow.StageTimeout,
		StageMaxAttempts: cfg.Workflow.StageMaxAttempts,
		BackoffInitial:   cfg.Workflow.BackoffInitial,
		BackoffMax:       cfg.Workflow.BackoffMax,
	}, db, logger.With("component", "engine"))

	dispatcher := callback.NewDispatcher(&http.Client{}, callback.Config{
		MaxAttempts:    cfg.Callback.MaxAttempts,
		AttemptTimeout: cfg.Callback.AttemptTimeout,
		BackoffInitial: cfg.Callback.BackoffInitial,
		BackoffMax:     cfg.Callback.BackoffMax,
		DefaultURL:     cfg.Callback.DefaultURL,
	}, logger.With("component", "callback"))

	stream := queue.NewRedisStream(rc, queue.StreamConfig{
		Stream:        cfg.Queue.Stream,
		Group:         cfg.Queue.Group,
		Consumer:      consumerName(cfg.Queue.Consumer),
		DeadLetter:    cfg.Queue.DeadLetter,
		MaxLen:        cfg.Queue.MaxLen,
		Block:         cfg.Queue.Block,
		ClaimMinIdle:  cfg.Queue.ClaimMinIdle,
		ClaimInterval: cfg.Queue.ClaimInterval,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	}, logger.With("component", "queue"))
	monitor := queue.NewMonitor(rc, cfg.Queue.PingInterval, logger.With("component", "queue"))

	cons := consumer.New(stream, eng, dispatcher, monitor.Connected, consumer.Config{
		MaxInFlight:   cfg.Workflow.MaxInFlight,
		ShutdownGrace: cfg.Workflow.ShutdownGrace,
		CallbackGrace: cfg.Workflow.CallbackGrace,
	}, logger.With("component", "consumer"))

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:      db,
		Engine:     eng,
		Notifier:   dispatcher,
		Publisher:  queue.NewProducer(rc, cfg.Queue.Stream, cfg.Queue.MaxLen),
		QueueReady: cons.Ready,
	}, logger)

	return &App{
		rc:       rc,
		store:    db,
		engine:   eng,
		stream:   stream,
		monitor:  monitor,
		consumer: cons,
		server:   srv,
		logger:   logger,
	}, nil
}

// Server returns the HTTP surface.
func (a *App) Server() *api.Server {
	return a.server
}

// Run serves until ctx is cancelled or a component fails. The consumer
// drains before the queue connection is closed.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error {
		if err := a.ensureGroup(gctx); err != nil {
			return err
		}
		return a.consumer.Run(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error("close job ledger", "error", cerr)
	}
	if cerr := a.rc.Close(); cerr != nil {
		a.logger.Error("close queue connection", "error", cerr)
	}
	a.logger.Info("worker stopped")
	return err
}

// ensureGroup retries creating the consumer group until the queue is
// reachable, so the HTTP surface comes up while the queue is still down.
func (a *App) ensureGroup(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		a.logger.Warn("queue not reachable, retrying", "backoff_ms", wait.Milliseconds(), "error", err)
	}
	return backoff.RetryNotify(func() error { return a.stream.EnsureGroup(ctx) }, backoff.WithContext(b, ctx), notify)
}

func consumerName(name string) string {
	if name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		host = "imageworker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
