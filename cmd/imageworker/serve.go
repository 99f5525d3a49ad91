package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stolink/imageworker/internal/app"
	"github.com/stolink/imageworker/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume the job stream and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := config.NewLogger(os.Stdout, cfg.Level())

		if cfg.SentryDSN != "" {
			if err := sentry.Init(sentry.ClientOptions{
				Dsn:         cfg.SentryDSN,
				Environment: cfg.Environment,
				Release:     "imageworker@" + version,
			}); err != nil {
				return fmt.Errorf("init sentry: %w", err)
			}
			defer sentry.Flush(2 * time.Second)
		}

		logger.Info("imageworker: starting",
			"version", version,
			"listen_addr", cfg.ListenAddr,
			"db_path", cfg.DBPath,
			"stream", cfg.Queue.Stream,
			"group", cfg.Queue.Group,
			"storage", cfg.Storage.Backend,
		)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		providers, err := app.Providers(ctx, cfg, logger)
		if err != nil {
			return err
		}

		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		a, err := app.New(cfg, providers, rc, logger)
		if err != nil {
			_ = rc.Close()
			return err
		}
		return a.Run(ctx)
	},
}
