package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"appointly/backend/internal/config"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run calendar tasks from the redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("worker")
			if err != nil {
				return err
			}
			return runWorker(cfg, log)
		},
	}
}

func runWorker(cfg config.Config, log *slog.Logger) error {
	if err := requirePostgres(cfg, "worker"); err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		log.Error("worker needs redis.addr")
		return errNeedsRedis
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.shutdown(log)

	srv := asynq.NewServer(redisOpt(cfg.Redis), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			cfg.Calendar.Queue: 1,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn("task failed", slog.String("task_type", task.Type()), slog.Any("err", err))
		}),
	})

	mux := asynq.NewServeMux()
	newCalendarHandler(cfg, b, log).Register(mux)

	if err := srv.Start(mux); err != nil {
		log.Error("worker start failed", slog.Any("err", err))
		return err
	}
	log.Info("worker started", slog.String("queue", cfg.Calendar.Queue), slog.Int("concurrency", cfg.Worker.Concurrency))

	<-ctx.Done()
	log.Info("shutdown signal received")
	srv.Shutdown()
	log.Info("worker stopped")
	return nil
}
