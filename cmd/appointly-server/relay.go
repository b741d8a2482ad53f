package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"appointly/backend/internal/config"
	"appointly/backend/internal/outbox"
)

var (
	errNeedsRedis = errors.New("redis.addr is required")
	errNeedsKafka = errors.New("kafka.brokers is required")
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish booking events from the outbox to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("relay")
			if err != nil {
				return err
			}
			return runRelay(cfg, log)
		},
	}
}

func runRelay(cfg config.Config, log *slog.Logger) error {
	if err := requirePostgres(cfg, "relay"); err != nil {
		return err
	}
	brokers := outbox.SplitBrokers(cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		log.Error("relay needs kafka.brokers")
		return errNeedsKafka
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.shutdown(log)

	if err := outbox.KafkaReadyCheck(brokers)(ctx); err != nil {
		log.Warn("kafka not reachable yet", slog.Any("err", err))
	}

	writer := outbox.NewKafkaWriter(brokers)
	defer func() {
		if err := writer.Close(); err != nil {
			log.Warn("kafka writer close failed", slog.Any("err", err))
		}
	}()

	pub := outbox.NewPublisher(b.outbox, writer, outbox.PublisherConfig{
		PollEvery: cfg.Outbox.PollInterval,
		BatchSize: cfg.Outbox.BatchSize,
	}, log)

	log.Info("relay started", slog.Any("brokers", brokers))
	pub.Run(ctx)
	log.Info("relay stopped")
	return nil
}
