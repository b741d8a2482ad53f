package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"appointly/backend/internal/config"
	"appointly/backend/internal/domain"
	"appointly/backend/internal/health"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/service/availability"
	"appointly/backend/internal/service/booking"
	"appointly/backend/internal/telemetry"
	grpcTransport "appointly/backend/internal/transport/grpc"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC booking server and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("serve")
			if err != nil {
				return err
			}
			return runServer(cfg, log)
		},
	}
}

func runServer(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	flush, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.OTel.Enabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTel.Endpoint,
		SampleRatio:  cfg.OTel.SampleRatio,
	})
	if err != nil {
		log.Error("telemetry setup failed", slog.Any("err", err))
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := flush(flushCtx); err != nil {
			log.Warn("telemetry flush failed", slog.Any("err", err))
		}
	}()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.shutdown(log)

	dispatcher, drainDispatcher := calendarDispatcher(cfg, b, log)
	defer drainDispatcher()

	checks := b.checks
	if cfg.Redis.Addr != "" {
		rdb := newRedisClient(cfg.Redis)
		defer func() { _ = rdb.Close() }()
		checks = append(checks, health.Check{Name: "redis", Check: health.RedisCheck(rdb)})
	}

	// The memory store lives in this process, so its outbox is relayed from here too.
	if brokers := outbox.SplitBrokers(cfg.Kafka.Brokers); len(brokers) > 0 && cfg.StoreDriver == config.StoreDriverMemory {
		writer := outbox.NewKafkaWriter(brokers)
		defer func() { _ = writer.Close() }()
		checks = append(checks, health.Check{Name: "kafka", Check: outbox.KafkaReadyCheck(brokers)})
		pub := outbox.NewPublisher(b.outbox, writer, outbox.PublisherConfig{
			PollEvery: cfg.Outbox.PollInterval,
			BatchSize: cfg.Outbox.BatchSize,
		}, log)
		go pub.Run(ctx)
	}

	bookings := booking.NewService(b.appts, b.creds, dispatcher, booking.Config{
		DefaultStatus: domain.AppointmentStatus(cfg.Booking.DefaultStatus),
		MaxDuration:   cfg.Booking.MaxDuration,
	}, log)
	avail := availability.NewService(b.rules, b.appts, availability.Config{
		DefaultTimezone: cfg.Booking.DefaultTimezone,
		CacheSize:       cfg.Cache.RulesSize,
		CacheTTL:        cfg.Cache.RulesTTL,
	}, log)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpcTransport.DefaultRequestTimeout(cfg.GRPCRequestTimeout),
			grpcTransport.AccessLog(log),
		),
	)
	grpcTransport.RegisterBookingServiceServer(grpcServer, grpcTransport.NewBookingServer(bookings, avail, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           health.NewMux(checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
			return err
		}
	}
	shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
	return nil
}

func shutdown(log *slog.Logger, s *grpc.Server, h *http.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		log.Warn("health server shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}
