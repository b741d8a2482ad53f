package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"appointly/backend/internal/calendar"
	"appointly/backend/internal/config"
	"appointly/backend/internal/health"
	"appointly/backend/internal/outbox"
	"appointly/backend/internal/store"
	"appointly/backend/internal/store/memory"
	"appointly/backend/internal/store/postgres"
	"appointly/backend/internal/tasks"
)

// backend is the storage selected by store.driver plus its readiness probes.
type backend struct {
	appts  store.AppointmentRepository
	rules  store.AvailabilityRuleRepository
	creds  store.CalendarCredentialStore
	outbox outbox.Relayer
	checks []health.Check
	close  func() error
}

func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store; data is lost on restart")
		mem := memory.New()
		return &backend{
			appts:  mem,
			rules:  mem,
			creds:  mem,
			outbox: mem,
			close:  func() error { return nil },
		}, nil
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return &backend{
		appts:  postgres.NewAppointmentRepo(db),
		rules:  postgres.NewAvailabilityRepo(db),
		creds:  postgres.NewCredentialRepo(db),
		outbox: postgres.NewOutboxRepo(db),
		checks: []health.Check{{Name: "postgres", Check: postgres.ReadyCheck(db)}},
		close:  func() error { return postgres.Close(db) },
	}, nil
}

func (b *backend) shutdown(log *slog.Logger) {
	if err := b.close(); err != nil {
		log.Warn("store close failed", slog.Any("err", err))
	}
}

func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func newCalendarHandler(cfg config.Config, b *backend, log *slog.Logger) *tasks.Handler {
	return tasks.NewHandler(b.appts, b.creds, calendar.NewGoogleClient(cfg.Calendar.EventTimezone), tasks.HandlerConfig{
		RatePerSecond:     cfg.Calendar.RatePerSecond,
		Burst:             cfg.Calendar.Burst,
		DefaultCalendarID: cfg.Calendar.CalendarID,
	}, log)
}

// calendarDispatcher picks how post-commit calendar work runs: on the asynq queue when
// redis is configured, in-process otherwise, or not at all when the integration is off.
func calendarDispatcher(cfg config.Config, b *backend, log *slog.Logger) (tasks.Dispatcher, func()) {
	if !cfg.Calendar.Enabled {
		return tasks.NopDispatcher{}, func() {}
	}
	if cfg.Redis.Addr != "" {
		client := asynq.NewClient(redisOpt(cfg.Redis))
		d := tasks.NewAsynqDispatcher(client, tasks.TaskOptions{
			Queue:   cfg.Calendar.Queue,
			Timeout: cfg.Calendar.TaskTimeout,
		})
		return d, func() {
			if err := client.Close(); err != nil {
				log.Warn("asynq client close failed", slog.Any("err", err))
			}
		}
	}
	if cfg.StoreDriver != config.StoreDriverMemory {
		log.Warn("calendar enabled without redis; running calendar tasks in-process")
	}
	d := tasks.NewInlineDispatcher(newCalendarHandler(cfg, b, log), cfg.Calendar.TaskTimeout, log)
	return d, d.Wait
}

var errNeedsPostgres = errors.New("requires store.driver=postgres")

func requirePostgres(cfg config.Config, command string) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("%s: %w", command, errNeedsPostgres)
	}
	return nil
}
