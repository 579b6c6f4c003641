package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/DelmMV/telegram-ballot-guard/internal/adapters/mtproto"
	"github.com/DelmMV/telegram-ballot-guard/internal/adapters/repo"
	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/cache"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/config"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/db"
	applog "github.com/DelmMV/telegram-ballot-guard/internal/infra/log"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/queue"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/lookup"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/polls"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/refresh"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("refresher: нет подключения к БД")
	}
	defer pool.Close()

	pollRepo := repo.NewPostgres(pool)
	if err := pollRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("refresher: не удалось подготовить схему БД")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	snapshotCache := cache.NewRedis(redisClient)
	locker := cache.NewRedisLocker(redisClient, logger)

	var refreshQueue domain.RefreshQueue
	switch cfg.Queues.Driver {
	case "rabbit":
		if cfg.AMQP.URL == "" {
			logger.Fatal().Msg("refresher: не указан адрес RabbitMQ (AMQP_URL)")
		}
		rabbit, err := queue.NewRabbitRefreshQueue(cfg.AMQP.URL, cfg.Queues.Refresh)
		if err != nil {
			logger.Fatal().Err(err).Msg("refresher: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		refreshQueue = rabbit
	default:
		refreshQueue = queue.NewRedisRefreshQueue(redisClient, cfg.Queues.Refresh)
	}

	fetchers := []domain.SnapshotFetcher{
		mtproto.NewFetcher(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.MTProto.SessionFile, logger),
		refresh.NewCachedSnapshots(snapshotCache),
	}

	resolver := lookup.NewResolver(pollRepo, logger)
	pollService := polls.NewService(pollRepo, resolver, locker, snapshotCache, nil, nil, logger)

	refresher := refresh.NewService(pollRepo, refreshQueue, fetchers, pollService,
		cfg.Refresh.Interval, cfg.Refresh.StartupDelay, cfg.Refresh.Batch, logger)

	logger.Info().Msg("refresher: запуск сверки опросов")
	refresher.Start(ctx)
	<-ctx.Done()
	refresher.Stop()
	logger.Info().Msg("refresher: остановлен")
}
