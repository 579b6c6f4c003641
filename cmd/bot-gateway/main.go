package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/DelmMV/telegram-ballot-guard/internal/adapters/bot"
	"github.com/DelmMV/telegram-ballot-guard/internal/adapters/repo"
	"github.com/DelmMV/telegram-ballot-guard/internal/adapters/telegram"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/cache"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/config"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/db"
	httpserver "github.com/DelmMV/telegram-ballot-guard/internal/infra/http"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/log"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/lookup"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/polls"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	pollRepo := repo.NewPostgres(pool)
	if err := pollRepo.EnsureSchema(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("не удалось подготовить схему БД")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	snapshotCache := cache.NewRedis(redisClient)
	locker := cache.NewRedisLocker(redisClient, logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	tgClient := telegram.NewClient(botAPI, logger)

	resolver := lookup.NewResolver(pollRepo, logger)
	pollService := polls.NewService(pollRepo, resolver, locker, snapshotCache, tgClient, tgClient, logger)

	h := bot.NewHandler(botAPI, logger, pollService)

	srv := httpserver.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		logger.Info().Msg("бот-гейтвей запущен")
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бота")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
