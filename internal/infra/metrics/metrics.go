package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	VoteEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vote_events_total",
		Help: "Обработанные именованные события голосования по результату",
	}, []string{"result"})

	RefreshOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refresh_outcomes_total",
		Help: "Итоги сверки опросов по тикам планировщика",
	}, []string{"outcome"})

	RefreshTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "refresh_tick_seconds",
		Help:    "Длительность одного тика планировщика сверки",
		Buckets: prometheus.DefBuckets,
	})

	RefreshQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "refresh_queue_enqueued",
		Help: "Сколько заданий поставлено в очередь последним тиком",
	})

	SaveConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poll_save_conflicts_total",
		Help: "Конфликты ревизий при сохранении опроса",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		VoteEventsTotal,
		RefreshOutcomes,
		RefreshTickSeconds,
		RefreshQueueDepth,
		SaveConflictsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
