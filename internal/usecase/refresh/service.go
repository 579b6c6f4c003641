package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/polls"
)

// queueRetryDelay — пауза воркера после ошибки чтения очереди.
const queueRetryDelay = time.Second

// SnapshotHandler сводит наблюдение счётчиков с реестром.
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, snap domain.PollSnapshot) (polls.Outcome, error)
}

// Service периодически сверяет отслеживаемые опросы с платформой.
// Это явный объект с жизненным циклом Start/Stop: тикер ставит задания
// в очередь, воркер забирает их и прогоняет через обработчик.
type Service struct {
	polls        domain.PollRepo
	queue        domain.RefreshQueue
	fetchers     []domain.SnapshotFetcher
	handler      SnapshotHandler
	interval     time.Duration
	startupDelay time.Duration
	batch        int
	log          zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService создаёт планировщик сверки. fetchers — упорядоченный список
// стратегий получения счётчиков; используется первая сработавшая.
func NewService(pollRepo domain.PollRepo, queue domain.RefreshQueue, fetchers []domain.SnapshotFetcher, handler SnapshotHandler, interval, startupDelay time.Duration, batch int, log zerolog.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Service{
		polls:        pollRepo,
		queue:        queue,
		fetchers:     fetchers,
		handler:      handler,
		interval:     interval,
		startupDelay: startupDelay,
		batch:        batch,
		log:          log,
	}
}

// Start запускает тикер и воркер. Повторный Start без Stop не поддерживается.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.workerLoop(ctx)
}

// Stop останавливает планировщик и дожидается завершения воркера.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	startup := time.NewTimer(s.startupDelay)
	defer startup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-startup.C:
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce ставит в очередь задания для пачки самых давно обновлявшихся
// отслеживаемых опросов. Размер пачки ограничен, чтобы тик не рос
// неограниченно вместе с числом опросов.
func (s *Service) RunOnce(ctx context.Context) {
	start := time.Now()
	stale, err := s.polls.ListTrackedStale(ctx, s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("refresh: не удалось выбрать опросы")
		return
	}
	enqueued := 0
	for _, p := range stale {
		job := domain.RefreshJob{
			JobID:     uuid.NewString(),
			PollID:    p.PollID,
			ChatID:    p.ChatID,
			MessageID: p.MessageID,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Str("poll_id", p.PollID).Msg("refresh: не удалось поставить задание")
			continue
		}
		enqueued++
	}
	metrics.RefreshQueueDepth.Set(float64(enqueued))
	metrics.RefreshTickSeconds.Observe(time.Since(start).Seconds())
	if enqueued > 0 {
		s.log.Debug().Int("enqueued", enqueued).Msg("refresh: тик поставил задания")
	}
}

func (s *Service) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("refresh: ошибка чтения очереди")
			// Пауза, чтобы лежащая очередь не раскручивала цикл вхолостую.
			select {
			case <-ctx.Done():
				return
			case <-time.After(queueRetryDelay):
			}
			continue
		}
		s.process(ctx, job)
	}
}

// process сверяет один опрос. Любая ошибка здесь локальна для задания:
// остальная пачка продолжает обрабатываться.
func (s *Service) process(ctx context.Context, job domain.RefreshJob) {
	logger := s.log.With().Str("job_id", job.JobID).Str("poll_id", job.PollID).Logger()

	poll, err := s.polls.FindByPollID(ctx, job.PollID)
	if errors.Is(err, domain.ErrPollNotFound) {
		poll, err = s.polls.FindByNaturalKey(ctx, job.ChatID, job.MessageID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrPollNotFound) {
			metrics.RefreshOutcomes.WithLabelValues("skipped").Inc()
			logger.Debug().Msg("refresh: опрос исчез из реестра")
		} else {
			metrics.RefreshOutcomes.WithLabelValues("error").Inc()
			logger.Error().Err(err).Msg("refresh: ошибка чтения опроса")
		}
		return
	}
	if poll.IsClosed || !poll.IsTracked {
		metrics.RefreshOutcomes.WithLabelValues("skipped").Inc()
		return
	}

	snap, err := s.fetch(ctx, poll)
	if err != nil {
		metrics.RefreshOutcomes.WithLabelValues("skipped").Inc()
		logger.Debug().Err(err).Msg("refresh: счётчики недоступны")
		return
	}
	if snap.PollID == "" {
		snap.PollID = poll.PollID
	}

	outcome, err := s.handler.HandleSnapshot(ctx, snap)
	switch {
	case err != nil:
		metrics.RefreshOutcomes.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("refresh: ошибка сверки")
	case outcome == polls.OutcomeUpdated:
		metrics.RefreshOutcomes.WithLabelValues("updated").Inc()
	case outcome == polls.OutcomeUnchanged:
		metrics.RefreshOutcomes.WithLabelValues("unchanged").Inc()
	default:
		metrics.RefreshOutcomes.WithLabelValues("skipped").Inc()
	}
}

// fetch пробует стратегии по порядку до первой успешной.
func (s *Service) fetch(ctx context.Context, poll domain.Poll) (domain.PollSnapshot, error) {
	var lastErr error = domain.ErrSnapshotUnavailable
	for _, f := range s.fetchers {
		snap, err := f.Fetch(ctx, poll)
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	return domain.PollSnapshot{}, lastErr
}
