package polls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/ledger"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/lookup"
)

// saveAttempts ограничивает количество повторов при конфликте ревизий.
const saveAttempts = 3

// lockTTL — время жизни блокировки одного опроса.
const lockTTL = 10 * time.Second

// snapshotTTL — сколько хранится последнее наблюдение в кэше.
const snapshotTTL = 30 * time.Minute

// ErrSaveConflict возвращается, когда сохранение не удалось даже после
// повторных попыток из-за параллельных изменений записи.
var ErrSaveConflict = errors.New("poll save conflict")

// Outcome описывает итог обработки одного события.
type Outcome int

const (
	// OutcomeSkipped — событие не относится к известному опросу.
	OutcomeSkipped Outcome = iota
	// OutcomeUnchanged — опрос найден, но реестр не изменился.
	OutcomeUnchanged
	// OutcomeUpdated — реестр изменён и сохранён.
	OutcomeUpdated
)

// Service сводит входящие события с реестром опросов.
type Service struct {
	polls    domain.PollRepo
	resolver *lookup.Resolver
	lock     domain.Locker
	cache    domain.Cache
	members  domain.MemberLookup
	stopper  domain.PollStopper
	log      zerolog.Logger
}

// NewService создаёт сервис. lock, cache, members и stopper опциональны.
func NewService(polls domain.PollRepo, resolver *lookup.Resolver, lock domain.Locker, cache domain.Cache, members domain.MemberLookup, stopper domain.PollStopper, log zerolog.Logger) *Service {
	return &Service{
		polls:    polls,
		resolver: resolver,
		lock:     lock,
		cache:    cache,
		members:  members,
		stopper:  stopper,
		log:      log,
	}
}

// HandleVote применяет именованный голос. События для неизвестных или
// закрытых опросов — ожидаемый шум, они тихо пропускаются.
func (s *Service) HandleVote(ctx context.Context, ev domain.VoteEvent) (Outcome, error) {
	if ev.UserID <= 0 {
		s.log.Error().Str("poll_id", ev.PollID).Msg("событие голоса без id пользователя")
		metrics.VoteEventsTotal.WithLabelValues("malformed").Inc()
		return OutcomeSkipped, nil
	}

	p, err := s.resolver.Resolve(ctx, ev.PollID)
	if errors.Is(err, domain.ErrPollNotFound) {
		s.log.Debug().Str("poll_id", ev.PollID).Msg("голос для неизвестного опроса")
		metrics.VoteEventsTotal.WithLabelValues("unknown_poll").Inc()
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, err
	}

	if ev.Username == "" && s.members != nil {
		if info, lookupErr := s.members.Lookup(ctx, p.ChatID, ev.UserID); lookupErr == nil {
			ev.Username = info.Username
			if ev.FirstName == "" {
				ev.FirstName = info.FirstName
			}
			if ev.LastName == "" {
				ev.LastName = info.LastName
			}
		}
	}

	outcome := OutcomeUnchanged
	err = s.withPollLock(ctx, p.PollID, func() error {
		var mergeErr error
		outcome, mergeErr = s.mutate(ctx, p.ChatID, p.MessageID, func(fresh *domain.Poll) (bool, error) {
			return ledger.ApplyVote(fresh, ev)
		})
		return mergeErr
	})
	if errors.Is(err, domain.ErrPollClosed) {
		s.log.Debug().Str("poll_id", ev.PollID).Msg("голос для закрытого опроса")
		metrics.VoteEventsTotal.WithLabelValues("closed").Inc()
		return OutcomeSkipped, nil
	}
	if err != nil {
		metrics.VoteEventsTotal.WithLabelValues("error").Inc()
		return outcome, err
	}
	metrics.VoteEventsTotal.WithLabelValues("ok").Inc()
	return outcome, nil
}

// HandleSnapshot сводит совокупные счётчики платформы с реестром.
func (s *Service) HandleSnapshot(ctx context.Context, snap domain.PollSnapshot) (Outcome, error) {
	s.rememberSnapshot(snap)

	p, err := s.resolver.Resolve(ctx, snap.PollID)
	if errors.Is(err, domain.ErrPollNotFound) {
		s.log.Debug().Str("poll_id", snap.PollID).Msg("счётчики для неизвестного опроса")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, err
	}

	// Идентификатор платформы мог смениться: запоминаем прежний, чтобы
	// дальнейшие события находили запись по любому из двух. Событие с уже
	// известным прежним id — не ротация: платформа иногда присылает его
	// и после смены, и затирать текущий id таким событием нельзя.
	rotated := snap.PollID != "" && p.PollID != snap.PollID && snap.PollID != p.OriginalPollID

	outcome := OutcomeUnchanged
	lockErr := s.withPollLock(ctx, p.PollID, func() error {
		var mergeErr error
		outcome, mergeErr = s.mutate(ctx, p.ChatID, p.MessageID, func(fresh *domain.Poll) (bool, error) {
			res, applyErr := ledger.ApplySnapshot(fresh, snap)
			if applyErr != nil {
				return false, applyErr
			}
			if res.SkippedOptions > 0 {
				s.log.Warn().Str("poll_id", snap.PollID).Int("options", res.SkippedOptions).
					Msg("пропущены варианты с испорченными счётчиками")
			}
			if rotated {
				if fresh.OriginalPollID == "" {
					fresh.OriginalPollID = fresh.PollID
				}
				fresh.PollID = snap.PollID
				res.Changed = true
			}
			return res.Changed, nil
		})
		return mergeErr
	})
	if errors.Is(lockErr, domain.ErrPollClosed) {
		s.log.Debug().Str("poll_id", snap.PollID).Msg("счётчики для закрытого опроса")
		return OutcomeSkipped, nil
	}
	if lockErr != nil {
		return outcome, lockErr
	}
	return outcome, nil
}

// Register записывает новый опрос, увиденный в момент создания.
func (s *Service) Register(ctx context.Context, p domain.Poll) error {
	if len(p.Options) < 2 {
		return fmt.Errorf("опрос %q: вариантов меньше двух", p.PollID)
	}
	p.TotalVoterCount = ledger.TotalVoters(&p)
	if err := s.polls.Save(ctx, &p); err != nil {
		return fmt.Errorf("сохранение опроса: %w", err)
	}
	return nil
}

// Track включает периодическую сверку опроса и пополняет ростер
// упоминаний.
func (s *Service) Track(ctx context.Context, chatID int64, messageID int, mentions []domain.Mention) (domain.Poll, error) {
	var tracked domain.Poll
	err := s.withNaturalKeyLock(ctx, chatID, messageID, func() error {
		_, err := s.mutate(ctx, chatID, messageID, func(fresh *domain.Poll) (bool, error) {
			changed := false
			if !fresh.IsTracked {
				now := time.Now().UTC()
				fresh.IsTracked = true
				fresh.TrackedAt = &now
				changed = true
			}
			for _, m := range mentions {
				if fresh.MentionByUserID(m.UserID) != nil || fresh.MentionByUsername(m.Username) != nil {
					continue
				}
				fresh.Mentions = append(fresh.Mentions, m)
				changed = true
			}
			tracked = *fresh
			return changed, nil
		})
		return err
	})
	return tracked, err
}

// Untrack выключает периодическую сверку.
func (s *Service) Untrack(ctx context.Context, chatID int64, messageID int) error {
	return s.withNaturalKeyLock(ctx, chatID, messageID, func() error {
		_, err := s.mutate(ctx, chatID, messageID, func(fresh *domain.Poll) (bool, error) {
			if !fresh.IsTracked {
				return false, nil
			}
			fresh.IsTracked = false
			return true, nil
		})
		return err
	})
}

// Close закрывает опрос: сначала на платформе (по возможности), затем
// в реестре. Закрытие необратимо.
func (s *Service) Close(ctx context.Context, chatID int64, messageID int) error {
	if s.stopper != nil {
		if err := s.stopper.StopPoll(ctx, chatID, messageID); err != nil {
			s.log.Warn().Err(err).Int64("chat_id", chatID).Int("message_id", messageID).
				Msg("не удалось остановить опрос на платформе")
		}
	}
	return s.withNaturalKeyLock(ctx, chatID, messageID, func() error {
		_, err := s.mutate(ctx, chatID, messageID, func(fresh *domain.Poll) (bool, error) {
			if fresh.IsClosed {
				return false, nil
			}
			fresh.IsClosed = true
			return true, nil
		})
		return err
	})
}

// Status возвращает текущее состояние опроса для отображения.
func (s *Service) Status(ctx context.Context, chatID int64, messageID int) (domain.Poll, error) {
	return s.polls.FindByNaturalKey(ctx, chatID, messageID)
}

// mutate выполняет цикл «прочитать свежую запись, применить, сохранить»
// с ограниченным числом повторов при конфликте ревизий. При ошибке
// сохранения реестр считается неизменённым, ошибка уходит наверх.
func (s *Service) mutate(ctx context.Context, chatID int64, messageID int, apply func(*domain.Poll) (bool, error)) (Outcome, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		fresh, err := s.polls.FindByNaturalKey(ctx, chatID, messageID)
		if err != nil {
			return OutcomeSkipped, err
		}
		changed, err := apply(&fresh)
		if err != nil {
			return OutcomeSkipped, err
		}
		if !changed {
			return OutcomeUnchanged, nil
		}
		err = s.polls.Save(ctx, &fresh)
		if err == nil {
			return OutcomeUpdated, nil
		}
		if !errors.Is(err, domain.ErrStaleWrite) {
			return OutcomeUnchanged, fmt.Errorf("сохранение опроса: %w", err)
		}
		metrics.SaveConflictsTotal.Inc()
		s.log.Debug().Int64("chat_id", chatID).Int("message_id", messageID).
			Int("attempt", attempt+1).Msg("конфликт ревизий, повторяем")
	}
	return OutcomeUnchanged, ErrSaveConflict
}

func (s *Service) withPollLock(ctx context.Context, pollID string, fn func() error) error {
	if s.lock == nil {
		return fn()
	}
	return s.lock.WithLock(ctx, "poll:"+pollID, lockTTL, fn)
}

func (s *Service) withNaturalKeyLock(ctx context.Context, chatID int64, messageID int, fn func() error) error {
	if s.lock == nil {
		return fn()
	}
	key := fmt.Sprintf("poll:%d:%d", chatID, messageID)
	return s.lock.WithLock(ctx, key, lockTTL, fn)
}

// rememberSnapshot кладёт последнее наблюдение в кэш: сверщик использует
// его как резервную стратегию, когда платформа недоступна напрямую.
func (s *Service) rememberSnapshot(snap domain.PollSnapshot) {
	if s.cache == nil || snap.PollID == "" {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(domain.SnapshotCacheKey(snap.PollID), payload, snapshotTTL); err != nil {
		s.log.Debug().Err(err).Str("poll_id", snap.PollID).Msg("не удалось закэшировать счётчики")
	}
}
