package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

// prefixLen — сколько первых символов идентификатора используется при
// неточном поиске. Платформа иногда присылает усечённые id.
const prefixLen = 10

// Resolver находит запись опроса по идентификатору платформы.
// Идентификаторы не считаются точными: платформа замечена за их
// ротацией и усечением, поэтому поиск идёт каскадом от точного
// совпадения к наилучшей догадке.
type Resolver struct {
	polls domain.PollRepo
	log   zerolog.Logger
}

// NewResolver создаёт резолвер.
func NewResolver(polls domain.PollRepo, log zerolog.Logger) *Resolver {
	return &Resolver{polls: polls, log: log}
}

// Resolve возвращает запись опроса или domain.ErrPollNotFound.
// Порядок попыток: точный pollId, точный originalPollId, префикс среди
// открытых опросов, самый свежий открытый опрос при неоднозначности.
func (r *Resolver) Resolve(ctx context.Context, pollID string) (domain.Poll, error) {
	if pollID == "" {
		return domain.Poll{}, domain.ErrPollNotFound
	}

	p, err := r.polls.FindByPollID(ctx, pollID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrPollNotFound) {
		return domain.Poll{}, fmt.Errorf("поиск по pollId: %w", err)
	}

	p, err = r.polls.FindByOriginalPollID(ctx, pollID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrPollNotFound) {
		return domain.Poll{}, fmt.Errorf("поиск по originalPollId: %w", err)
	}

	prefix := pollID
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}
	candidates, err := r.polls.FindOpenByPollIDPrefix(ctx, prefix)
	switch {
	case err != nil:
		r.log.Warn().Err(err).Str("poll_id", pollID).Msg("префиксный поиск недоступен")
	case len(candidates) == 1:
		return candidates[0], nil
	case len(candidates) > 1:
		r.log.Debug().Str("poll_id", pollID).Int("candidates", len(candidates)).
			Msg("префикс неоднозначен, берём самый свежий открытый опрос")
	default:
		return domain.Poll{}, domain.ErrPollNotFound
	}

	p, err = r.polls.FindMostRecentOpen(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPollNotFound) {
			return domain.Poll{}, domain.ErrPollNotFound
		}
		return domain.Poll{}, fmt.Errorf("поиск самого свежего опроса: %w", err)
	}
	return p, nil
}
